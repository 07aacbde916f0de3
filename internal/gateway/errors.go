package gateway

import "errors"

var (
	ErrRepositoryNil  = errors.New("repository cannot be nil")
	ErrStrategyNil    = errors.New("strategy cannot be nil")
	ErrClientNil      = errors.New("client cannot be nil")
	ErrNotStarted     = errors.New("gateway not started")
	ErrAlreadyStarted = errors.New("gateway already started")
	ErrClosed         = errors.New("gateway closed")

	// ErrRepository wraps every persistence failure surfaced by the gateway.
	ErrRepository = errors.New("execution repository failure")
	// ErrRemoteCall wraps failures of the request client.
	ErrRemoteCall = errors.New("remote call failed")
	// ErrCanceledByUser is the reason given to a reservation token on Cancel.
	ErrCanceledByUser = errors.New("execution cancelled")
)
