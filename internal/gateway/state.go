package gateway

import (
	"sync/atomic"

	"ratequeue/internal/domain"
	"ratequeue/internal/timer"
)

type Status int

const (
	Idle Status = iota
	Reserved
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Reserved:
		return "reserved"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is a snapshot of the reservation slot.
type State struct {
	Status Status             `json:"status"`
	ID     domain.ExecutionID `json:"id,omitempty"`
}

const (
	phaseArmed int32 = iota
	phaseDispatched
	phaseReleased
)

// reservation is the single in-flight slot. Only the loop goroutine reads
// or writes the pointer. phase leaves armed exactly once, either in the fire
// goroutine right before the remote call or in the loop on release.
type reservation struct {
	id    domain.ExecutionID
	token *timer.Token
	phase atomic.Int32
}

// dispatch claims the reservation for the remote call. It fails once the
// loop has released it.
func (r *reservation) dispatch() bool {
	return r.phase.CompareAndSwap(phaseArmed, phaseDispatched)
}

// disarm stops the reservation from ever dispatching. It fails when the call
// has already started.
func (r *reservation) disarm() bool {
	return r.phase.CompareAndSwap(phaseArmed, phaseReleased)
}

func (g *Gateway[A, R]) reserve(id domain.ExecutionID) *reservation {
	g.res = &reservation{id: id, token: timer.NewToken()}
	g.setState(State{Status: Reserved, ID: id})
	return g.res
}

// release cancels the active token, if any, and returns to idle.
func (g *Gateway[A, R]) release(reason error) {
	if g.res == nil {
		return
	}
	g.res.disarm()
	g.res.token.Cancel(reason)
	g.res = nil
	g.setState(State{Status: Idle})
}

func (g *Gateway[A, R]) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// State reports whether an execution is currently reserved.
func (g *Gateway[A, R]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
