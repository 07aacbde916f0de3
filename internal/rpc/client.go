package rpc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RemoteError carries an error message returned by the serving side.
type RemoteError struct{ Msg string }

func (e *RemoteError) Error() string { return "remote: " + e.Msg }

type Client[A, R any] struct {
	term Terminal[Request[A], Response[R]]

	mu      sync.Mutex
	pending map[string]chan Response[R]
	log     zerolog.Logger
}

func NewClient[A, R any](term Terminal[Request[A], Response[R]], log zerolog.Logger) *Client[A, R] {
	c := &Client[A, R]{term: term, pending: make(map[string]chan Response[R]), log: log}
	term.Listen(c.handle)
	return c
}

// Request calls the remote function with args and waits for its response.
func (c *Client[A, R]) Request(ctx context.Context, args A) (R, error) {
	var zero R
	id := uuid.NewString()
	ch := make(chan Response[R], 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.term.Post(ctx, Request[A]{ID: id, Args: args}); err != nil {
		return zero, err
	}
	select {
	case resp := <-ch:
		if resp.Err != "" {
			return zero, &RemoteError{Msg: resp.Err}
		}
		return resp.Returned, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Pending reports the number of calls awaiting a response.
func (c *Client[A, R]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client[A, R]) handle(resp Response[R]) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("correlation_id", resp.ID).Msg("response without pending request")
		return
	}
	// ch holds one response. A repeat for the same id must not stall the
	// listener.
	select {
	case ch <- resp:
	default:
		c.log.Warn().Str("correlation_id", resp.ID).Msg("duplicate response dropped")
	}
}
