package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ratequeue/internal/domain"
)

var ErrNoHandler = errors.New("no handler registered")

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Pool runs calls on their registered handler with bounded concurrency.
type Pool struct {
	handlers map[string]Handler
	sem      chan struct{}
	timeout  time.Duration
	log      zerolog.Logger

	served atomic.Uint64
	failed atomic.Uint64
}

func NewPool(handlers map[string]Handler, size int, timeout time.Duration, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{handlers: handlers, sem: make(chan struct{}, size), timeout: timeout, log: log}
}

// Dispatch blocks until a slot is free, then runs call.
func (p *Pool) Dispatch(ctx context.Context, call domain.Call) (json.RawMessage, error) {
	h, ok := p.handlers[call.Type]
	if !ok {
		p.failed.Add(1)
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, call.Type)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := h.Handle(ctx, call.Payload)
	if err != nil {
		p.failed.Add(1)
		p.log.Warn().Err(err).Str("type", call.Type).Dur("took", time.Since(start)).Msg("handler failed")
		return nil, err
	}
	p.served.Add(1)
	p.log.Debug().Str("type", call.Type).Dur("took", time.Since(start)).Msg("handler done")
	return out, nil
}

type Stats struct {
	Served uint64 `json:"served"`
	Failed uint64 `json:"failed"`
	Busy   int    `json:"busy"`
}

func (p *Pool) Stats() Stats {
	return Stats{Served: p.served.Load(), Failed: p.failed.Load(), Busy: len(p.sem)}
}
