// Package timer provides abortable deferred invocation that stays accurate
// over long waits. A wait never arms a single timer for its full duration;
// it re-arms a short timer every reset interval against the absolute target.
package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

const DefaultResetInterval = time.Second

var ErrCanceled = errors.New("timer canceled")

// Token is a cooperative cancellation signal handed to SleepUntil and RunAt.
// The zero value is not usable; create one with NewToken.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewToken() *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel triggers the token. The first reason wins.
func (t *Token) Cancel(reason error) {
	if reason == nil {
		reason = ErrCanceled
	}
	t.cancel(reason)
}

func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Err is nil until the token is cancelled. Afterwards it matches ErrCanceled
// and the reason passed to Cancel.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(t.ctx)
	if errors.Is(cause, ErrCanceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

type Timer struct {
	clock clockwork.Clock
	reset time.Duration
}

type Option func(*Timer)

// WithResetInterval sets how often the remaining time is re-derived.
// Non-positive values keep the default.
func WithResetInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.reset = d
		}
	}
}

func New(clock clockwork.Clock, opts ...Option) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Timer{clock: clock, reset: DefaultResetInterval}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Timer) Clock() clockwork.Clock { return t.clock }

func (t *Timer) ResetInterval() time.Duration { return t.reset }

// SleepUntil blocks until the clock reaches end or tok is cancelled,
// whichever happens first. It returns nil on the former and tok.Err() on
// the latter. A nil tok waits uninterrupted.
func (t *Timer) SleepUntil(end time.Time, tok *Token) error {
	var done <-chan struct{}
	if tok != nil {
		done = tok.Done()
	}
	for {
		if tok != nil {
			if err := tok.Err(); err != nil {
				return err
			}
		}
		remaining := end.Sub(t.clock.Now())
		if remaining <= 0 {
			return nil
		}
		if remaining > t.reset {
			remaining = t.reset
		}
		tm := t.clock.NewTimer(remaining)
		select {
		case <-tm.Chan():
		case <-done:
			tm.Stop()
			return tok.Err()
		}
	}
}

// RunAt waits until at and then calls op, returning its result. If tok is
// cancelled first op is never called and the cancellation error is returned.
func RunAt[T any](t *Timer, at time.Time, tok *Token, op func() (T, error)) (T, error) {
	if err := t.SleepUntil(at, tok); err != nil {
		var zero T
		return zero, err
	}
	return op()
}
