package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ratequeue/internal/domain"
	"ratequeue/internal/queue"
	"ratequeue/internal/timer"
)

func (g *Gateway[A, R]) run(ctx context.Context) {
	defer func() {
		g.release(ErrClosed)
		close(g.done)
	}()
	for {
		g.reconcile(ctx)
		select {
		case <-ctx.Done():
			return
		case cmd := <-g.cmds:
			cmd()
		case c := <-g.completions:
			g.complete(ctx, c)
		case <-g.wake:
			g.dirty = true
		}
	}
}

func (g *Gateway[A, R]) enqueue(ctx context.Context, args A) (domain.Execution[A], error) {
	at, err := g.strategy.Next(ctx, g.clock.Now(), repoHistory[A]{repo: g.repo})
	if err != nil {
		return domain.Execution[A]{}, fmt.Errorf("compute execution date: %w", err)
	}
	exe := domain.NewExecution(g.newID(), args, at)
	if err := g.repo.CreateOne(ctx, exe); err != nil {
		return domain.Execution[A]{}, fmt.Errorf("%w: create execution: %w", ErrRepository, err)
	}
	g.enqueued.Add(1)
	g.dirty = true
	g.log.Debug().
		Str("execution_id", string(exe.ID)).
		Time("executed_at", exe.ExecutedAt).
		Msg("execution enqueued")
	return exe, nil
}

func (g *Gateway[A, R]) cancelExecution(ctx context.Context, id domain.ExecutionID) error {
	if g.res != nil && g.res.id == id {
		if !g.res.disarm() {
			// The call is on the wire. It completes like an executed entry.
			g.log.Debug().Str("execution_id", string(id)).Msg("cancel ignored, call already dispatched")
			return nil
		}
		g.release(ErrCanceledByUser)
		g.dirty = true
	}

	exe, err := g.repo.GetOneByID(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Join(ErrRepository, err)
	}
	if exe.IsExecuted {
		return nil
	}
	if err := g.repo.DeleteOneByID(ctx, id); err != nil {
		return fmt.Errorf("%w: delete execution: %w", ErrRepository, err)
	}
	g.canceled.Add(1)
	g.dirty = true
	g.log.Debug().Str("execution_id", string(id)).Msg("execution cancelled")
	return nil
}

// reconcile reserves the earliest pending execution when the slot is free
// and something changed since the last look.
func (g *Gateway[A, R]) reconcile(ctx context.Context) {
	if !g.dirty || g.res != nil {
		return
	}
	g.dirty = false

	next, err := g.repo.GetMany(ctx, queue.Query{Filters: queue.Pending(), Order: queue.Asc, Limit: 1})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		g.log.Error().Err(err).Dur("retry_in", g.retry).Msg("load next execution")
		g.retryLater()
		return
	}
	if len(next) == 0 {
		return
	}

	exe := next[0]
	res := g.reserve(exe.ID)
	now := g.clock.Now()
	fireAt := exe.ExecutedAt
	if now.After(fireAt) {
		fireAt = now
	}
	if hold := g.breaker.holdUntil(now); hold.After(fireAt) {
		g.log.Warn().
			Str("execution_id", string(exe.ID)).
			Time("hold_until", hold).
			Msg("remote calls failing, delaying execution")
		fireAt = hold
	}

	g.fires.Add(1)
	go g.fire(exe, fireAt, res)
}

// fire waits for at and performs the call. Nothing is reported back when
// the reservation is released before the call starts.
func (g *Gateway[A, R]) fire(exe domain.Execution[A], at time.Time, res *reservation) {
	defer g.fires.Done()

	called := false
	returned, err := timer.RunAt(g.timer, at, res.token, func() (R, error) {
		if !res.dispatch() {
			var zero R
			return zero, timer.ErrCanceled
		}
		called = true
		return g.client.Request(g.ctx, exe.Args)
	})
	if !called {
		g.log.Debug().Str("execution_id", string(exe.ID)).Err(err).Msg("reservation released before firing")
		return
	}

	select {
	case g.completions <- completion[A, R]{exe: exe, res: res, returned: returned, err: err}:
	case <-g.done:
	}
}

func (g *Gateway[A, R]) complete(ctx context.Context, c completion[A, R]) {
	if g.res != c.res {
		g.log.Warn().Str("execution_id", string(c.exe.ID)).Msg("call finished after its reservation was released")
		return
	}
	g.res = nil
	g.setState(State{Status: Idle})

	now := g.clock.Now()
	if err := g.repo.UpdateOne(ctx, c.exe.Executed()); err != nil {
		g.log.Error().Err(err).
			Str("execution_id", string(c.exe.ID)).
			Dur("retry_in", g.retry).
			Msg("mark execution executed")
		g.retryLater()
		return
	}
	g.dirty = true
	g.breaker.record(now, c.err)

	if c.err != nil {
		err := fmt.Errorf("%w: %w", ErrRemoteCall, c.err)
		g.failed.Add(1)
		g.log.Warn().Err(c.err).Str("execution_id", string(c.exe.ID)).Msg("execution failed")
		g.bus.Publish(Event[A, R]{Kind: EventFailed, ID: c.exe.ID, Args: c.exe.Args, Err: err, At: now})
		return
	}
	g.completed.Add(1)
	g.log.Debug().Str("execution_id", string(c.exe.ID)).Msg("execution complete")
	g.bus.Publish(Event[A, R]{Kind: EventComplete, ID: c.exe.ID, Args: c.exe.Args, Returned: c.returned, At: now})
}

func (g *Gateway[A, R]) retryLater() {
	g.clock.AfterFunc(g.retry, func() {
		select {
		case g.wake <- struct{}{}:
		default:
		}
	})
}
