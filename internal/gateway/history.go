package gateway

import (
	"context"
	"fmt"
	"time"

	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
)

// repoHistory exposes persisted executions, executed or not, to a strategy.
type repoHistory[A any] struct {
	repo queue.Repository[A]
}

func (h repoHistory[A]) Latest(ctx context.Context) (time.Time, bool, error) {
	es, err := h.repo.GetMany(ctx, queue.Query{Order: queue.Desc, Limit: 1})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrRepository, err)
	}
	if len(es) == 0 {
		return time.Time{}, false, nil
	}
	return es[0].ExecutedAt, true, nil
}

// Repository ranges are inclusive, so strictly-after becomes from after+1ns.
func (h repoHistory[A]) OldestAfter(ctx context.Context, after time.Time) (time.Time, bool, error) {
	es, err := h.repo.GetMany(ctx, queue.Query{
		Filters: queue.Filters{ExecutedAt: queue.Since(after.Add(time.Nanosecond))},
		Order:   queue.Asc,
		Limit:   1,
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrRepository, err)
	}
	if len(es) == 0 {
		return time.Time{}, false, nil
	}
	return es[0].ExecutedAt, true, nil
}

func (h repoHistory[A]) CountAfter(ctx context.Context, after time.Time) (int, error) {
	n, err := h.repo.Count(ctx, queue.Filters{ExecutedAt: queue.Since(after.Add(time.Nanosecond))})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRepository, err)
	}
	return n, nil
}

// horizoner is implemented by strategies that only look back a bounded
// amount of time.
type horizoner interface {
	Horizon() time.Duration
}

// executedHistory loads the executed entries a strategy can still see at
// now, plus the latest executed entry overall.
func (g *Gateway[A, R]) executedHistory(ctx context.Context, now time.Time) (*ratelimit.SliceHistory, error) {
	filters := queue.Executed()
	if hz, ok := g.strategy.(horizoner); ok {
		filters.ExecutedAt = queue.Since(now.Add(-hz.Horizon()))
	}
	recent, err := g.repo.GetMany(ctx, queue.Query{Filters: filters, Order: queue.Asc})
	if err != nil {
		return nil, fmt.Errorf("%w: load executed: %w", ErrRepository, err)
	}
	latest, err := g.repo.GetMany(ctx, queue.Query{Filters: queue.Executed(), Order: queue.Desc, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("%w: load latest executed: %w", ErrRepository, err)
	}

	h := ratelimit.NewSliceHistory()
	for _, e := range recent {
		h.Add(e.ExecutedAt)
	}
	if len(latest) == 1 && (len(recent) == 0 || latest[0].ExecutedAt.After(recent[len(recent)-1].ExecutedAt)) {
		h.Add(latest[0].ExecutedAt)
	}
	return h, nil
}

// revalidate reschedules the pending backlog in order against executed
// history and the entries revalidated before it.
func (g *Gateway[A, R]) revalidate(ctx context.Context) (int, error) {
	now := g.clock.Now()
	pending, err := g.repo.GetMany(ctx, queue.Query{Filters: queue.Pending(), Order: queue.Asc})
	if err != nil {
		return 0, fmt.Errorf("%w: load pending: %w", ErrRepository, err)
	}
	h, err := g.executedHistory(ctx, now)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range pending {
		at, err := g.strategy.Next(ctx, now, h)
		if err != nil {
			return moved, fmt.Errorf("reschedule %s: %w", e.ID, err)
		}
		h.Add(at)
		if at.Equal(e.ExecutedAt) {
			continue
		}
		if err := g.repo.UpdateOne(ctx, e.WithExecutedAt(at)); err != nil {
			return moved, fmt.Errorf("%w: reschedule %s: %w", ErrRepository, e.ID, err)
		}
		g.log.Debug().
			Str("execution_id", string(e.ID)).
			Time("from", e.ExecutedAt).
			Time("to", at).
			Msg("execution rescheduled")
		moved++
	}
	return moved, nil
}
