package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ratequeue/internal/domain"
)

type memRecord[A any] struct {
	seq uint64
	e   domain.Execution[A]
}

// MemoryRepository is an in-process Repository for tests and ephemeral
// queues. All methods are safe for concurrent use.
type MemoryRepository[A any] struct {
	mu   sync.RWMutex
	seq  uint64
	recs map[domain.ExecutionID]*memRecord[A]
}

func NewMemoryRepository[A any]() *MemoryRepository[A] {
	return &MemoryRepository[A]{recs: make(map[domain.ExecutionID]*memRecord[A])}
}

func (m *MemoryRepository[A]) GetOneByID(ctx context.Context, id domain.ExecutionID) (domain.Execution[A], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return domain.Execution[A]{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.e, nil
}

func (m *MemoryRepository[A]) GetMany(ctx context.Context, q Query) ([]domain.Execution[A], error) {
	m.mu.RLock()
	matched := m.filter(q.Filters)
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.e.ExecutedAt.Equal(b.e.ExecutedAt) {
			if q.Order == Desc {
				return a.e.ExecutedAt.After(b.e.ExecutedAt)
			}
			return a.e.ExecutedAt.Before(b.e.ExecutedAt)
		}
		if q.Order == Desc {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []domain.Execution[A]{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]domain.Execution[A], len(matched))
	for i, r := range matched {
		out[i] = r.e
	}
	return out, nil
}

func (m *MemoryRepository[A]) Count(ctx context.Context, f Filters) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filter(f)), nil
}

func (m *MemoryRepository[A]) CreateOne(ctx context.Context, e domain.Execution[A]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[e.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
	}
	m.seq++
	m.recs[e.ID] = &memRecord[A]{seq: m.seq, e: e}
	return nil
}

func (m *MemoryRepository[A]) UpdateOne(ctx context.Context, e domain.Execution[A]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[e.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, e.ID)
	}
	r.e = e
	return nil
}

func (m *MemoryRepository[A]) DeleteOneByID(ctx context.Context, id domain.ExecutionID) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

// filter must be called with the lock held.
func (m *MemoryRepository[A]) filter(f Filters) []memRecord[A] {
	out := make([]memRecord[A], 0, len(m.recs))
	for _, r := range m.recs {
		if f.match(r.e.ExecutedAt, r.e.IsExecuted) {
			out = append(out, *r)
		}
	}
	return out
}
