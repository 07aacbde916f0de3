package queue

import (
	"context"
	"errors"
	"time"

	"ratequeue/internal/domain"
)

var (
	ErrDuplicateID = errors.New("execution id already exists")
	ErrNotFound    = errors.New("execution not found")
)

// TimeFilter matches ExecutedAt either exactly or within an inclusive range.
// A zero From or Until leaves that side open.
type TimeFilter struct {
	Exact *time.Time
	From  time.Time
	Until time.Time
}

func At(t time.Time) *TimeFilter { return &TimeFilter{Exact: &t} }

func Between(from, until time.Time) *TimeFilter { return &TimeFilter{From: from, Until: until} }

func Since(from time.Time) *TimeFilter { return &TimeFilter{From: from} }

func (f *TimeFilter) Match(t time.Time) bool {
	if f == nil {
		return true
	}
	if f.Exact != nil {
		return t.Equal(*f.Exact)
	}
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.Until.IsZero() && t.After(f.Until) {
		return false
	}
	return true
}

type Filters struct {
	ExecutedAt *TimeFilter
	IsExecuted *bool
}

func Pending() Filters  { f := false; return Filters{IsExecuted: &f} }
func Executed() Filters { t := true; return Filters{IsExecuted: &t} }

func (f Filters) match(at time.Time, executed bool) bool {
	if f.IsExecuted != nil && *f.IsExecuted != executed {
		return false
	}
	return f.ExecutedAt.Match(at)
}

type Order int

const (
	Asc Order = iota
	Desc
)

// Query selects executions. Ties on ExecutedAt are broken by insertion
// order in the same direction as Order.
type Query struct {
	Filters Filters
	Order   Order
	Offset  int
	Limit   int // 0 means unlimited
}

// Repository persists executions. Implementations serialize concurrent
// writes to the same record.
type Repository[A any] interface {
	GetOneByID(ctx context.Context, id domain.ExecutionID) (domain.Execution[A], error)
	GetMany(ctx context.Context, q Query) ([]domain.Execution[A], error)
	Count(ctx context.Context, f Filters) (int, error)
	// CreateOne fails with ErrDuplicateID if the id is taken.
	CreateOne(ctx context.Context, e domain.Execution[A]) error
	// UpdateOne replaces the record with the same id, ErrNotFound if absent.
	UpdateOne(ctx context.Context, e domain.Execution[A]) error
	// DeleteOneByID is a no-op for unknown ids.
	DeleteOneByID(ctx context.Context, id domain.ExecutionID) error
}
