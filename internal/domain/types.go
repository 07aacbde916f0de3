package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ExecutionID string

// NewExecutionID returns a fresh process-unique execution id.
func NewExecutionID() ExecutionID { return ExecutionID("exe_" + uuid.NewString()) }

// Execution is one request to run an operation with Args at ExecutedAt.
// Once IsExecuted is true the value is history and must not change.
type Execution[A any] struct {
	ID         ExecutionID
	Args       A
	ExecutedAt time.Time
	IsExecuted bool
}

func NewExecution[A any](id ExecutionID, args A, executedAt time.Time) Execution[A] {
	return Execution[A]{ID: id, Args: args, ExecutedAt: executedAt}
}

// Executed returns a copy of e marked as executed.
func (e Execution[A]) Executed() Execution[A] {
	e.IsExecuted = true
	return e
}

// WithExecutedAt returns a copy of e rescheduled to t. Executed values are
// returned unchanged.
func (e Execution[A]) WithExecutedAt(t time.Time) Execution[A] {
	if e.IsExecuted {
		return e
	}
	e.ExecutedAt = t
	return e
}

// Call is the argument tuple the daemon queues: a handler name and its payload.
type Call struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Schedule enqueues a Call every time CronExpr fires.
type Schedule struct {
	Name     string          `json:"name"`
	CronExpr string          `json:"cron_expr"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Enabled  bool            `json:"enabled"`
	LastRun  *time.Time      `json:"last_run,omitempty"`
	NextRun  time.Time       `json:"next_run"`
}
