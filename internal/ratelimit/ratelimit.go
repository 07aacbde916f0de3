// Package ratelimit decides the earliest instant a new execution may be
// admitted under a set of sliding window rules.
//
// Rules are conjunctive. A candidate instant c is admissible for a rule
// {Window, Limit} when fewer than Limit history entries fall in the half open
// window (c-Window, c]. Entries exactly Window before c no longer count, so
// for any Limit+1 consecutive admitted entries the first and last are at
// least Window apart.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrInvalidRule   = errors.New("rule window and limit must be positive")
	ErrNoRules       = errors.New("at least one rule is required")
	ErrNoConvergence = errors.New("rate limit computation did not converge")
	ErrHistoryNil    = errors.New("history cannot be nil")
)

// Rule allows at most Limit executions within any trailing Window.
type Rule struct {
	Window time.Duration `json:"window" yaml:"window"`
	Limit  int           `json:"limit" yaml:"limit"`
}

func (r Rule) Validate() error {
	if r.Window <= 0 || r.Limit <= 0 {
		return fmt.Errorf("%w: window=%s limit=%d", ErrInvalidRule, r.Window, r.Limit)
	}
	return nil
}

func (r Rule) String() string { return fmt.Sprintf("%d/%s", r.Limit, r.Window) }

// History is read-only access to scheduled and executed instants.
type History interface {
	// Latest returns the most recent instant, or false if history is empty.
	Latest(ctx context.Context) (time.Time, bool, error)
	// OldestAfter returns the oldest instant strictly after after.
	OldestAfter(ctx context.Context, after time.Time) (time.Time, bool, error)
	// CountAfter counts the instants strictly after after.
	CountAfter(ctx context.Context, after time.Time) (int, error)
}

// Strategy is an admission policy.
type Strategy interface {
	Next(ctx context.Context, now time.Time, h History) (time.Time, error)
}

// maxPasses bounds the fixed point loop. Every advancing pass moves the
// candidate past at least one history entry, so a well-behaved history
// converges far below this.
const maxPasses = 1 << 20

type TimeWindow struct {
	rules []Rule
}

// NewTimeWindow validates rules and orders them by window.
func NewTimeWindow(rules ...Rule) (*TimeWindow, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Window < sorted[j].Window })
	return &TimeWindow{rules: sorted}, nil
}

func (tw *TimeWindow) Rules() []Rule {
	out := make([]Rule, len(tw.rules))
	copy(out, tw.rules)
	return out
}

// Horizon is the longest window; history older than now-Horizon never
// affects Next except through Latest.
func (tw *TimeWindow) Horizon() time.Duration {
	return tw.rules[len(tw.rules)-1].Window
}

// Next returns the earliest instant not before now and not before the latest
// history entry that satisfies every rule.
func (tw *TimeWindow) Next(ctx context.Context, now time.Time, h History) (time.Time, error) {
	if h == nil {
		return time.Time{}, ErrHistoryNil
	}
	candidate := now
	latest, ok, err := h.Latest(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest execution: %w", err)
	}
	if ok && latest.After(candidate) {
		candidate = latest
	}

	for pass := 0; pass < maxPasses; pass++ {
		advanced := false
		for _, r := range tw.rules {
			next, moved, err := tw.apply(ctx, r, candidate, h)
			if err != nil {
				return time.Time{}, err
			}
			if moved {
				candidate = next
				advanced = true
			}
		}
		if !advanced {
			return candidate, nil
		}
	}
	return time.Time{}, ErrNoConvergence
}

func (tw *TimeWindow) apply(ctx context.Context, r Rule, candidate time.Time, h History) (time.Time, bool, error) {
	start := candidate.Add(-r.Window)
	n, err := h.CountAfter(ctx, start)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("count executions for rule %s: %w", r, err)
	}
	if n < r.Limit {
		return candidate, false, nil
	}
	oldest, ok, err := h.OldestAfter(ctx, start)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest execution for rule %s: %w", r, err)
	}
	if !ok {
		return candidate, false, nil
	}
	next := oldest.Add(r.Window)
	if !next.After(candidate) {
		return candidate, false, nil
	}
	return next, true, nil
}
