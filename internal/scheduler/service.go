package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"ratequeue/internal/domain"
)

// Enqueuer accepts calls for rate limited execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, call domain.Call) (domain.Execution[domain.Call], error)
}

type entry struct {
	schedule domain.Schedule
	cron     cron.Schedule
}

type Service struct {
	queue    Enqueuer
	clock    clockwork.Clock
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	entries []*entry
}

// NewService parses every schedule up front and computes its first run from
// the clock. A nil clock uses the real one.
func NewService(queue Enqueuer, schedules []domain.Schedule, clock clockwork.Clock, checkInterval time.Duration) (*Service, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	now := clock.Now()
	entries := make([]*entry, 0, len(schedules))
	for _, sc := range schedules {
		parsed, err := parseCron(sc.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		if sc.Type == "" {
			return nil, fmt.Errorf("schedule %q: type is required", sc.Name)
		}
		sc.NextRun = parsed.Next(now)
		entries = append(entries, &entry{schedule: sc, cron: parsed})
	}
	return &Service{
		queue:    queue,
		clock:    clock,
		interval: checkInterval,
		stop:     make(chan struct{}),
		entries:  entries,
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Int("schedules", len(s.entries)).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.Chan():
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Schedules returns a snapshot of the configured schedules with their run
// times.
func (s *Service) Schedules() []domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Schedule, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.schedule
	}
	return out
}

// processDueSchedules enqueues every enabled schedule whose next run is not
// after now. The lock is not held while enqueueing so Schedules stays
// responsive when the queue is slow.
func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.schedule.Enabled && !e.schedule.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.processSchedule(ctx, e, now); err != nil {
			log.Error().Err(err).Str("schedule_name", e.schedule.Name).Msg("failed to process schedule")
		}
	}
}

// processSchedule is only called from the Start goroutine, which is the sole
// writer of entries, so reading e.schedule without the lock is safe.
func (s *Service) processSchedule(ctx context.Context, e *entry, now time.Time) error {
	exe, err := s.queue.Enqueue(ctx, domain.Call{Type: e.schedule.Type, Payload: e.schedule.Payload})
	if err != nil {
		return fmt.Errorf("enqueue scheduled call: %w", err)
	}

	// A missed run is not replayed, the next run is always after now.
	last := now
	s.mu.Lock()
	e.schedule.LastRun = &last
	e.schedule.NextRun = e.cron.Next(now)
	next := e.schedule.NextRun
	s.mu.Unlock()

	log.Info().
		Str("schedule_name", e.schedule.Name).
		Str("execution_id", string(exe.ID)).
		Time("executed_at", exe.ExecutedAt).
		Time("next_run", next).
		Msg("scheduled call enqueued")

	return nil
}

func parseCron(expr string) (cron.Schedule, error) {
	parsed, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return parsed, nil
}

// ValidateCronExpression reports whether expr is a standard five field cron
// expression.
func ValidateCronExpression(expr string) error {
	_, err := parseCron(expr)
	return err
}
