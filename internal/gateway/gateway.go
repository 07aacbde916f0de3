// Package gateway releases queued executions to a remote client no faster
// than a rate limiting strategy allows.
//
// Enqueue assigns every execution the earliest instant the strategy admits
// and persists it. A single loop goroutine then walks the backlog in
// ExecutedAt order, keeping at most one execution reserved: it waits for the
// reserved execution's instant, performs the remote call, marks it executed
// and moves on to the next one.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"ratequeue/internal/domain"
	"ratequeue/internal/eventbus"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
	"ratequeue/internal/timer"
)

// Client performs the remote call for an execution.
type Client[A, R any] interface {
	Request(ctx context.Context, args A) (R, error)
}

type ClientFunc[A, R any] func(ctx context.Context, args A) (R, error)

func (f ClientFunc[A, R]) Request(ctx context.Context, args A) (R, error) { return f(ctx, args) }

type EventKind string

const (
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"
)

// Event is published once per fired execution.
type Event[A, R any] struct {
	Kind     EventKind
	ID       domain.ExecutionID
	Args     A
	Returned R
	Err      error
	At       time.Time
}

type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Canceled  uint64 `json:"canceled"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type Option func(*options)

type options struct {
	clock       clockwork.Clock
	reset       time.Duration
	log         zerolog.Logger
	newID       func() domain.ExecutionID
	retryDelay  time.Duration
	breaker     BreakerConfig
	eventBuffer int
}

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithResetInterval bounds every single timer the gateway arms.
func WithResetInterval(d time.Duration) Option { return func(o *options) { o.reset = d } }

func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = l } }

func WithIDGenerator(fn func() domain.ExecutionID) Option {
	return func(o *options) { o.newID = fn }
}

// WithRetryDelay sets how long the loop waits before reconciling again
// after a repository failure.
func WithRetryDelay(d time.Duration) Option { return func(o *options) { o.retryDelay = d } }

func WithBreaker(c BreakerConfig) Option { return func(o *options) { o.breaker = c } }

// WithEventBuffer sets the buffer used by Subscribe when none is given.
func WithEventBuffer(n int) Option { return func(o *options) { o.eventBuffer = n } }

type completion[A, R any] struct {
	exe      domain.Execution[A]
	res      *reservation
	returned R
	err      error
}

type Gateway[A, R any] struct {
	repo     queue.Repository[A]
	strategy ratelimit.Strategy
	client   Client[A, R]
	clock    clockwork.Clock
	timer    *timer.Timer
	log      zerolog.Logger
	newID    func() domain.ExecutionID
	retry    time.Duration
	buffer   int
	bus      *eventbus.Bus[Event[A, R]]

	cmds        chan func()
	completions chan completion[A, R]
	wake        chan struct{}

	// owned by the loop goroutine
	res     *reservation
	dirty   bool
	breaker *breaker

	mu    sync.Mutex
	state State

	started   atomic.Bool
	running   atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	fires     sync.WaitGroup

	enqueued, canceled, completed, failed atomic.Uint64
}

func New[A, R any](repo queue.Repository[A], strategy ratelimit.Strategy, client Client[A, R], opts ...Option) (*Gateway[A, R], error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if strategy == nil {
		return nil, ErrStrategyNil
	}
	if client == nil {
		return nil, ErrClientNil
	}
	o := options{
		log:         zerolog.Nop(),
		newID:       domain.NewExecutionID,
		retryDelay:  time.Second,
		eventBuffer: 64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.retryDelay <= 0 {
		o.retryDelay = time.Second
	}

	return &Gateway[A, R]{
		repo:        repo,
		strategy:    strategy,
		client:      client,
		clock:       o.clock,
		timer:       timer.New(o.clock, timer.WithResetInterval(o.reset)),
		log:         o.log,
		newID:       o.newID,
		retry:       o.retryDelay,
		buffer:      o.eventBuffer,
		bus:         eventbus.New[Event[A, R]](),
		cmds:        make(chan func()),
		completions: make(chan completion[A, R]),
		wake:        make(chan struct{}, 1),
		breaker:     newBreaker(o.breaker),
		state:       State{Status: Idle},
		done:        make(chan struct{}),
	}, nil
}

// Start revalidates the persisted backlog against the current strategy and
// launches the loop. ctx bounds the loop's lifetime; Close ends it early.
func (g *Gateway[A, R]) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	moved, err := g.revalidate(ctx)
	if err != nil {
		g.started.Store(false)
		return fmt.Errorf("revalidate backlog: %w", err)
	}
	g.log.Info().Int("rescheduled", moved).Msg("gateway started")

	g.ctx, g.cancel = context.WithCancel(ctx)
	g.dirty = true
	g.running.Store(true)
	go g.run(g.ctx)
	return nil
}

// Close stops the loop, cancels the reservation and waits for fire
// goroutines to return. It is safe to call more than once.
func (g *Gateway[A, R]) Close() error {
	if !g.running.Load() {
		return nil
	}
	g.closeOnce.Do(func() {
		g.cancel()
		<-g.done
		g.fires.Wait()
		g.log.Info().Msg("gateway stopped")
	})
	return nil
}

// Enqueue schedules args at the earliest admissible instant and returns the
// stored execution. It does not wait for the execution to fire.
func (g *Gateway[A, R]) Enqueue(ctx context.Context, args A) (domain.Execution[A], error) {
	var (
		exe domain.Execution[A]
		err error
	)
	if derr := g.do(ctx, func(ctx context.Context) { exe, err = g.enqueue(ctx, args) }); derr != nil {
		return domain.Execution[A]{}, derr
	}
	return exe, err
}

// Cancel removes a pending execution and aborts it if it is the reserved
// one. Executed and unknown ids are left alone, as is a reserved execution
// whose remote call has already started.
func (g *Gateway[A, R]) Cancel(ctx context.Context, id domain.ExecutionID) error {
	var err error
	if derr := g.do(ctx, func(ctx context.Context) { err = g.cancelExecution(ctx, id) }); derr != nil {
		return derr
	}
	return err
}

// Subscribe returns a channel of fired execution events and a function that
// releases it.
func (g *Gateway[A, R]) Subscribe(buffer int) (<-chan Event[A, R], func()) {
	if buffer <= 0 {
		buffer = g.buffer
	}
	return g.bus.Subscribe(buffer)
}

func (g *Gateway[A, R]) Stats() Stats {
	return Stats{
		Enqueued:  g.enqueued.Load(),
		Canceled:  g.canceled.Load(),
		Completed: g.completed.Load(),
		Failed:    g.failed.Load(),
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (g *Gateway[A, R]) do(ctx context.Context, fn func(context.Context)) error {
	if !g.running.Load() {
		return ErrNotStarted
	}
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn(ctx)
	}
	select {
	case g.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrClosed
	}
	<-finished
	return nil
}
