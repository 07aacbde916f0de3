package gateway_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"ratequeue/internal/domain"
	"ratequeue/internal/gateway"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var errBoom = errors.New("boom")

// recorder is a remote client that records the clock at every call.
type recorder struct {
	clock clockwork.Clock
	delay time.Duration
	// gate, when set, holds every call until it is closed.
	gate chan struct{}

	mu       sync.Mutex
	calls    map[int][]time.Time
	failures map[int]int

	inflight atomic.Int32
	peak     atomic.Int32
}

func newRecorder(c clockwork.Clock) *recorder {
	return &recorder{clock: c, calls: map[int][]time.Time{}, failures: map[int]int{}}
}

func (r *recorder) Request(ctx context.Context, n int) (string, error) {
	cur := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if cur <= p || r.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[n] = append(r.calls[n], r.clock.Now())
	if r.failures[n] > 0 {
		r.failures[n]--
		return "", errBoom
	}
	return fmt.Sprintf("ok-%d", n), nil
}

func (r *recorder) failNext(n, times int) {
	r.mu.Lock()
	r.failures[n] = times
	r.mu.Unlock()
}

func (r *recorder) callsFor(n int) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls[n]...)
}

func (r *recorder) all() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Time
	for _, ts := range r.calls {
		out = append(out, ts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func mustRules(t *testing.T, rules ...ratelimit.Rule) *ratelimit.TimeWindow {
	t.Helper()
	tw, err := ratelimit.NewTimeWindow(rules...)
	require.NoError(t, err)
	return tw
}

func startGateway(t *testing.T, fc *clockwork.FakeClock, repo queue.Repository[int], client gateway.Client[int, string], strategy ratelimit.Strategy, opts ...gateway.Option) *gateway.Gateway[int, string] {
	t.Helper()
	opts = append([]gateway.Option{gateway.WithClock(fc)}, opts...)
	g, err := gateway.New[int, string](repo, strategy, client, opts...)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func blockUntil(t *testing.T, fc *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, n))
}

// drive advances the fake clock one millisecond at a time, whenever the
// gateway is waiting on a timer, until done reports true.
func drive(t *testing.T, fc *clockwork.FakeClock, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "gateway did not finish in time")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := fc.BlockUntilContext(ctx, 1)
		cancel()
		if err == nil {
			fc.Advance(time.Millisecond)
		}
	}
}

func waitReserved(t *testing.T, g *gateway.Gateway[int, string], id domain.ExecutionID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return g.State() == gateway.State{Status: gateway.Reserved, ID: id}
	}, 2*time.Second, time.Millisecond)
}

func assertWithinRules(t *testing.T, times []time.Time, rules []ratelimit.Rule) {
	t.Helper()
	for _, r := range rules {
		for _, c := range times {
			n := 0
			for _, x := range times {
				if x.After(c.Add(-r.Window)) && !x.After(c) {
					n++
				}
			}
			assert.LessOrEqual(t, n, r.Limit, "rule %s violated at %s", r, c)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	repo := queue.NewMemoryRepository[int]()
	tw := mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1})
	client := gateway.ClientFunc[int, string](func(context.Context, int) (string, error) { return "", nil })

	_, err := gateway.New[int, string](nil, tw, client)
	assert.ErrorIs(t, err, gateway.ErrRepositoryNil)
	_, err = gateway.New[int, string](repo, nil, client)
	assert.ErrorIs(t, err, gateway.ErrStrategyNil)
	_, err = gateway.New[int, string](repo, tw, nil)
	assert.ErrorIs(t, err, gateway.ErrClientNil)

	g, err := gateway.New[int, string](repo, tw, client, gateway.WithClock(clockwork.NewFakeClockAt(epoch)))
	require.NoError(t, err)
	assert.Equal(t, gateway.State{Status: gateway.Idle}, g.State())

	_, err = g.Enqueue(context.Background(), 1)
	assert.ErrorIs(t, err, gateway.ErrNotStarted)
	assert.ErrorIs(t, g.Cancel(context.Background(), "x"), gateway.ErrNotStarted)

	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), gateway.ErrAlreadyStarted)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err = g.Enqueue(context.Background(), 1)
	assert.ErrorIs(t, err, gateway.ErrClosed)
}

func TestEndToEndHundredExecutions(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := newRecorder(fc)
	repo := queue.NewMemoryRepository[int]()
	rules := []ratelimit.Rule{
		{Window: 5 * time.Second, Limit: 10},
		{Window: 10 * time.Second, Limit: 15},
		{Window: 20 * time.Second, Limit: 20},
	}
	g := startGateway(t, fc, repo, rec, mustRules(t, rules...))
	events, unsub := g.Subscribe(128)
	defer unsub()

	ctx := context.Background()
	assigned := make([]time.Time, 100)
	for i := range assigned {
		exe, err := g.Enqueue(ctx, i)
		require.NoError(t, err)
		assigned[i] = exe.ExecutedAt
		if i > 0 {
			assert.False(t, assigned[i].Before(assigned[i-1]), "execution %d scheduled before its predecessor", i)
		}
	}
	assertWithinRules(t, assigned, rules)

	drive(t, fc, func() bool { return g.Stats().Completed == 100 })

	for i, at := range assigned {
		calls := rec.callsFor(i)
		require.Len(t, calls, 1, "execution %d", i)
		assert.WithinDuration(t, at, calls[0], time.Millisecond, "execution %d", i)
	}
	assertWithinRules(t, rec.all(), rules)

	executed, err := repo.Count(ctx, queue.Executed())
	require.NoError(t, err)
	assert.Equal(t, 100, executed)
	pending, err := repo.Count(ctx, queue.Pending())
	require.NoError(t, err)
	assert.Zero(t, pending)

	for i := 0; i < 100; i++ {
		ev := <-events
		assert.Equal(t, gateway.EventComplete, ev.Kind)
		assert.Equal(t, fmt.Sprintf("ok-%d", ev.Args), ev.Returned)
	}
	assert.Equal(t, gateway.State{Status: gateway.Idle}, g.State())
}

func TestSingleReservation(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := newRecorder(fc)
	rec.delay = 2 * time.Millisecond
	g := startGateway(t, fc, queue.NewMemoryRepository[int](), rec,
		mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1000}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := g.Enqueue(context.Background(), n)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return g.Stats().Completed == 20 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), rec.peak.Load())
}

func TestConcurrentEnqueueRespectsRules(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rules := []ratelimit.Rule{{Window: time.Second, Limit: 5}, {Window: 3 * time.Second, Limit: 8}}
	g := startGateway(t, fc, queue.NewMemoryRepository[int](), newRecorder(fc), mustRules(t, rules...))

	var (
		mu       sync.Mutex
		assigned []time.Time
		wg       sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			exe, err := g.Enqueue(context.Background(), n)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assigned = append(assigned, exe.ExecutedAt)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, assigned, 40)
	assertWithinRules(t, assigned, rules)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("reserved execution", func(t *testing.T) {
		t.Parallel()

		fc := clockwork.NewFakeClockAt(epoch)
		rec := newRecorder(fc)
		repo := queue.NewMemoryRepository[int]()
		g := startGateway(t, fc, repo, rec, mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1}))
		ctx := context.Background()

		_, err := g.Enqueue(ctx, 0)
		require.NoError(t, err)
		b, err := g.Enqueue(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, epoch.Add(time.Second), b.ExecutedAt)

		waitReserved(t, g, b.ID)
		blockUntil(t, fc, 1)

		require.NoError(t, g.Cancel(ctx, b.ID))
		assert.Equal(t, gateway.State{Status: gateway.Idle}, g.State())
		blockUntil(t, fc, 0)
		_, err = repo.GetOneByID(ctx, b.ID)
		assert.ErrorIs(t, err, queue.ErrNotFound)

		fc.Advance(2 * time.Second)
		assert.Never(t, func() bool { return len(rec.callsFor(1)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
		assert.Equal(t, uint64(1), g.Stats().Canceled)
	})

	t.Run("pending execution behind the reserved one", func(t *testing.T) {
		t.Parallel()

		fc := clockwork.NewFakeClockAt(epoch)
		rec := newRecorder(fc)
		repo := queue.NewMemoryRepository[int]()
		g := startGateway(t, fc, repo, rec, mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1}))
		ctx := context.Background()

		var exes []domain.Execution[int]
		for i := 0; i < 3; i++ {
			exe, err := g.Enqueue(ctx, i)
			require.NoError(t, err)
			exes = append(exes, exe)
		}
		waitReserved(t, g, exes[1].ID)

		require.NoError(t, g.Cancel(ctx, exes[2].ID))
		assert.Equal(t, gateway.State{Status: gateway.Reserved, ID: exes[1].ID}, g.State())

		drive(t, fc, func() bool { return g.Stats().Completed == 2 })
		assert.Len(t, rec.callsFor(1), 1)
		assert.Empty(t, rec.callsFor(2))
	})

	t.Run("execution already in flight", func(t *testing.T) {
		t.Parallel()

		fc := clockwork.NewFakeClockAt(epoch)
		rec := newRecorder(fc)
		rec.gate = make(chan struct{})
		repo := queue.NewMemoryRepository[int]()
		g := startGateway(t, fc, repo, rec, mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1}))
		ctx := context.Background()

		a, err := g.Enqueue(ctx, 0)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return rec.inflight.Load() == 1 }, 2*time.Second, time.Millisecond)

		require.NoError(t, g.Cancel(ctx, a.ID))
		assert.Equal(t, gateway.State{Status: gateway.Reserved, ID: a.ID}, g.State())

		b, err := g.Enqueue(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, epoch.Add(time.Second), b.ExecutedAt, "the in-flight call still counts against the window")

		close(rec.gate)
		require.Eventually(t, func() bool { return g.Stats().Completed == 1 }, 2*time.Second, time.Millisecond)

		got, err := repo.GetOneByID(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.IsExecuted)
		assert.Zero(t, g.Stats().Canceled)
		assert.Equal(t, int32(1), rec.peak.Load())

		waitReserved(t, g, b.ID)
		drive(t, fc, func() bool { return g.Stats().Completed == 2 })
		assert.Len(t, rec.callsFor(0), 1)
	})

	t.Run("executed and unknown ids are left alone", func(t *testing.T) {
		t.Parallel()

		fc := clockwork.NewFakeClockAt(epoch)
		repo := &countingRepo{MemoryRepository: queue.NewMemoryRepository[int]()}
		g := startGateway(t, fc, repo, newRecorder(fc), mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1}))
		ctx := context.Background()

		exe, err := g.Enqueue(ctx, 0)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return g.Stats().Completed == 1 }, 2*time.Second, time.Millisecond)

		for i := 0; i < 2; i++ {
			require.NoError(t, g.Cancel(ctx, exe.ID))
		}
		require.NoError(t, g.Cancel(ctx, "exe_unknown"))

		got, err := repo.GetOneByID(ctx, exe.ID)
		require.NoError(t, err)
		assert.True(t, got.IsExecuted)
		assert.Zero(t, repo.deletes.Load())
		assert.Zero(t, g.Stats().Canceled)
	})
}

type countingRepo struct {
	*queue.MemoryRepository[int]
	deletes atomic.Int32
}

func (r *countingRepo) DeleteOneByID(ctx context.Context, id domain.ExecutionID) error {
	r.deletes.Add(1)
	return r.MemoryRepository.DeleteOneByID(ctx, id)
}

type flakyRepo struct {
	*queue.MemoryRepository[int]
	updateFailures atomic.Int32
}

func (r *flakyRepo) UpdateOne(ctx context.Context, e domain.Execution[int]) error {
	if r.updateFailures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return r.MemoryRepository.UpdateOne(ctx, e)
}

func openSQLite(t *testing.T) *queue.SQLiteRepository[int] {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.Migrate(context.Background(), db, zerolog.Nop()))
	return queue.NewSQLiteRepository[int](db)
}

func TestStartRevalidatesBacklog(t *testing.T) {
	t.Parallel()

	repos := map[string]func(t *testing.T) queue.Repository[int]{
		"memory": func(t *testing.T) queue.Repository[int] { return queue.NewMemoryRepository[int]() },
		"sqlite": func(t *testing.T) queue.Repository[int] { return openSQLite(t) },
	}
	for name, open := range repos {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			repo := open(t)
			seed := []domain.Execution[int]{
				domain.NewExecution[int]("done", 0, epoch.Add(-500*time.Millisecond)).Executed(),
				domain.NewExecution[int]("p1", 1, epoch.Add(-10*time.Second)),
				domain.NewExecution[int]("p2", 2, epoch),
				domain.NewExecution[int]("p3", 3, epoch),
			}
			for _, e := range seed {
				require.NoError(t, repo.CreateOne(ctx, e))
			}

			fc := clockwork.NewFakeClockAt(epoch)
			rec := newRecorder(fc)
			g := startGateway(t, fc, repo, rec, mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1}))

			want := map[domain.ExecutionID]time.Time{
				"p1": epoch.Add(500 * time.Millisecond),
				"p2": epoch.Add(1500 * time.Millisecond),
				"p3": epoch.Add(2500 * time.Millisecond),
			}
			for id, at := range want {
				got, err := repo.GetOneByID(ctx, id)
				require.NoError(t, err)
				assert.True(t, at.Equal(got.ExecutedAt), "%s: want %s got %s", id, at, got.ExecutedAt)
				assert.False(t, got.IsExecuted)
			}

			drive(t, fc, func() bool { return g.Stats().Completed == 3 })
			for n, id := range []domain.ExecutionID{"p1", "p2", "p3"} {
				calls := rec.callsFor(n + 1)
				require.Len(t, calls, 1)
				assert.WithinDuration(t, want[id], calls[0], time.Millisecond)
			}
		})
	}
}

func TestRemoteFailure(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := newRecorder(fc)
	rec.failNext(0, 1)
	repo := queue.NewMemoryRepository[int]()
	g := startGateway(t, fc, repo, rec,
		mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 100}),
		gateway.WithBreaker(gateway.BreakerConfig{Trip: 1, BaseDelay: 10 * time.Second}))
	events, unsub := g.Subscribe(0)
	defer unsub()
	ctx := context.Background()

	first, err := g.Enqueue(ctx, 0)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, gateway.EventFailed, ev.Kind)
	assert.Equal(t, first.ID, ev.ID)
	assert.ErrorIs(t, ev.Err, gateway.ErrRemoteCall)
	assert.ErrorIs(t, ev.Err, errBoom)

	got, err := repo.GetOneByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.IsExecuted, "a failed call still consumes its slot")

	second, err := g.Enqueue(ctx, 1)
	require.NoError(t, err)
	waitReserved(t, g, second.ID)

	for i := 0; i < 9; i++ {
		blockUntil(t, fc, 1)
		fc.Advance(time.Second)
	}
	blockUntil(t, fc, 1)
	assert.Empty(t, rec.callsFor(1), "breaker should hold the next call")
	fc.Advance(time.Second)

	ev = <-events
	assert.Equal(t, gateway.EventComplete, ev.Kind)
	assert.Equal(t, second.ID, ev.ID)
	assert.Equal(t, "ok-1", ev.Returned)
	calls := rec.callsFor(1)
	require.Len(t, calls, 1)
	assert.True(t, epoch.Add(10*time.Second).Equal(calls[0]), "fired at %s", calls[0])

	stats := g.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestRepositoryFailureRetries(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := newRecorder(fc)
	repo := &flakyRepo{MemoryRepository: queue.NewMemoryRepository[int]()}
	repo.updateFailures.Store(1)
	g := startGateway(t, fc, repo, rec,
		mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 10}),
		gateway.WithRetryDelay(5*time.Second))
	ctx := context.Background()

	exe, err := g.Enqueue(ctx, 0)
	require.NoError(t, err)

	// The retry is the only waiter once the failed update has been handled.
	blockUntil(t, fc, 1)
	assert.Len(t, rec.callsFor(0), 1)
	assert.Equal(t, gateway.State{Status: gateway.Idle}, g.State())
	fc.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return g.Stats().Completed == 1 }, 2*time.Second, time.Millisecond)
	assert.Len(t, rec.callsFor(0), 2)
	got, err := repo.GetOneByID(ctx, exe.ID)
	require.NoError(t, err)
	assert.True(t, got.IsExecuted)
}

func TestCloseReleasesReservation(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClockAt(epoch)
	rec := newRecorder(fc)
	repo := queue.NewMemoryRepository[int]()
	g, err := gateway.New[int, string](repo, mustRules(t, ratelimit.Rule{Window: time.Second, Limit: 1}), rec,
		gateway.WithClock(fc))
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	ctx := context.Background()

	_, err = g.Enqueue(ctx, 0)
	require.NoError(t, err)
	b, err := g.Enqueue(ctx, 1)
	require.NoError(t, err)
	waitReserved(t, g, b.ID)
	blockUntil(t, fc, 1)

	require.NoError(t, g.Close())
	assert.Equal(t, gateway.State{Status: gateway.Idle}, g.State())
	blockUntil(t, fc, 0)

	got, err := repo.GetOneByID(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsExecuted, "closing must leave the backlog pending")
	assert.Empty(t, rec.callsFor(1))
}
