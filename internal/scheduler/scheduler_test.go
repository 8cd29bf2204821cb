package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminder-engine/internal/config"
	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/events"
	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/reminders"
	"reminder-engine/internal/store"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeDispatcher records dispatch order and answers with fn, or success.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, r models.Reminder) dispatch.Result
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, r models.Reminder) dispatch.Result {
	d.mu.Lock()
	d.calls = append(d.calls, r.ID)
	d.mu.Unlock()
	if d.fn != nil {
		return d.fn(ctx, r)
	}
	return dispatch.Result{Success: true, ExternalID: "SM" + r.ID}
}

func (d *fakeDispatcher) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type testEnv struct {
	svc   *reminders.Service
	store *store.SQLite
	queue *queue.RedisQueue
	mr    *miniredis.Miniredis
	clock *fakeClock
	cfg   config.SchedulerConfig
	log   *logrus.Entry
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "reminders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertPatient(ctx, patients.Patient{ID: 1, FirstName: "Amina", LastName: "Bello", Phone: "+237600000001", PreferredLanguage: "fr"}))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{t: base}
	q := queue.NewRedisQueue(client).WithClock(clock.Now)

	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(l)
	rcfg := config.RemindersConfig{DefaultMaxRetries: 3, DefaultRetryInterval: 300}
	svc := reminders.NewService(st, q, st, events.Nop{}, reminders.DefaultRetryPolicy(), rcfg, log).WithClock(clock.Now)

	cfg := config.SchedulerConfig{
		CheckInterval:     time.Minute,
		BatchSize:         50,
		WorkerThreads:     4,
		ItemTimeout:       2 * time.Second,
		CycleTimeout:      10 * time.Second,
		RetryDelays:       "5m,15m,30m",
		RetryCap:          time.Hour,
		MetricsInterval:   time.Minute,
		CleanupInterval:   time.Hour,
		QueueStaleAfter:   24 * time.Hour,
		RetentionWindow:   90 * 24 * time.Hour,
		ReconcileGrace:    5 * time.Minute,
		ProcessingTimeout: 10 * time.Minute,
	}
	return &testEnv{svc: svc, store: st, queue: q, mr: mr, clock: clock, cfg: cfg, log: log}
}

func (e *testEnv) scheduler(d Dispatcher) *Scheduler {
	return New(e.cfg, e.svc, e.queue, d, e.log).WithClock(e.clock.Now)
}

func (e *testEnv) create(t *testing.T, p models.Priority, at time.Time) models.Reminder {
	t.Helper()
	r, err := e.svc.Create(context.Background(), reminders.CreateRequest{
		PatientID:      1,
		Type:           models.TypeMedication,
		DeliveryMethod: models.MethodSMS,
		ScheduledTime:  at,
		Priority:       p,
	})
	require.NoError(t, err)
	return r
}

func (e *testEnv) status(t *testing.T, id string) models.Reminder {
	t.Helper()
	r, err := e.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestCycleDispatchesByPriority(t *testing.T) {
	env := newEnv(t)
	env.cfg.WorkerThreads = 1
	due := base.Add(time.Minute)
	low := env.create(t, models.PriorityLow, due)
	urgent := env.create(t, models.PriorityUrgent, due.Add(30*time.Second))
	normal := env.create(t, models.PriorityNormal, due)
	high := env.create(t, models.PriorityHigh, due)
	env.clock.Advance(2 * time.Minute)

	d := &fakeDispatcher{}
	s := env.scheduler(d)
	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{urgent.ID, high.ID, normal.ID, low.ID}, d.Calls())
	stats := s.Status(context.Background()).Stats
	assert.Equal(t, int64(1), stats.Cycles)
	assert.Equal(t, int64(4), stats.Processed)
	assert.Equal(t, int64(4), stats.Sent)
	assert.Equal(t, 4, report.Picked)
	assert.Equal(t, 4, report.Sent)
	assert.False(t, report.Skipped)
	for _, id := range d.Calls() {
		r := env.status(t, id)
		assert.Equal(t, models.StatusSent, r.Status)
		require.NotNil(t, r.ExternalMessageID)
		assert.Equal(t, "SM"+id, *r.ExternalMessageID)
	}
}

func TestCycleIgnoresReminderNotYetDue(t *testing.T) {
	env := newEnv(t)
	env.create(t, models.PriorityNormal, base.Add(time.Hour))
	env.clock.Advance(time.Minute)

	d := &fakeDispatcher{}
	report, err := env.scheduler(d).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d.Calls())
	assert.Zero(t, report.Picked)
}

func TestCycleSkippedWhileLockHeld(t *testing.T) {
	env := newEnv(t)
	env.create(t, models.PriorityNormal, base.Add(time.Minute))
	env.clock.Advance(2 * time.Minute)

	held, err := env.queue.AcquireLock(context.Background(), LockScheduler, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	d := &fakeDispatcher{}
	s := env.scheduler(d)
	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, d.Calls())
	assert.Equal(t, int64(1), s.Status(context.Background()).Stats.SkippedCycles)
}

func TestConcurrentSchedulersDispatchEachReminderOnce(t *testing.T) {
	env := newEnv(t)
	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, env.create(t, models.PriorityNormal, base.Add(time.Minute)).ID)
	}
	env.clock.Advance(10 * time.Minute)

	d := &fakeDispatcher{fn: func(_ context.Context, r models.Reminder) dispatch.Result {
		time.Sleep(20 * time.Millisecond)
		return dispatch.Result{Success: true, ExternalID: "SM" + r.ID}
	}}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		s := env.scheduler(d)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunCycle(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, id := range d.Calls() {
		counts[id]++
	}
	for _, id := range ids {
		assert.Equal(t, 1, counts[id], "reminder %s", id)
		assert.Equal(t, models.StatusSent, env.status(t, id).Status)
	}
}

func TestItemTimeoutOnlyAffectsThatReminder(t *testing.T) {
	env := newEnv(t)
	env.cfg.ItemTimeout = 100 * time.Millisecond
	stuck := env.create(t, models.PriorityUrgent, base.Add(time.Minute))
	others := []models.Reminder{
		env.create(t, models.PriorityNormal, base.Add(time.Minute)),
		env.create(t, models.PriorityNormal, base.Add(time.Minute)),
	}
	env.clock.Advance(2 * time.Minute)

	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })
	d := &fakeDispatcher{fn: func(_ context.Context, r models.Reminder) dispatch.Result {
		if r.ID == stuck.ID {
			// Ignores ctx on purpose.
			<-unblock
		}
		return dispatch.Result{Success: true, ExternalID: "SM" + r.ID}
	}}

	report, err := env.scheduler(d).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Retried)

	r := env.status(t, stuck.ID)
	assert.Equal(t, models.StatusRetry, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	require.NotNil(t, r.ErrorMessage)
	assert.Contains(t, *r.ErrorMessage, "timed out")
	for _, o := range others {
		assert.Equal(t, models.StatusSent, env.status(t, o.ID).Status)
	}
}

func TestDispatcherPanicBecomesRetry(t *testing.T) {
	env := newEnv(t)
	r := env.create(t, models.PriorityNormal, base.Add(time.Minute))
	env.clock.Advance(2 * time.Minute)

	d := &fakeDispatcher{fn: func(context.Context, models.Reminder) dispatch.Result {
		panic("boom")
	}}
	report, err := env.scheduler(d).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, models.StatusRetry, env.status(t, r.ID).Status)
}

func TestDegradedCyclePollsStore(t *testing.T) {
	env := newEnv(t)
	r := env.create(t, models.PriorityNormal, base.Add(time.Minute))
	require.Equal(t, models.StatusScheduled, r.Status)
	env.mr.Close()
	env.clock.Advance(2 * time.Minute)

	d := &fakeDispatcher{}
	s := env.scheduler(d)
	report, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, models.StatusSent, env.status(t, r.ID).Status)

	st := s.Status(context.Background())
	assert.Equal(t, int64(1), st.Stats.DegradedCycles)
	assert.Nil(t, st.Queues)
}

func TestStoreSweepWaitsForGrace(t *testing.T) {
	env := newEnv(t)
	r := env.create(t, models.PriorityNormal, base.Add(time.Minute))
	// Lose the queue entry, as if the enqueue had been dropped.
	require.NoError(t, env.queue.Remove(context.Background(), r.ID))

	env.clock.Advance(2 * time.Minute)
	d := &fakeDispatcher{}
	s := env.scheduler(d)
	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, d.Calls())

	env.clock.Advance(5 * time.Minute)
	_, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, d.Calls())
}

func TestRetryThenDelivered(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	r := env.create(t, models.PriorityNormal, base.Add(time.Minute))
	env.clock.Advance(2 * time.Minute)

	attempts := 0
	d := &fakeDispatcher{fn: func(context.Context, models.Reminder) dispatch.Result {
		attempts++
		if attempts == 1 {
			return dispatch.Result{Err: &models.TransientDispatchError{Channel: "sms", Err: errors.New("gateway timeout")}}
		}
		return dispatch.Result{Success: true, ExternalID: "SM42"}
	}}
	s := env.scheduler(d)
	s.cfg.WorkerThreads = 1

	report, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	retried := env.status(t, r.ID)
	assert.Equal(t, models.StatusRetry, retried.Status)
	assert.True(t, retried.ScheduledTime.Equal(env.clock.Now().Add(5*time.Minute)), "retry due at %s", retried.ScheduledTime)

	env.clock.Advance(time.Minute)
	report, err = s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Picked)

	env.clock.Advance(5 * time.Minute)
	report, err = s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, models.StatusSent, env.status(t, r.ID).Status)

	delivered, err := env.svc.HandleDeliveryCallback(ctx, "SM42", "delivered", "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, delivered.Status)
	assert.Equal(t, 1, delivered.RetryCount)

	summary, err := env.queue.MetricsSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Counters["reminders_sent"])
	assert.Equal(t, int64(1), summary.Counters["reminders_retried"])
	assert.Equal(t, int64(3), summary.Counters["cycles"])
}

func TestRunCleanup(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	stale := env.create(t, models.PriorityNormal, base.Add(time.Minute))
	later := env.create(t, models.PriorityNormal, base.Add(26*time.Hour))
	env.clock.Advance(26 * time.Hour)
	_, ok, err := env.svc.Claim(ctx, later)
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Advance(time.Hour)
	s := env.scheduler(&fakeDispatcher{})
	report, err := s.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredEntries)
	assert.Equal(t, 0, report.ExpiredOverdue)
	assert.Equal(t, 1, report.Requeued)

	expired := env.status(t, stale.ID)
	assert.Equal(t, models.StatusFailed, expired.Status)
	require.NotNil(t, expired.ErrorMessage)
	assert.Equal(t, "expired", *expired.ErrorMessage)

	requeued := env.status(t, later.ID)
	assert.Equal(t, models.StatusRetry, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)

	parked, err := env.queue.PeekFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, stale.ID, parked[0].ID)
	assert.False(t, s.Status(ctx).Stats.LastCleanupAt.IsZero())
}

func TestRunCleanupSkippedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	held, err := env.queue.AcquireLock(ctx, LockCleanup, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	report, err := env.scheduler(&fakeDispatcher{}).RunCleanup(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestCollectMetrics(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.create(t, models.PriorityNormal, base.Add(time.Hour))
	env.create(t, models.PriorityNormal, base.Add(2*time.Hour))

	require.NoError(t, env.scheduler(&fakeDispatcher{}).CollectMetrics(ctx))
	summary, err := env.queue.MetricsSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), summary.Gauges["queue_scheduled"])
	assert.Equal(t, float64(2), summary.Gauges["reminders_scheduled"])
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newEnv(t)
	env.cfg.CheckInterval = 10 * time.Millisecond
	env.cfg.MetricsInterval = 10 * time.Millisecond
	env.cfg.CleanupInterval = 10 * time.Millisecond
	env.create(t, models.PriorityNormal, base.Add(time.Minute))
	env.clock.Advance(2 * time.Minute)

	d := &fakeDispatcher{}
	s := env.scheduler(d)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Status(context.Background()).Running)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.False(t, s.Status(context.Background()).Running)
}
