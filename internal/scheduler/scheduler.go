package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"reminder-engine/internal/config"
	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/reminders"
	"reminder-engine/internal/telemetry"
)

// Named locks, one per loop.
const (
	LockScheduler = "scheduler"
	LockMetrics   = "metrics"
	LockCleanup   = "cleanup"
)

const (
	cleanupLimit   = 1000
	releaseTimeout = 5 * time.Second
	recordTimeout  = 10 * time.Second
)

// Dispatcher sends one claimed reminder.
type Dispatcher interface {
	Dispatch(ctx context.Context, r models.Reminder) dispatch.Result
}

// Scheduler drains due reminders and runs the metrics and cleanup loops.
// Several instances may run side by side; each loop is serialised across them
// by its own Redis lock.
type Scheduler struct {
	cfg        config.SchedulerConfig
	svc        *reminders.Service
	queue      *queue.RedisQueue
	dispatcher Dispatcher
	log        *logrus.Entry
	now        func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	stats   Stats
}

func New(cfg config.SchedulerConfig, svc *reminders.Service, q *queue.RedisQueue, d Dispatcher, log *logrus.Entry) *Scheduler {
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scheduler{cfg: cfg, svc: svc, queue: q, dispatcher: d, log: log, now: time.Now}
}

// WithClock overrides the wall clock. Tests only.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run starts the schedule, metrics and cleanup loops and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	s.log.WithFields(logrus.Fields{
		"check_interval": s.cfg.CheckInterval.String(),
		"batch_size":     s.cfg.BatchSize,
		"worker_threads": s.cfg.WorkerThreads,
	}).Info("scheduler started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(ctx, s.cfg.CheckInterval, func(ctx context.Context) {
			if _, err := s.RunCycle(ctx); err != nil {
				s.log.WithError(err).Error("scheduler cycle")
			}
		})
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.MetricsInterval, func(ctx context.Context) {
			if err := s.CollectMetrics(ctx); err != nil {
				s.log.WithError(err).Warn("metrics snapshot")
			}
		})
	})
	g.Go(func() error {
		return s.loop(ctx, s.cfg.CleanupInterval, func(ctx context.Context) {
			if _, err := s.RunCleanup(ctx); err != nil {
				s.log.WithError(err).Error("cleanup")
			}
		})
	})

	err := g.Wait()
	s.log.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context)) error {
	if every <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	fn(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// CycleReport summarises one scheduling cycle.
type CycleReport struct {
	Skipped  bool          `json:"skipped"`
	Degraded bool          `json:"degraded"`
	Picked   int           `json:"picked"`
	Claimed  int           `json:"claimed"`
	Sent     int           `json:"sent"`
	Retried  int           `json:"retried"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// RunCycle takes the scheduler lock, collects due reminders from the queues and
// the store, and dispatches them through the worker pool. Lock contention skips
// the cycle. With the queue backend down the cycle runs without a lock, polling
// the store only.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	var report CycleReport
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	lock, err := s.queue.AcquireLock(ctx, LockScheduler, s.cfg.LockTTL())
	switch {
	case errors.Is(err, models.ErrBackendUnavailable):
		report.Degraded = true
		s.log.WithError(err).Warn("queue backend unavailable, polling the store")
	case err != nil:
		return report, err
	case lock == nil:
		report.Skipped = true
		telemetry.CyclesTotal.WithLabelValues("skipped").Inc()
		s.record(report)
		return report, nil
	default:
		defer s.release(lock)
	}

	batch, degraded := s.collect(ctx, report.Degraded)
	report.Degraded = degraded
	report.Picked = len(batch)
	if degraded {
		telemetry.DegradedGauge.Set(1)
	} else {
		telemetry.DegradedGauge.Set(0)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.WorkerThreads)
	for _, r := range batch {
		r := r
		g.Go(func() error {
			outcome := s.process(ctx, r)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case models.StatusSent:
				report.Claimed++
				report.Sent++
			case models.StatusRetry:
				report.Claimed++
				report.Retried++
			case models.StatusFailed:
				report.Claimed++
				report.Failed++
			case models.StatusProcessing:
				report.Claimed++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	outcome := "ok"
	if report.Degraded {
		outcome = "degraded"
	}
	telemetry.CyclesTotal.WithLabelValues(outcome).Inc()
	telemetry.CycleDuration.Observe(report.Duration.Seconds())
	s.record(report)
	if !report.Degraded {
		s.recordRedis(ctx, report)
	}

	if report.Picked > 0 {
		s.log.WithFields(logrus.Fields{
			"picked":      report.Picked,
			"sent":        report.Sent,
			"retried":     report.Retried,
			"failed":      report.Failed,
			"degraded":    report.Degraded,
			"duration_ms": report.Duration.Milliseconds(),
		}).Info("cycle finished")
	}
	return report, nil
}

// collect pops due entries from the queues and adds the store sweep. It reports
// whether the queue backend turned out to be unavailable.
func (s *Scheduler) collect(ctx context.Context, degraded bool) ([]models.Reminder, bool) {
	now := s.now().UTC()
	seen := make(map[string]bool)
	var batch []models.Reminder
	add := func(r models.Reminder) {
		if seen[r.ID] {
			return
		}
		seen[r.ID] = true
		batch = append(batch, r)
	}

	if !degraded {
		var entries []queue.Entry
		for _, name := range []string{queue.Scheduled, queue.Retry} {
			popped, err := s.queue.PopDue(ctx, name, now, s.cfg.BatchSize)
			if err != nil {
				s.log.WithError(err).WithField("queue", name).Warn("pop due")
				degraded = errors.Is(err, models.ErrBackendUnavailable)
				break
			}
			entries = append(entries, popped...)
		}
		if !degraded {
			popped, err := s.queue.PopImmediate(ctx, s.cfg.BatchSize)
			if err != nil {
				s.log.WithError(err).Warn("pop immediate")
				degraded = errors.Is(err, models.ErrBackendUnavailable)
			}
			entries = append(entries, popped...)
		}
		for _, e := range entries {
			if e.DecodeErr != nil {
				logging.WithReminder(s.log, e.ID).WithError(e.DecodeErr).Warn("corrupt queue entry, loading reminder from the store")
			}
			r, err := s.svc.Get(ctx, e.ID)
			if err != nil {
				if !models.IsNotFound(err) {
					logging.WithReminder(s.log, e.ID).WithError(err).Warn("load queued reminder")
				}
				continue
			}
			add(r)
		}
	}

	grace := s.cfg.ReconcileGrace
	if degraded {
		grace = 0
	}
	after := now.Add(-s.cfg.QueueStaleAfter)
	swept, err := s.svc.DueFromStore(ctx, after, now.Add(-grace), s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("store sweep")
	}
	for _, r := range swept {
		add(r)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		pi, pj := batch[i].Priority.Rank(), batch[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return batch[i].ScheduledTime.Before(batch[j].ScheduledTime)
	})
	return batch, degraded
}

// process claims and dispatches one reminder and records the outcome. It returns
// the resulting status, or "" when the reminder was not claimed.
func (s *Scheduler) process(ctx context.Context, r models.Reminder) models.Status {
	log := logging.WithReminder(s.log, r.ID)
	claimed, ok, err := s.svc.Claim(ctx, r)
	if err != nil {
		log.WithError(err).Warn("claim")
		return ""
	}
	if !ok {
		return ""
	}

	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	res := s.send(itemCtx, claimed)
	cancel()

	// Record the outcome even when the cycle deadline has passed.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()
	final, err := s.svc.Complete(recordCtx, claimed, res)
	if err != nil {
		// Left in PROCESSING; the cleanup loop requeues it after processing_timeout.
		log.WithError(err).Error("record dispatch outcome")
		return models.StatusProcessing
	}
	return final.Status
}

// send bounds a single dispatch by ctx even if the dispatcher ignores it,
// and turns a panic into a transient failure.
func (s *Scheduler) send(ctx context.Context, r models.Reminder) dispatch.Result {
	done := make(chan dispatch.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- dispatch.Result{Err: &models.TransientDispatchError{Channel: string(r.DeliveryMethod), Err: fmt.Errorf("dispatch panic: %v", p)}}
			}
		}()
		done <- s.dispatcher.Dispatch(ctx, r)
	}()
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return dispatch.Result{Err: &models.TransientDispatchError{Channel: string(r.DeliveryMethod), Err: fmt.Errorf("dispatch timed out: %w", ctx.Err())}}
	}
}

func (s *Scheduler) release(lock *queue.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	released, err := s.queue.ReleaseLock(ctx, lock)
	if err != nil {
		s.log.WithError(err).WithField("lock", lock.Name).Warn("release lock")
		return
	}
	if !released {
		s.log.WithField("lock", lock.Name).Warn("lock expired before release")
	}
}

func (s *Scheduler) recordRedis(ctx context.Context, r CycleReport) {
	ctx = context.WithoutCancel(ctx)
	for name, n := range map[string]int{
		"cycles":            1,
		"reminders_sent":    r.Sent,
		"reminders_retried": r.Retried,
		"reminders_failed":  r.Failed,
	} {
		if n == 0 {
			continue
		}
		if err := s.queue.IncrCounter(ctx, name, int64(n)); err != nil {
			s.log.WithError(err).Debug("redis counter")
			return
		}
	}
	if err := s.queue.RecordTimer(ctx, "cycle", r.Duration); err != nil {
		s.log.WithError(err).Debug("redis timer")
	}
}
