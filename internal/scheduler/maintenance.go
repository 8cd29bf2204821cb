package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"reminder-engine/internal/models"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/telemetry"
)

// Stats accumulates cycle outcomes for this process.
type Stats struct {
	Cycles            int64     `json:"cycles"`
	SkippedCycles     int64     `json:"skipped_cycles"`
	DegradedCycles    int64     `json:"degraded_cycles"`
	Processed         int64     `json:"processed"`
	Sent              int64     `json:"sent"`
	Retried           int64     `json:"retried"`
	Failed            int64     `json:"failed"`
	LastCycleAt       time.Time `json:"last_cycle_at,omitempty"`
	LastCycleDuration string    `json:"last_cycle_duration,omitempty"`
	LastCleanupAt     time.Time `json:"last_cleanup_at,omitempty"`
}

// Status is what the admin endpoints report about the scheduler.
type Status struct {
	Running bool             `json:"running"`
	Stats   Stats            `json:"stats"`
	Config  StatusConfig     `json:"config"`
	Lock    *queue.LockInfo  `json:"lock,omitempty"`
	Queues  map[string]int64 `json:"queues,omitempty"`
}

type StatusConfig struct {
	CheckInterval   string `json:"check_interval"`
	BatchSize       int    `json:"batch_size"`
	WorkerThreads   int    `json:"worker_threads"`
	ItemTimeout     string `json:"item_timeout"`
	RetryDelays     string `json:"retry_delays"`
	RetryCap        string `json:"retry_cap"`
	CleanupInterval string `json:"cleanup_interval"`
}

func (s *Scheduler) record(r CycleReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Skipped {
		s.stats.SkippedCycles++
		return
	}
	s.stats.Cycles++
	if r.Degraded {
		s.stats.DegradedCycles++
	}
	s.stats.Processed += int64(r.Claimed)
	s.stats.Sent += int64(r.Sent)
	s.stats.Retried += int64(r.Retried)
	s.stats.Failed += int64(r.Failed)
	s.stats.LastCycleAt = s.now().UTC()
	s.stats.LastCycleDuration = r.Duration.String()
}

// Status reports whether Run is active, cycle counters, configuration, the
// current scheduler lock holder and queue sizes. Queue details are omitted when
// the backend is down.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{Running: s.running.Load(), Stats: s.stats}
	s.mu.Unlock()

	st.Config = StatusConfig{
		CheckInterval:   s.cfg.CheckInterval.String(),
		BatchSize:       s.cfg.BatchSize,
		WorkerThreads:   s.cfg.WorkerThreads,
		ItemTimeout:     s.cfg.ItemTimeout.String(),
		RetryDelays:     s.cfg.RetryDelays,
		RetryCap:        s.cfg.RetryCap.String(),
		CleanupInterval: s.cfg.CleanupInterval.String(),
	}
	if info, err := s.queue.LockInfo(ctx, LockScheduler); err == nil {
		st.Lock = info
	}
	if sizes, err := s.queue.Sizes(ctx); err == nil {
		st.Queues = sizes
	}
	return st
}

// CollectMetrics snapshots queue sizes and store counts into Prometheus and the
// Redis gauges, under the metrics lock.
func (s *Scheduler) CollectMetrics(ctx context.Context) error {
	lock, err := s.queue.AcquireLock(ctx, LockMetrics, s.cfg.LockTTL())
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	defer s.release(lock)

	sizes, err := s.queue.Sizes(ctx)
	if err != nil {
		return err
	}
	for name, n := range sizes {
		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(n))
		if err := s.queue.SetGauge(ctx, "queue_"+name, float64(n)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	own := s.stats
	s.mu.Unlock()
	for name, v := range map[string]int64{
		"scheduler_cycles":  own.Cycles,
		"scheduler_skipped": own.SkippedCycles,
		"scheduler_sent":    own.Sent,
		"scheduler_retried": own.Retried,
		"scheduler_failed":  own.Failed,
	} {
		if err := s.queue.SetGauge(ctx, name, float64(v)); err != nil {
			return err
		}
	}

	stats, err := s.svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reminder stats: %w", err)
	}
	for status, n := range stats.ByStatus {
		if err := s.queue.SetGauge(ctx, "reminders_"+string(status), float64(n)); err != nil {
			return err
		}
	}
	return s.queue.SetGauge(ctx, "delivery_rate", stats.DeliveryRate)
}

// CleanupReport summarises one cleanup pass.
type CleanupReport struct {
	Skipped        bool  `json:"skipped"`
	ExpiredEntries int   `json:"expired_entries"`
	ExpiredOverdue int   `json:"expired_overdue"`
	Requeued       int   `json:"requeued"`
	Purged         int64 `json:"purged"`
}

// RunCleanup expires queue entries and reminders older than queue_stale_after,
// sends reminders stuck in PROCESSING back through the failure path, and prunes
// terminal reminders past the retention window. It runs under the cleanup lock,
// or without it when the queue backend is down.
func (s *Scheduler) RunCleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	degraded := false
	lock, err := s.queue.AcquireLock(ctx, LockCleanup, s.cfg.LockTTL())
	switch {
	case errors.Is(err, models.ErrBackendUnavailable):
		degraded = true
	case err != nil:
		return report, err
	case lock == nil:
		report.Skipped = true
		return report, nil
	default:
		defer s.release(lock)
	}

	now := s.now().UTC()
	staleCutoff := now.Add(-s.cfg.QueueStaleAfter)

	if !degraded {
		entries, err := s.queue.CleanupStale(ctx, staleCutoff)
		if err != nil {
			s.log.WithError(err).Warn("cleanup stale queue entries")
		}
		if report.ExpiredEntries, err = s.svc.ExpireEntries(ctx, entries); err != nil {
			return report, fmt.Errorf("expire queue entries: %w", err)
		}
	}
	if report.ExpiredOverdue, err = s.svc.ExpireOverdue(ctx, staleCutoff, cleanupLimit); err != nil {
		return report, fmt.Errorf("expire overdue reminders: %w", err)
	}
	if s.cfg.ProcessingTimeout > 0 {
		if report.Requeued, err = s.svc.RequeueStuck(ctx, now.Add(-s.cfg.ProcessingTimeout), cleanupLimit); err != nil {
			return report, fmt.Errorf("requeue stuck reminders: %w", err)
		}
	}
	if s.cfg.RetentionWindow > 0 {
		if report.Purged, err = s.svc.PurgeTerminal(ctx, now.Add(-s.cfg.RetentionWindow)); err != nil {
			return report, fmt.Errorf("purge terminal reminders: %w", err)
		}
	}

	telemetry.CleanupProcessed.WithLabelValues("expired").Add(float64(report.ExpiredEntries + report.ExpiredOverdue))
	telemetry.CleanupProcessed.WithLabelValues("requeued").Add(float64(report.Requeued))
	telemetry.CleanupProcessed.WithLabelValues("purged").Add(float64(report.Purged))

	s.mu.Lock()
	s.stats.LastCleanupAt = now
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"expired_entries": report.ExpiredEntries,
		"expired_overdue": report.ExpiredOverdue,
		"requeued":        report.Requeued,
		"purged":          report.Purged,
		"degraded":        degraded,
	}).Info("cleanup finished")
	return report, nil
}
