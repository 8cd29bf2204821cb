package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/telemetry"
)

var errProcessingTimeout = errors.New("dispatch did not complete before the processing timeout")

const expiredReason = "expired"

// Claim moves r into PROCESSING. The row is re-read first, so an edit made after
// r was loaded wins: a reminder rescheduled into the future is not claimed, and
// the returned copy carries the current fields. Only one caller can win the
// claim for a given reminder; losers get ok=false and must not dispatch it.
func (s *Service) Claim(ctx context.Context, r models.Reminder) (models.Reminder, bool, error) {
	current, err := s.store.Get(ctx, r.ID)
	switch {
	case models.IsNotFound(err):
		return r, false, nil
	case err != nil:
		return r, false, fmt.Errorf("claim %s: %w", r.ID, err)
	}
	now := s.clock()
	if !current.Status.PreDispatch() || current.ScheduledTime.After(now) {
		return current, false, nil
	}

	err = s.store.Claim(ctx, current, now)
	switch {
	case err == nil:
		claimed := current
		claimed.Status = models.StatusProcessing
		claimed.UpdatedAt = now
		return claimed, true, nil
	case errors.Is(err, models.ErrStatusConflict), models.IsNotFound(err):
		return current, false, nil
	default:
		return current, false, fmt.Errorf("claim %s: %w", r.ID, err)
	}
}

// Complete records a dispatch outcome for a claimed reminder.
func (s *Service) Complete(ctx context.Context, r models.Reminder, res dispatch.Result) (models.Reminder, error) {
	if res.Success {
		return s.MarkSent(ctx, r, res.ExternalID, res.VoiceExternalID)
	}
	err := res.Err
	if err == nil {
		err = &models.TransientDispatchError{Channel: string(r.DeliveryMethod), Err: errors.New("dispatch failed")}
	}
	return s.RecordFailure(ctx, r, err)
}

// MarkSent moves a PROCESSING reminder to SENT and stores the provider id used to
// correlate status callbacks.
func (s *Service) MarkSent(ctx context.Context, r models.Reminder, externalID, voiceID string) (models.Reminder, error) {
	now := s.clock()
	next := r
	next.Status = models.StatusSent
	next.SentAt = &now
	next.UpdatedAt = now
	next.ErrorMessage = nil
	if externalID != "" {
		next.ExternalMessageID = &externalID
	}
	if voiceID != "" && voiceID != externalID {
		next.Metadata = cloneMetadata(r.Metadata)
		next.Metadata["voice_call_sid"] = voiceID
	}
	if err := s.store.Update(ctx, next, models.StatusProcessing); err != nil {
		return r, fmt.Errorf("mark %s sent: %w", r.ID, err)
	}
	s.publish(ctx, next, r.Status)
	s.log.WithFields(logrus.Fields{logging.ReminderField: r.ID, "external_id": externalID}).Info("reminder sent")
	return next, nil
}

// RecordFailure applies the retry policy to a PROCESSING or SENT reminder.
// Permanent errors fail it at once. Otherwise retry_count is incremented (never
// past max_retries) and the reminder is retried while retry_count < max_retries.
func (s *Service) RecordFailure(ctx context.Context, r models.Reminder, cause error) (models.Reminder, error) {
	now := s.clock()
	msg := cause.Error()
	next := r
	next.ErrorMessage = &msg
	next.UpdatedAt = now

	permanent := models.IsPermanent(cause)
	if !permanent && next.RetryCount < next.MaxRetries {
		next.RetryCount++
	}
	log := s.log.WithFields(logrus.Fields{
		logging.ReminderField: r.ID,
		"retry_count":         next.RetryCount,
		"max_retries":         next.MaxRetries,
		"permanent":           permanent,
	}).WithError(cause)

	if !permanent && next.RetryCount < next.MaxRetries {
		delay := s.retry.DelayFor(next.RetryCount, r.RetryIntervalDuration())
		next.Status = models.StatusRetry
		next.ScheduledTime = now.Add(delay)
		if err := s.store.Update(ctx, next, r.Status); err != nil {
			return r, fmt.Errorf("schedule retry for %s: %w", r.ID, err)
		}
		if err := s.queue.EnqueueRetry(ctx, queue.EntryFor(next), delay); err != nil {
			telemetry.EnqueueFailures.Inc()
			log.WithField("enqueue_error", err.Error()).Warn("retry enqueue failed, left for the store sweep")
		} else {
			telemetry.RemindersEnqueued.WithLabelValues(queue.Retry).Inc()
		}
		telemetry.DispatchRetries.Inc()
		s.publish(ctx, next, r.Status)
		log.WithField("delay", delay.String()).Warn("reminder scheduled for retry")
		return next, nil
	}

	next.Status = models.StatusFailed
	if err := s.store.Update(ctx, next, r.Status); err != nil {
		return r, fmt.Errorf("fail %s: %w", r.ID, err)
	}
	s.park(ctx, next, msg)
	telemetry.DispatchFailures.Inc()
	s.publish(ctx, next, r.Status)
	log.Error("reminder failed")
	return next, nil
}

// DueFromStore returns claimable reminders with scheduled_time in [after, before].
// The scheduler uses it to catch reminders that never reached the queue.
func (s *Service) DueFromStore(ctx context.Context, after, before time.Time, limit int) ([]models.Reminder, error) {
	return s.store.Due(ctx, after, before, limit)
}

// ExpireEntries fails the reminders behind stale queue entries.
func (s *Service) ExpireEntries(ctx context.Context, entries []queue.Entry) (int, error) {
	n := 0
	for _, e := range entries {
		r, err := s.store.Get(ctx, e.ID)
		if models.IsNotFound(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		ok, err := s.expire(ctx, r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ExpireOverdue fails claimable reminders whose scheduled_time is before cutoff.
func (s *Service) ExpireOverdue(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rs, err := s.store.Due(ctx, time.Unix(0, 0).UTC(), cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		ok, err := s.expire(ctx, r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Service) expire(ctx context.Context, r models.Reminder) (bool, error) {
	if !r.Status.PreDispatch() {
		return false, nil
	}
	reason := expiredReason
	next := r
	next.Status = models.StatusFailed
	next.ErrorMessage = &reason
	next.UpdatedAt = s.clock()
	err := s.store.Update(ctx, next, r.Status)
	if errors.Is(err, models.ErrStatusConflict) || models.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", r.ID, err)
	}
	if err := s.queue.Remove(ctx, r.ID); err != nil {
		logging.WithReminder(s.log, r.ID).WithError(err).Debug("remove expired reminder from queue")
	}
	s.park(ctx, next, reason)
	s.publish(ctx, next, r.Status)
	return true, nil
}

// RequeueStuck sends reminders left in PROCESSING since before cutoff (a worker
// died mid-dispatch) through the failure path.
func (s *Service) RequeueStuck(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	rs, err := s.store.StuckProcessing(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		cause := &models.TransientDispatchError{Channel: string(r.DeliveryMethod), Err: errProcessingTimeout}
		_, err := s.RecordFailure(ctx, r, cause)
		if errors.Is(err, models.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// PurgeTerminal deletes terminal reminders last updated before cutoff.
func (s *Service) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.store.PurgeTerminal(ctx, cutoff)
}

func (s *Service) park(ctx context.Context, r models.Reminder, reason string) {
	if err := s.queue.PushFailed(ctx, queue.EntryFor(r), reason); err != nil {
		logging.WithReminder(s.log, r.ID).WithError(err).Warn("park failed reminder")
	}
}
