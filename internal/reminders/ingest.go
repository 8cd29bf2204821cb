package reminders

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
	"reminder-engine/internal/telemetry"
	"reminder-engine/internal/telephony"
)

const callbackAttempts = 3

// HandleDeliveryCallback applies a provider status callback to the reminder
// whose external_message_id is externalID. Replays are no-ops: a callback only
// changes state when the state machine allows the mapped transition.
func (s *Service) HandleDeliveryCallback(ctx context.Context, externalID, providerStatus, errorCode, errorMessage string) (models.Reminder, error) {
	log := s.log.WithFields(logrus.Fields{"external_id": externalID, "provider_status": providerStatus})

	mapped, err := telephony.MapStatus(providerStatus)
	if err != nil {
		log.Warn("unknown provider status ignored")
		return models.Reminder{}, err
	}
	telemetry.DeliveryCallbacks.WithLabelValues(string(mapped)).Inc()

	for i := 0; i < callbackAttempts; i++ {
		r, err := s.store.GetByExternalID(ctx, externalID)
		if err != nil {
			if models.IsNotFound(err) {
				log.Warn("callback for unknown message")
			}
			return models.Reminder{}, err
		}
		next, err := s.applyCallback(ctx, r, mapped, errorCode, errorMessage)
		if errors.Is(err, models.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return r, err
		}
		if next.Status != r.Status {
			log.WithFields(logrus.Fields{logging.ReminderField: r.ID, "from": r.Status, "to": next.Status}).Info("delivery status applied")
		}
		return next, nil
	}
	return models.Reminder{}, fmt.Errorf("callback for %s: %w", externalID, models.ErrStatusConflict)
}

func (s *Service) applyCallback(ctx context.Context, r models.Reminder, mapped models.Status, errorCode, errorMessage string) (models.Reminder, error) {
	switch mapped {
	case models.StatusDelivered:
		if !models.CanTransition(r.Status, models.StatusDelivered) {
			return r, nil
		}
		now := s.clock()
		next := r
		next.Status = models.StatusDelivered
		next.DeliveredAt = &now
		next.UpdatedAt = now
		next.ErrorMessage = nil
		if err := s.store.Update(ctx, next, r.Status); err != nil {
			return r, err
		}
		if r.Status == models.StatusRetry {
			if err := s.queue.Remove(ctx, r.ID); err != nil {
				logging.WithReminder(s.log, r.ID).WithError(err).Debug("remove delivered reminder from retry queue")
			}
		}
		s.publish(ctx, next, r.Status)
		return next, nil

	case models.StatusFailed:
		if r.Status != models.StatusSent {
			return r, nil
		}
		return s.RecordFailure(ctx, r, callbackError(errorCode, errorMessage))

	default:
		// "sent" confirms what MarkSent already recorded.
		return r, nil
	}
}

// callbackError classifies a provider-reported failure by its error code.
func callbackError(code, message string) error {
	if message == "" {
		message = "provider reported delivery failure"
	}
	err := errors.New(message)
	if code != "" {
		err = fmt.Errorf("%s (code %s)", message, code)
	}
	if n, convErr := strconv.Atoi(code); convErr == nil && telephony.IsPermanentCode(n) {
		return &models.PermanentDispatchError{Channel: "delivery", Err: err}
	}
	return &models.TransientDispatchError{Channel: "delivery", Err: err}
}
