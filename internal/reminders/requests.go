package reminders

import (
	"fmt"
	"time"

	"reminder-engine/internal/models"
)

// CreateRequest describes a reminder to schedule. Zero values take configured defaults.
type CreateRequest struct {
	PatientID      int64                 `json:"patient_id"`
	Type           models.ReminderType   `json:"reminder_type"`
	DeliveryMethod models.DeliveryMethod `json:"delivery_method"`
	ScheduledTime  time.Time             `json:"scheduled_time"`
	Priority       models.Priority       `json:"priority"`
	CustomMessage  *string               `json:"custom_message,omitempty"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	MaxRetries     *int                  `json:"max_retries,omitempty"`
	RetryInterval  *int                  `json:"retry_interval,omitempty"`
}

// BatchRequest creates the same reminder for several patients.
type BatchRequest struct {
	CreateRequest
	PatientIDs []int64 `json:"patient_ids"`
}

// ImmediateRequest sends a reminder now (DelaySeconds 0) or after a short delay.
type ImmediateRequest struct {
	PatientID      int64                 `json:"patient_id"`
	Type           models.ReminderType   `json:"reminder_type"`
	DeliveryMethod models.DeliveryMethod `json:"delivery_method"`
	Priority       models.Priority       `json:"priority"`
	CustomMessage  *string               `json:"custom_message,omitempty"`
	Metadata       map[string]any        `json:"metadata,omitempty"`
	DelaySeconds   int                   `json:"delay_seconds"`
}

// Patch changes a reminder that has not been dispatched yet. Nil fields are kept.
// Metadata keys are merged into the existing map; an empty CustomMessage clears it.
type Patch struct {
	ScheduledTime  *time.Time             `json:"scheduled_time,omitempty"`
	DeliveryMethod *models.DeliveryMethod `json:"delivery_method,omitempty"`
	Priority       *models.Priority       `json:"priority,omitempty"`
	CustomMessage  *string                `json:"custom_message,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	MaxRetries     *int                   `json:"max_retries,omitempty"`
	RetryInterval  *int                   `json:"retry_interval,omitempty"`
}

// ListRequest filters and pages List.
type ListRequest struct {
	PatientID int64
	Status    models.Status
	Type      models.ReminderType
	Limit     int
	Offset    int
}

const (
	maxRetriesLimit  = 10
	minRetryInterval = 60
	maxImmediateWait = 3600
)

func validateFields(r models.Reminder) error {
	if r.PatientID <= 0 {
		return models.NewValidationError("patient_id", "must be positive")
	}
	if !r.Type.Valid() {
		return models.NewValidationError("reminder_type", fmt.Sprintf("unknown type %q", r.Type))
	}
	if !r.DeliveryMethod.Valid() {
		return models.NewValidationError("delivery_method", fmt.Sprintf("unknown method %q", r.DeliveryMethod))
	}
	if !r.Priority.Valid() {
		return models.NewValidationError("priority", fmt.Sprintf("unknown priority %q", r.Priority))
	}
	if r.MaxRetries < 0 || r.MaxRetries > maxRetriesLimit {
		return models.NewValidationError("max_retries", fmt.Sprintf("must be between 0 and %d", maxRetriesLimit))
	}
	if r.RetryCount > r.MaxRetries {
		return models.NewValidationError("max_retries", fmt.Sprintf("must be at least the current retry count %d", r.RetryCount))
	}
	if r.RetryInterval < minRetryInterval {
		return models.NewValidationError("retry_interval", fmt.Sprintf("must be at least %d seconds", minRetryInterval))
	}
	return nil
}

func validateFuture(t, now time.Time) error {
	if t.IsZero() {
		return models.NewValidationError("scheduled_time", "is required")
	}
	if !t.After(now) {
		return models.NewValidationError("scheduled_time", "must be in the future")
	}
	return nil
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
