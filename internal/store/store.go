package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
)

// Repository persists reminders. It is the single source of truth for status.
//
// Update is a compare-and-set: the row is written only if its stored status is
// still expected, otherwise models.ErrStatusConflict is returned. Claims, cancels
// and every lifecycle transition go through it.
type Repository interface {
	Insert(ctx context.Context, rs ...models.Reminder) error
	Get(ctx context.Context, id string) (models.Reminder, error)
	GetByExternalID(ctx context.Context, externalID string) (models.Reminder, error)
	List(ctx context.Context, f Filter) ([]models.Reminder, error)
	Update(ctx context.Context, r models.Reminder, expected models.Status) error
	// Claim moves r into PROCESSING at the given time, only if the stored row still
	// has r's status and updated_at and is due. Any edit since r was read makes it
	// fail with models.ErrStatusConflict.
	Claim(ctx context.Context, r models.Reminder, at time.Time) error

	// Due returns claimable reminders with scheduled_time in [after, before], oldest first.
	Due(ctx context.Context, after, before time.Time, limit int) ([]models.Reminder, error)
	// StuckProcessing returns PROCESSING reminders last touched before cutoff.
	StuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Reminder, error)
	// PurgeTerminal deletes DELIVERED, FAILED and CANCELLED reminders last touched before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)

	Patient(ctx context.Context, id int64) (patients.Patient, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	PatientID int64
	Status    models.Status
	Type      models.ReminderType
	Limit     int
	Offset    int
}

const reminderColumns = `id, patient_id, reminder_type, delivery_method, status, scheduled_time, priority,
	custom_message, metadata, retry_count, max_retries, retry_interval, external_message_id,
	error_message, created_at, updated_at, sent_at, delivered_at`

const patientColumns = `id, first_name, last_name, COALESCE(phone_number, ''), preferred_language, doctor_name, department`

// where builds the WHERE clause for f. placeholder renders the n-th (1-based) bind marker.
func (f Filter) where(placeholder func(int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = %s", col, placeholder(len(args))))
	}
	if f.PatientID != 0 {
		add("patient_id", f.PatientID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Type != "" {
		add("reminder_type", string(f.Type))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func claimableArgs() []any {
	out := make([]any, 0, len(models.ClaimableStatuses))
	for _, s := range models.ClaimableStatuses {
		out = append(out, string(s))
	}
	return out
}

func terminalArgs() []any {
	return []any{string(models.StatusDelivered), string(models.StatusFailed), string(models.StatusCancelled)}
}

func fillStats(byStatus map[models.Status]int64, avg *float64) models.Stats {
	st := models.Stats{ByStatus: map[models.Status]int64{}, AverageDeliveryTime: avg}
	for _, s := range models.Statuses {
		st.ByStatus[s] = byStatus[s]
		st.Total += byStatus[s]
	}
	return st
}
