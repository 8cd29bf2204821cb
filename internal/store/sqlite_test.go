package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "reminders.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func newReminder(patientID int64, status models.Status, at time.Time) models.Reminder {
	return models.Reminder{
		ID:             uuid.NewString(),
		PatientID:      patientID,
		Type:           models.TypeMedication,
		DeliveryMethod: models.MethodSMS,
		Status:         status,
		ScheduledTime:  at,
		Priority:       models.PriorityNormal,
		Metadata:       map[string]any{"medication_name": "Amoxicilline"},
		MaxRetries:     3,
		RetryInterval:  300,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	msg := "Prenez votre traitement"
	r := newReminder(11, models.StatusScheduled, now.Add(time.Hour))
	r.CustomMessage = &msg
	require.NoError(t, s.Insert(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, int64(11), got.PatientID)
	assert.Equal(t, models.StatusScheduled, got.Status)
	assert.True(t, r.ScheduledTime.Equal(got.ScheduledTime))
	require.NotNil(t, got.CustomMessage)
	assert.Equal(t, msg, *got.CustomMessage)
	assert.Equal(t, "Amoxicilline", got.Metadata["medication_name"])
	assert.Nil(t, got.SentAt)

	_, err = s.Get(ctx, "missing")
	assert.True(t, models.IsNotFound(err))
}

func TestSQLiteUpdateIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	r := newReminder(1, models.StatusScheduled, now)
	require.NoError(t, s.Insert(ctx, r))

	claimed := r
	claimed.Status = models.StatusProcessing
	require.NoError(t, s.Update(ctx, claimed, models.StatusScheduled))

	cancel := r
	cancel.Status = models.StatusCancelled
	err := s.Update(ctx, cancel, models.StatusScheduled)
	assert.True(t, errors.Is(err, models.ErrStatusConflict), "got %v", err)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	ghost := newReminder(1, models.StatusScheduled, now)
	err = s.Update(ctx, ghost, models.StatusScheduled)
	assert.True(t, models.IsNotFound(err))
}

func TestSQLiteClaimChecksVersionAndDueTime(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	r := newReminder(1, models.StatusScheduled, now)
	require.NoError(t, s.Insert(ctx, r))

	edited := r
	edited.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.Update(ctx, edited, models.StatusScheduled))
	err := s.Claim(ctx, r, now.Add(time.Minute))
	assert.True(t, errors.Is(err, models.ErrStatusConflict), "stale version: %v", err)

	future := newReminder(1, models.StatusScheduled, now.Add(time.Hour))
	require.NoError(t, s.Insert(ctx, future))
	err = s.Claim(ctx, future, now)
	assert.True(t, errors.Is(err, models.ErrStatusConflict), "not due: %v", err)

	require.NoError(t, s.Claim(ctx, edited, now.Add(time.Minute)))
	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.True(t, got.UpdatedAt.Equal(now.Add(time.Minute)))

	err = s.Claim(ctx, edited, now.Add(2*time.Minute))
	assert.True(t, errors.Is(err, models.ErrStatusConflict))
	assert.True(t, models.IsNotFound(s.Claim(ctx, newReminder(1, models.StatusScheduled, now), now)))
}

func TestSQLiteListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	var rs []models.Reminder
	for i := 0; i < 5; i++ {
		rs = append(rs, newReminder(1, models.StatusScheduled, now.Add(time.Duration(i)*time.Hour)))
	}
	other := newReminder(2, models.StatusFailed, now)
	rs = append(rs, other)
	require.NoError(t, s.Insert(ctx, rs...))

	page, err := s.List(ctx, Filter{PatientID: 1, Limit: 2, Offset: 0})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].ScheduledTime.After(page[1].ScheduledTime), "newest first")

	page, err = s.List(ctx, Filter{PatientID: 1, Limit: 10, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	failed, err := s.List(ctx, Filter{Status: models.StatusFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, other.ID, failed[0].ID)

	byType, err := s.List(ctx, Filter{Type: models.TypeAppointment, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, byType)
}

func TestSQLiteDueAndStuck(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	due := newReminder(1, models.StatusPending, now.Add(-10*time.Minute))
	retry := newReminder(1, models.StatusRetry, now.Add(-time.Minute))
	future := newReminder(1, models.StatusScheduled, now.Add(time.Minute))
	ancient := newReminder(1, models.StatusScheduled, now.Add(-48*time.Hour))
	sent := newReminder(1, models.StatusSent, now.Add(-time.Minute))
	stuck := newReminder(1, models.StatusProcessing, now.Add(-time.Hour))
	stuck.UpdatedAt = now.Add(-time.Hour)
	require.NoError(t, s.Insert(ctx, due, retry, future, ancient, sent, stuck))

	got, err := s.Due(ctx, now.Add(-24*time.Hour), now, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, due.ID, got[0].ID)
	assert.Equal(t, retry.ID, got[1].ID)

	stale, err := s.StuckProcessing(ctx, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)
}

func TestSQLiteExternalIDStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	sid := "SM0123456789abcdef"
	sentAt := now.Add(-2 * time.Minute)
	deliveredAt := now
	delivered := newReminder(1, models.StatusDelivered, now.Add(-time.Hour))
	delivered.ExternalMessageID = &sid
	delivered.SentAt = &sentAt
	delivered.DeliveredAt = &deliveredAt
	old := newReminder(1, models.StatusCancelled, now.Add(-100*24*time.Hour))
	old.UpdatedAt = now.Add(-100 * 24 * time.Hour)
	pending := newReminder(1, models.StatusPending, now.Add(time.Hour))
	require.NoError(t, s.Insert(ctx, delivered, old, pending))

	got, err := s.GetByExternalID(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, delivered.ID, got.ID)

	_, err = s.GetByExternalID(ctx, "SMunknown")
	assert.True(t, models.IsNotFound(err))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(1), st.ByStatus[models.StatusDelivered])
	require.NotNil(t, st.AverageDeliveryTime)
	assert.InDelta(t, 120.0, *st.AverageDeliveryTime, 0.01)

	n, err := s.PurgeTerminal(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Get(ctx, old.ID)
	assert.True(t, models.IsNotFound(err))
}

func TestSQLitePatients(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.UpsertPatient(ctx, patients.Patient{
		ID: 5, FirstName: "Jean", LastName: "Mbarga", Phone: "+237699000005", PreferredLanguage: "FR",
		DoctorName: "Dr Ngo", Department: "Cardiologie",
	}))
	p, err := s.Patient(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Jean Mbarga", p.FullName())
	assert.Equal(t, "fr", p.PreferredLanguage)
	assert.Equal(t, "Cardiologie", p.Department)

	_, err = s.Patient(ctx, 404)
	assert.True(t, models.IsNotFound(err))
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}
