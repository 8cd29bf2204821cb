//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"reminder-engine/internal/models"
)

func TestPostgresRepository(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "reminders",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/reminders?sslmode=disable", host, port.Port())

	// The port opens before the server accepts queries on first boot.
	var s *Postgres
	require.Eventually(t, func() bool {
		var err error
		if s, err = NewPostgres(ctx, dsn); err != nil {
			return false
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return false
		}
		return true
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	r := newReminder(1, models.StatusScheduled, now)
	require.NoError(t, s.Insert(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Amoxicilline", got.Metadata["medication_name"])
	assert.True(t, r.ScheduledTime.Equal(got.ScheduledTime))

	future := newReminder(1, models.StatusScheduled, now.Add(time.Hour))
	require.NoError(t, s.Insert(ctx, future))
	err = s.Claim(ctx, future, now)
	assert.True(t, errors.Is(err, models.ErrStatusConflict), "not due: %v", err)

	require.NoError(t, s.Claim(ctx, got, now.Add(time.Minute)))
	err = s.Claim(ctx, got, now.Add(time.Minute))
	assert.True(t, errors.Is(err, models.ErrStatusConflict))

	claimed, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	err = s.Update(ctx, claimed, models.StatusScheduled)
	assert.True(t, errors.Is(err, models.ErrStatusConflict))

	due, err := s.Due(ctx, now.Add(-time.Hour), now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, future.ID, due[0].ID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ByStatus[models.StatusProcessing])
	assert.Nil(t, st.AverageDeliveryTime)
}
