package patients

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Patient(ctx context.Context, id int64) (Patient, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Patient), args.Error(1)
}

func TestCachedDirectoryReadsThrough(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	next := new(mockDirectory)
	amina := Patient{ID: 7, FirstName: "Amina", LastName: "Bello", Phone: "+237670000007", PreferredLanguage: "fr"}
	next.On("Patient", mock.Anything, int64(7)).Return(amina, nil).Once()

	dir := NewCachedDirectory(next, client, time.Minute, logging.Discard().WithComponent("patients"))

	got, err := dir.Patient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, amina, got)

	got, err = dir.Patient(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Amina Bello", got.FullName())
	next.AssertExpectations(t)
	assert.True(t, mr.Exists("patient:7"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("patient:7"))
}

func TestCachedDirectoryDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	next := new(mockDirectory)
	next.On("Patient", mock.Anything, int64(9)).Return(Patient{}, models.NewNotFound("patient", "9")).Twice()

	dir := NewCachedDirectory(next, client, time.Minute, logging.Discard().WithComponent("patients"))
	for i := 0; i < 2; i++ {
		_, err := dir.Patient(ctx, 9)
		assert.True(t, models.IsNotFound(err))
	}
	next.AssertExpectations(t)
}

func TestCachedDirectorySurvivesRedisOutage(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	next := new(mockDirectory)
	next.On("Patient", mock.Anything, int64(3)).Return(Patient{ID: 3, Phone: "+15550003"}, nil)

	dir := NewCachedDirectory(next, client, time.Minute, logging.Discard().WithComponent("patients"))
	got, err := dir.Patient(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "+15550003", got.Phone)
	assert.Equal(t, "en", got.Language("en"))
}
