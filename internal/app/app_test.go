package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminder-engine/internal/config"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
	"reminder-engine/internal/reminders"
	"reminder-engine/internal/store"
)

func testConfig(t *testing.T, redisAddr string) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		LogLevel: "panic",
		Redis:    config.RedisConfig{Addr: redisAddr, PatientCacheTTL: time.Minute},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "reminders.db")},
		Scheduler: config.SchedulerConfig{
			CheckInterval:     time.Minute,
			BatchSize:         10,
			WorkerThreads:     2,
			ItemTimeout:       5 * time.Second,
			RetryDelays:       "5m,15m,30m",
			RetryCap:          time.Hour,
			QueueStaleAfter:   24 * time.Hour,
			ReconcileGrace:    time.Minute,
			ProcessingTimeout: 10 * time.Minute,
		},
		Reminders: config.RemindersConfig{DefaultMaxRetries: 3, DefaultRetryInterval: 300},
		Twilio:    config.TwilioConfig{DryRun: true},
		Scripts:   config.ScriptsConfig{Dir: filepath.Join(dir, "scripts"), BaseURL: "http://localhost:8080"},
		RateLimit: config.RateLimitConfig{Capacity: 10, RefillPerSecond: 1},
		Templates: config.TemplatesConfig{HospitalName: "Hôpital Général", ContactPhone: "+237 000", DefaultLanguage: "fr"},
	}
}

func build(t *testing.T) (*App, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	a, err := Build(context.Background(), testConfig(t, mr.Addr()), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	sqlite, ok := a.Store.(*store.SQLite)
	require.True(t, ok)
	require.NoError(t, sqlite.UpsertPatient(context.Background(), patients.Patient{
		ID: 7, FirstName: "Amina", LastName: "Bello", Phone: "+237600000007", PreferredLanguage: "fr",
	}))
	return a, mr
}

func TestBuildDispatchesThroughLogGateway(t *testing.T) {
	ctx := context.Background()
	a, _ := build(t)

	sms, err := a.Service.SendImmediate(ctx, reminders.ImmediateRequest{PatientID: 7, Type: models.TypeMedication, DeliveryMethod: models.MethodSMS})
	require.NoError(t, err)
	voice, err := a.Service.SendImmediate(ctx, reminders.ImmediateRequest{PatientID: 7, Type: models.TypeAppointment, DeliveryMethod: models.MethodVoice})
	require.NoError(t, err)

	report, err := a.Scheduler.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	got, err := a.Service.Get(ctx, sms.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	require.NotNil(t, got.ExternalMessageID)
	assert.True(t, strings.HasPrefix(*got.ExternalMessageID, "SM"))

	got, err = a.Service.Get(ctx, voice.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	require.NotNil(t, got.ExternalMessageID)
	assert.True(t, strings.HasPrefix(*got.ExternalMessageID, "CA"))

	script, err := os.ReadFile(filepath.Join(a.Config.Scripts.Dir, voice.ID+"-0.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "<Say")
}

func TestServerHealth(t *testing.T) {
	a, _ := build(t)
	srv := httptest.NewServer(a.Server().Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestBuildToleratesRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	cfg := testConfig(t, mr.Addr())
	mr.Close()

	a, err := Build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Scheduler)
}

func TestBuildRejectsBadDriver(t *testing.T) {
	cfg := testConfig(t, "localhost:0")
	cfg.Database.Driver = "oracle"
	_, err := Build(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}
