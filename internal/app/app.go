package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reminder-engine/internal/api"
	"reminder-engine/internal/config"
	"reminder-engine/internal/dispatch"
	"reminder-engine/internal/events"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/patients"
	"reminder-engine/internal/queue"
	"reminder-engine/internal/ratelimit"
	"reminder-engine/internal/reminders"
	"reminder-engine/internal/scheduler"
	"reminder-engine/internal/store"
	"reminder-engine/internal/telephony"
	"reminder-engine/internal/templates"
)

const rateLimitTTL = time.Hour

// App holds the wired components shared by the binaries.
type App struct {
	Config     config.Config
	Log        *logging.Logger
	Store      store.Repository
	Redis      *redis.Client
	Queue      *queue.RedisQueue
	Events     events.Publisher
	Service    *reminders.Service
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	Limiter    *ratelimit.TokenBucket
}

// Build opens the store (running migrations), connects Redis and wires the
// service, dispatcher and scheduler. Redis being down is not fatal: the
// scheduler runs degraded until it comes back.
func Build(ctx context.Context, cfg config.Config, log *logging.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a := &App{Config: cfg, Log: log, Store: st}

	a.Redis = queue.NewRedisClient(cfg.Redis)
	a.Queue = queue.NewRedisQueue(a.Redis)
	if err := a.Queue.Ping(ctx); err != nil {
		log.WithComponent("app").WithError(err).Warn("redis unreachable at startup, running degraded")
	}

	var dir patients.Directory = st
	if cfg.Redis.PatientCacheTTL > 0 {
		dir = patients.NewCachedDirectory(st, a.Redis, cfg.Redis.PatientCacheTTL, log.WithComponent("patients"))
	}

	catalogue, err := templates.Load(templates.Options{
		HospitalName:    cfg.Templates.HospitalName,
		ContactPhone:    cfg.Templates.ContactPhone,
		DefaultLanguage: cfg.Templates.DefaultLanguage,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	scripts, err := newScriptStore(ctx, cfg.Scripts)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Events = newPublisher(cfg.AMQP, log)

	ladder, err := cfg.Scheduler.RetryLadder()
	if err != nil {
		a.Close()
		return nil, err
	}
	retry := reminders.RetryPolicy{Ladder: ladder, Cap: cfg.Scheduler.RetryCap}

	a.Service = reminders.NewService(st, a.Queue, dir, a.Events, retry, cfg.Reminders, log.WithComponent("reminders"))
	a.Dispatcher = dispatch.New(dir, catalogue, newGateway(cfg.Twilio, log), scripts, cfg.Templates.DefaultLanguage, log.WithComponent("dispatch"))
	a.Scheduler = scheduler.New(cfg.Scheduler, a.Service, a.Queue, a.Dispatcher, log.WithComponent("scheduler"))
	if cfg.RateLimit.Capacity > 0 {
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, rateLimitTTL)
	}
	return a, nil
}

// Server returns the HTTP API bound to this app.
func (a *App) Server() *api.Server {
	return api.New(a.Config, a.Service, a.Scheduler, a.Queue, a.Limiter, a.Log.WithComponent("api"))
}

// Close releases every connection. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func newGateway(cfg config.TwilioConfig, log *logging.Logger) telephony.Gateway {
	entry := log.WithComponent("telephony")
	if cfg.DryRun || cfg.AccountSID == "" || cfg.AuthToken == "" {
		if !cfg.DryRun {
			entry.Warn("twilio credentials missing, messages are logged only")
		}
		return telephony.NewLogGateway(entry)
	}
	return telephony.NewTwilioGateway(telephony.TwilioConfig{
		AccountSID:        cfg.AccountSID,
		AuthToken:         cfg.AuthToken,
		FromNumber:        cfg.FromNumber,
		StatusCallbackURL: cfg.StatusCallbackURL,
		Timeout:           cfg.SendTimeout,
	})
}

func newScriptStore(ctx context.Context, cfg config.ScriptsConfig) (telephony.ScriptStore, error) {
	if cfg.S3Bucket == "" {
		return telephony.NewLocalScripts(cfg.Dir, cfg.BaseURL), nil
	}
	s, err := telephony.NewS3Scripts(ctx, telephony.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
		URLExpiry: cfg.URLExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 scripts: %w", err)
	}
	return s, nil
}

// newPublisher connects the lifecycle event publisher. Events are best effort,
// so a broker that cannot be reached disables them instead of failing startup.
func newPublisher(cfg config.AMQPConfig, log *logging.Logger) events.Publisher {
	if cfg.URL == "" {
		return events.Nop{}
	}
	p, err := events.NewAMQPPublisher(cfg.URL, cfg.Exchange)
	if err != nil {
		log.WithComponent("events").WithError(err).Warn("amqp unavailable, lifecycle events disabled")
		return events.Nop{}
	}
	return p
}
