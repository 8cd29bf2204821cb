package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reminder-engine/internal/app"
	"reminder-engine/internal/config"
	"reminder-engine/internal/logging"
	"reminder-engine/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info").WithError(err).Fatal("load config")
	}
	logger := logging.New(cfg.LogLevel)
	log := logger.WithComponent("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("build app")
	}
	defer a.Close()
	telemetry.Register()

	if cfg.Scheduler.Embedded {
		go func() {
			if err := a.Scheduler.Run(ctx); err != nil {
				log.WithError(err).Error("embedded scheduler stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           a.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTP.Port).WithField("embedded_scheduler", cfg.Scheduler.Embedded).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
