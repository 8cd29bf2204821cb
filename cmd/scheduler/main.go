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
	log := logger.WithComponent("scheduler")

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

	metricsServer := &http.Server{
		Addr:              cfg.HTTP.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	host, _ := os.Hostname()
	log.WithField("host", host).WithField("metrics_addr", cfg.HTTP.MetricsAddr).Info("scheduler starting")
	if err := a.Scheduler.Run(ctx); err != nil {
		log.WithError(err).Error("scheduler stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
