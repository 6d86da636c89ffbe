package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/proctor-sensor/internal/config"
	"github.com/invisible-tech/proctor-sensor/internal/exam"
	"github.com/invisible-tech/proctor-sensor/internal/server"
	"github.com/invisible-tech/proctor-sensor/internal/store"
	"github.com/invisible-tech/proctor-sensor/internal/version"
	"github.com/invisible-tech/proctor-sensor/pkg/grading"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proctoring API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"version": version.Version,
		"config":  configPath,
	}).Info("Starting proctor service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []exam.Option
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open review store: %w", err)
		}
		defer st.Close()
		opts = append(opts, exam.WithHistory(st))
		log.WithField("path", cfg.StorePath).Info("Review store opened")
	}
	if cfg.Grading.Enabled() {
		client, err := grading.NewClient(grading.Config{
			Endpoint: cfg.Grading.Endpoint,
			APIKey:   cfg.Grading.APIKey,
			Timeout:  cfg.Grading.Timeout,
		}, log)
		if err != nil {
			return fmt.Errorf("create grading client: %w", err)
		}
		opts = append(opts, exam.WithReporter(client))
		go checkGrading(ctx, client, log)
	} else {
		log.Warn("Grading service not configured, submissions are only stored locally")
	}

	mgr := exam.NewManager(cfg, log, opts...)
	go mgr.Run(ctx)

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, config.DefaultProctorConfig(), log, func(next config.ProctorConfig) {
				mgr.SetThresholds(next.Thresholds)
				if lvl, err := logrus.ParseLevel(next.LogLevel); err == nil {
					log.SetLevel(lvl)
				}
			})
			if err != nil {
				log.WithError(err).Error("Config watcher stopped")
			}
		}()
	}

	srv := server.New(cfg, mgr, log)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var failure error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	case failure = <-serveErr:
		log.WithError(failure).Error("Proctor API failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during session shutdown")
	}
	log.Info("Proctor service stopped")
	return failure
}

func checkGrading(ctx context.Context, client *grading.Client, log *logrus.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		log.WithError(err).Warn("Grading service health check failed, will retry on first delivery")
		return
	}
	log.Info("Grading service connection verified")
}
