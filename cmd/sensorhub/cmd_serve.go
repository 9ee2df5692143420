package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/sensorhub/internal/api"
	"github.com/user/sensorhub/internal/broker"
	"github.com/user/sensorhub/internal/camera"
	"github.com/user/sensorhub/internal/ingest"
	"github.com/user/sensorhub/internal/reconcile"
	"github.com/user/sensorhub/internal/router"
	"github.com/user/sensorhub/internal/scheduler"
	"github.com/user/sensorhub/internal/session"
	"github.com/user/sensorhub/internal/state"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sensorhub daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	sessions := state.NewSessionStore(cfg.DataDir)
	readings := state.NewReadingStore(cfg.DataDir)
	consolidated := state.NewConsolidatedStore(cfg.DataDir)
	subs := state.NewSubscriptionStore(cfg.DataDir)

	// Reconciliation
	rec := reconcile.New(readings, consolidated)

	// Camera collaborator
	var cam camera.Controller = camera.Noop{}
	if cfg.Camera.BaseURL != "" {
		cam = camera.NewHTTP(cfg.Camera.BaseURL, time.Duration(cfg.Camera.TimeoutSeconds)*time.Second)
	}

	// Session lifecycle
	ctrl, err := session.New(ctx, sessions, cam, rec)
	if err != nil {
		return err
	}

	// Broker. No configured URL means offline mode: the API and the
	// reconciler keep working over stored data, nothing is ingested.
	var bc broker.Client
	if cfg.Broker.URL != "" {
		paho := broker.NewPaho(broker.Options{
			URL:      cfg.Broker.URL,
			ClientID: cfg.Broker.ClientID,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			Backoff: broker.Backoff{
				MaxAttempts:  cfg.Broker.MaxReconnectAttempts,
				InitialDelay: time.Second,
				Multiplier:   2.0,
				MaxDelay:     60 * time.Second,
			},
		})
		if err := paho.Connect(ctx); err != nil {
			// The daemon stays up; the reconnect loop owns recovery, and
			// the API keeps serving stored data meanwhile.
			slog.Error("initial broker connect failed", "error", err)
		}
		bc = paho
	} else {
		slog.Warn("no broker url configured, running offline")
	}

	// Ingestion path
	rt := router.New(bc, byte(cfg.Broker.QoS))
	if bc != nil {
		bc.OnReconnect(rt.Resubscribe)
	}

	pipeline := ingest.New(readings, consolidated, ctrl, int64(cfg.MaxConcurrent))
	pipeline.Start(ctx)
	defer pipeline.Stop()

	registry := ingest.NewRegistry(subs, rt, pipeline)
	if err := registry.LoadAll(ctx); err != nil {
		slog.Error("wire stored subscriptions", "error", err)
	}

	// Background reconcile
	sched := scheduler.New(sessions, rec, cfg.Reconcile.Schedule)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start reconcile scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP API
	brokerUp := func() bool { return false }
	if bc != nil {
		brokerUp = bc.Connected
	}
	server := api.NewServer(ctrl, readings, consolidated, registry, subs, rec, pipeline, brokerUp)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: server}
	go func() {
		slog.Info("http api listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "error", err)
		}
	}()

	slog.Info("sensorhub started",
		"data_dir", cfg.DataDir,
		"broker_url", cfg.Broker.URL,
		"max_concurrent", cfg.MaxConcurrent,
		"reconcile_schedule", cfg.Reconcile.Schedule,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	if bc != nil {
		bc.Disconnect()
	}
	pipeline.WaitIdle(10 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
