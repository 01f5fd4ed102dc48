package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ykarpov/readersync/app/api"
	"github.com/ykarpov/readersync/app/cfg"
	"github.com/ykarpov/readersync/app/content"
	"github.com/ykarpov/readersync/app/store"
	"github.com/ykarpov/readersync/app/sync"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown, exit gracefully
		return
	}

	setupLogging(appCfg.Debug)

	slog.Info("Starting ReaderSync", "version", appCfg.Version)

	account, err := cfg.LoadAccount(appCfg.AccountFile)
	if err != nil {
		slog.Error("Failed to load account file", "path", appCfg.AccountFile, "error", err)
		os.Exit(1)
	}

	hub := store.NewHub()
	hub.Start()
	defer hub.Stop()

	st, err := store.Open(appCfg.DBPath, hub)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	artifacts, err := content.NewArtifacts(appCfg.ContentDir)
	if err != nil {
		slog.Error("Failed to initialize content directory", "path", appCfg.ContentDir, "error", err)
		os.Exit(1)
	}
	st.SetArtifactRemover(func(itemID string) {
		if err := artifacts.Remove(itemID); err != nil {
			slog.Warn("Failed to remove content artifacts", "item", itemID, "error", err)
		}
	})

	pipeline := content.NewPipeline(st, hub, artifacts, content.PipelineOptions{
		Workers:    appCfg.PrefetchWorkers,
		BatchSize:  appCfg.ItemBatchSize,
		RatePerSec: appCfg.PrefetchRatePerSec,
		UserAgent:  appCfg.UserAgent,
		Enabled:    appCfg.PrefetchEnabled,
		Network:    appCfg.PrefetchNetwork,
	})

	httpClient := &http.Client{Timeout: 60 * time.Second}
	client := sync.NewClient(httpClient, account.ServiceURL, appCfg.UserAgent, st)

	factory := sync.NewJobFactory(client, st, hub, artifacts, pipeline, account,
		time.Duration(appCfg.TokenTTL)*time.Second,
		time.Duration(appCfg.SubscriptionsTTL)*time.Second,
		appCfg.ItemBatchSize, appCfg.RetentionCount)

	scheduler := sync.NewScheduler(hub, time.Duration(appCfg.SyncInterval)*time.Second, factory.SyncJobs)
	scheduler.Start()
	defer scheduler.Stop()

	// First run against a fresh database needs a login before anything else
	// can talk to the service.
	if token, err := st.GetSetting(store.SettingAuthToken); err == nil && token == "" {
		slog.Info("No stored auth token, scheduling login")
		scheduler.Enqueue(factory.Authenticate())
	}

	handler := api.NewHandler(st, artifacts, scheduler, factory)
	server := api.NewServer(handler, appCfg.APIAccessKey)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Scheduler, store and hub are stopped via defer
	slog.Info("Shutdown complete")
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}
