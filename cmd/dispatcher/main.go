package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/api"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/dispatch"
	"github.com/ignite/campaign-dispatch/internal/mailing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Main] Config error: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("[Main] DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Main] Database open error: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("[Main] Database ping error: %v", err)
	}
	cancel()
	defer db.Close()
	log.Printf("[Main] Connected to database")

	store := mailing.NewStore(db)
	renderer := mailing.NewTemplateService()

	sesCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sender, err := mailing.NewSESSender(sesCtx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
	cancel()
	if err != nil {
		log.Fatalf("[Main] SES sender error: %v", err)
	}

	writer := dispatch.NewBatchWriter(store, cfg.Dispatch.FlushThreshold, cfg.Dispatch.FlushInterval)
	writer.Start()

	queueCfg := dispatch.QueueConfig{
		WaitSliceCap:           cfg.Dispatch.WaitSliceCap,
		AddTasksCooldown:       cfg.Dispatch.AddTasksCooldown,
		CompletionCooldown:     cfg.Dispatch.CompletionCooldown,
		EnumerateBatchSize:     cfg.Dispatch.EnumerateBatchSize,
		RefreshMultiplier:      cfg.Dispatch.RefreshMultiplier,
		ForceMultiplier:        cfg.Dispatch.ForceMultiplier,
		RestartMultiplier:      cfg.Dispatch.RestartMultiplier,
		HealthCheckMinInterval: cfg.Dispatch.HealthCheckMinInterval,
		HealthCheckMaxInterval: cfg.Dispatch.HealthCheckMaxInterval,
	}
	registry := dispatch.NewRegistry(store, sender, renderer, writer, queueCfg, cfg.Dispatch.LeaseTTL)

	sweeper := dispatch.NewSweeper(store, registry, cfg.Dispatch.SweepInterval, cfg.Dispatch.StaleThreshold)
	initCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := sweeper.Initialize(initCtx); err != nil {
		log.Printf("[Main] Startup recovery error: %v", err)
	}
	cancel()
	sweeper.Start()

	var publisher *dispatch.StatsPublisher
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("[Main] Redis URL error: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		publisher = dispatch.NewStatsPublisher(registry, writer, rdb, cfg.Dispatch.StatsInterval, cfg.Dispatch.StatsTTL)
		publisher.Start()
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      api.NewServer(store, registry, sweeper, writer).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Printf("[Main] Control API listening on %s", cfg.ListenAddr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Main] HTTP server error: %v", err)
		}
	}()

	// Shutdown order matters: stop accepting control requests, stop the
	// background loops, drain the queues without changing campaign statuses
	// (the next process's startup scan re-attaches them), then flush.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[Main] Received %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] HTTP shutdown error: %v", err)
	}

	sweeper.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	registry.Shutdown()
	writer.Stop()

	log.Printf("[Main] Shutdown complete")
}
