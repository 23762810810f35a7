// Package main is the job queue core's HTTP server entry point.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/jobqueue-core/infrastructure/logging"
	"github.com/r3e-network/jobqueue-core/infrastructure/middleware"
	"github.com/r3e-network/jobqueue-core/internal/cache"
	"github.com/r3e-network/jobqueue-core/internal/cron"
	"github.com/r3e-network/jobqueue-core/internal/httpapi"
	"github.com/r3e-network/jobqueue-core/internal/jobqueue"
	"github.com/r3e-network/jobqueue-core/internal/store"
	"github.com/r3e-network/jobqueue-core/internal/store/memory"
	"github.com/r3e-network/jobqueue-core/internal/store/postgres"
	"github.com/r3e-network/jobqueue-core/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewFromEnv("jobqueue-core")

	signer, err := buildSigner(cfg)
	if err != nil {
		log.Fatalf("build signer: %v", err)
	}

	backend, closeBackend, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("build store: %v", err)
	}
	defer closeBackend()

	engineCfg := jobqueue.EngineConfig{
		LeaseMillis:          cfg.Queue.LeaseMillis,
		StaleHeartbeatMillis: cfg.Queue.StaleHeartbeatMillis,
		TicketTTLSeconds:     cfg.Queue.TicketTTLSeconds,
		NonceTTLSeconds:      cfg.Queue.NonceTTLSeconds,
		MaxAttempts:          cfg.Queue.MaxAttempts,
		BackoffBaseMillis:    cfg.Queue.BackoffBaseMillis,
		BackoffCapMillis:     cfg.Queue.BackoffCapMillis,
		ClaimWindow:          20,
	}

	engine := jobqueue.NewEngine(backend, signer, engineCfg, logger)
	reaper := jobqueue.NewReaper(backend, engineCfg, logger)

	if cfg.Cache.RedisDSN != "" {
		nonceCache, cacheErr := cache.NewRedisNonceCache(cfg.Cache.RedisDSN)
		if cacheErr != nil {
			log.Fatalf("build nonce cache: %v", cacheErr)
		}
		defer nonceCache.Close()
		engine.WithNonceCache(nonceCache)
	}

	ready := new(bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaperInterval := time.Duration(cfg.Queue.ReaperIntervalMillis) * time.Millisecond
	if reaperInterval <= 0 {
		reaperInterval = time.Duration(jobqueue.DefaultReaperIntervalMillis) * time.Millisecond
	}
	reaper.Start(ctx, reaperInterval)
	defer reaper.Stop()

	cronSchedule := cfg.Queue.CronSchedule
	if cronSchedule == "" {
		cronSchedule = "@every 30s"
	}
	cronDriver, err := cron.NewDriver(cronSchedule, reaper, logger)
	if err != nil {
		log.Fatalf("build cron driver: %v", err)
	}
	cronDriver.MarkReady()
	defer cronDriver.MarkStopped()

	router, stopRateLimiterCleanup := httpapi.NewRouter(httpapi.RouterConfig{
		Engine:     engine,
		Reaper:     reaper,
		CronDriver: cronDriver,
		CronSecret: cfg.Security.CronSecret,
		Logger:     logger,
		ProducerAuth: middleware.BearerAuthConfig{
			Tokens:    producerTokens(cfg),
			JWTSecret: cfg.Auth.JWTSecret,
		},
		WorkerSecret:        cfg.Security.WorkerHMACSecret,
		Ready:               ready,
		DebugHeadersEnabled: !cfg.Runtime.IsProduction(),
		RequestTimeout:      time.Duration(cfg.Server.RequestTimeoutMillis) * time.Millisecond,
	})
	defer stopRateLimiterCleanup()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	*ready = true

	go func() {
		logger.Info(ctx, "jobqueue-core listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	*ready = false
	logger.Info(ctx, "shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	reaper.Stop()
}

func buildSigner(cfg *config.Config) (*jobqueue.Signer, error) {
	if cfg.Security.AttestationPrivateKey == "" || cfg.Security.AttestationPublicKey == "" {
		return nil, fmt.Errorf("ATTESTATION_PRIVATE_KEY and ATTESTATION_PUBLIC_KEY must be set")
	}
	priv, pub, err := jobqueue.KeyIDFromHex("default", cfg.Security.AttestationPrivateKey, cfg.Security.AttestationPublicKey)
	if err != nil {
		return nil, err
	}
	return jobqueue.NewSigner("default", ed25519.PrivateKey(priv), ed25519.PublicKey(pub))
}

func buildStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		pg, err := postgres.Open(cfg.Database.ConnectionString())
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func producerTokens(cfg *config.Config) map[string]middleware.UserSpec {
	tokens := make(map[string]middleware.UserSpec, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		tokens[u.Password] = middleware.UserSpec{Username: u.Username, Role: u.Role}
	}
	return tokens
}
