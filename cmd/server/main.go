package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/htms/backend/internal/anchor"
	"github.com/htms/backend/internal/config"
	"github.com/htms/backend/internal/decision"
	"github.com/htms/backend/internal/fraud"
	"github.com/htms/backend/internal/httpapi"
	"github.com/htms/backend/internal/ingest"
	"github.com/htms/backend/internal/metrics"
	"github.com/htms/backend/internal/nonce"
	"github.com/htms/backend/internal/registry"
	"github.com/htms/backend/internal/store"
	"github.com/htms/backend/internal/sweeper"
	"github.com/htms/backend/internal/trust"
	"github.com/htms/backend/internal/vdf"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	policy, err := config.NewManager(os.Getenv("TRUST_POLICY_PATH"))
	if err != nil {
		log.Fatalf("Failed to load trust policy: %v", err)
	}
	cfg := policy.Get()

	log.Printf("🛣️  Starting HTMS backend (env=%s, port=%s)", cfg.Server.Env, cfg.Server.Port)

	// Persistence: Postgres when DATABASE_URL is set, in-memory otherwise.
	var st store.Store
	var pg *store.Postgres
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err = store.NewPostgres(dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Println("📦 Store: postgres")
	} else {
		st = store.NewMemory()
		log.Println("📦 Store: in-memory (set DATABASE_URL for persistence)")
	}

	// Nonce ledger: Redis when REDIS_URL is set, the store database on
	// Postgres deployments, in-memory otherwise. Replay protection must
	// survive restarts whenever any durable backend is available.
	var nonces nonce.Ledger
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			log.Fatalf("Failed to parse REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to reach Redis: %v", err)
		}
		defer client.Close()
		nonces = nonce.NewRedis(client, cfg.Ingest.NonceRetention())
		log.Println("🔁 Nonce ledger: redis")
	} else if pg != nil {
		nonces = nonce.NewPostgres(pg.DB(), cfg.Ingest.NonceRetention())
		log.Println("🔁 Nonce ledger: postgres")
	} else {
		nonces = nonce.NewMemory(cfg.Ingest.NonceRetention())
		log.Println("🔁 Nonce ledger: in-memory")
	}

	m := metrics.NewMetrics()

	reg := registry.New(st, cfg.Ingest.RatePerMinute, cfg.Ingest.Burst)
	verifier := ingest.NewVerifier(policy, reg, nonces)

	cross := fraud.NewCrossTracker(st)
	detector := fraud.NewDetector(policy, fraud.SelectScorer(cfg.Fraud), cross, st)

	engine := trust.NewEngine(policy, st, m)
	healer := trust.NewHealer(policy, st, m)

	decisions := decision.NewLogger(st, m)
	chain := vdf.NewChain(policy, st, m)
	queue := anchor.NewQueue(policy, st, anchor.SelectLedger(cfg.Anchor), m)

	pipeline := ingest.NewPipeline(policy, reg, verifier, detector, engine, decisions, chain, st, m)
	sweep := sweeper.New(policy, st, nonces, healer, cross, chain, m, 10*time.Second)

	server := httpapi.NewServer(policy, pipeline, reg, engine, healer, chain, queue, decisions, st, nonces)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := chain.EnsureGenesis(startCtx); err != nil {
		log.Fatalf("Failed to initialize VDF chain: %v", err)
	}

	// Chain decisions left over from the previous run before auditing,
	// so a crash backlog is not mistaken for removed links.
	if n, err := chain.Reconcile(startCtx); err != nil {
		log.Printf("⚠️ Startup reconcile failed: %v", err)
	} else if n > 0 {
		log.Printf("🔗 Reconciled %d unchained decisions from previous run", n)
	}

	// A chain that fails verification at boot means the audit trail was
	// tampered with while we were down. Keep the admin surface up so an
	// operator can inspect and reseed, but refuse new toll events.
	report, err := chain.VerifyChain(startCtx)
	if err != nil {
		log.Fatalf("Failed to verify VDF chain: %v", err)
	}
	if !report.Valid {
		reason := fmt.Sprintf("startup chain verification failed: %s", report.Class)
		if report.FirstBrokenSeq != nil {
			reason = fmt.Sprintf("%s at seq %d", reason, *report.FirstBrokenSeq)
		}
		server.DisableIngest(reason)
	}
	startCancel()

	ctx, cancel := context.WithCancel(context.Background())
	go chain.Run(ctx)
	go queue.Run(ctx)
	go sweep.Run(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Listening on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("Received shutdown signal, shutting down gracefully...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
