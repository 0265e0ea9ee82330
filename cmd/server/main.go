package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nordpay/settlements/internal/api"
	"github.com/nordpay/settlements/internal/config"
	"github.com/nordpay/settlements/internal/domain"
	"github.com/nordpay/settlements/internal/idempotency"
	"github.com/nordpay/settlements/internal/repository"
	"github.com/nordpay/settlements/internal/settlement"
	"github.com/nordpay/settlements/internal/validation"
	"github.com/nordpay/settlements/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Initializing database at %s", cfg.DBPath)
	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.Close()

	// Repositories.
	txnRepo := repository.NewTransactionRepo(db)
	merchantRepo := repository.NewMerchantRepo(db)
	batchRepo := repository.NewBatchRepo(db)
	scheduleRepo := repository.NewScheduleRepo(db)
	webhookRepo := repository.NewWebhookRepo(db)
	auditRepo := repository.NewAuditRepo(db)

	// Idempotency backend.
	var idemStore idempotency.Store
	switch cfg.IdempotencyBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		idemStore = idempotency.NewRedisStore(client, "settlements")
		log.Printf("Idempotency backend: redis at %s", cfg.RedisAddr)
	default:
		idemStore = idempotency.NewSQLiteStore(db)
		log.Printf("Idempotency backend: sqlite")
	}

	// Services.
	validator := validation.New(cfg)
	dispatcher := webhook.NewDispatcher(cfg, webhookRepo)
	rail := settlement.StubRail{}
	builder := settlement.NewBuilder(cfg, txnRepo, merchantRepo, batchRepo, auditRepo, validator, idemStore, dispatcher)
	processor := settlement.NewProcessor(cfg, batchRepo, merchantRepo, auditRepo, validator, rail, idemStore, dispatcher)
	scheduler := settlement.NewScheduler(cfg, scheduleRepo, builder, processor)

	// Seed merchants and transactions if the DB is empty.
	count, err := merchantRepo.Count()
	if err != nil {
		log.Fatalf("Failed to count merchants: %v", err)
	}
	if count == 0 {
		log.Println("Database is empty, seeding from testdata...")
		if err := seed(merchantRepo, txnRepo); err != nil {
			log.Printf("WARNING: Failed to seed: %v", err)
		}
	} else {
		log.Printf("Database already has %d merchants, skipping seed", count)
	}

	router := api.NewRouter(builder, processor, scheduler, dispatcher,
		batchRepo, scheduleRepo, webhookRepo, auditRepo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background sweeps: due schedules and overdue webhook deliveries.
	go sweepLoop(ctx, "scheduler", cfg.ScheduleSweepInterval, func(ctx context.Context) error {
		_, err := scheduler.Sweep(ctx, time.Now().UTC())
		return err
	})
	go sweepLoop(ctx, "webhook", cfg.WebhookSweepInterval, func(ctx context.Context) error {
		_, err := dispatcher.SweepDue(ctx, time.Now().UTC())
		return err
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Printf("Nordpay Merchant Settlement Engine")
		log.Printf("Listening on http://localhost:%s", cfg.HTTPPort)
		log.Printf("API base: http://localhost:%s/api/v1", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: shutdown: %v", err)
	}
	log.Println("Bye")
}

// sweepLoop runs fn on a fixed interval until the context is cancelled.
func sweepLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[%s] WARNING: sweep: %v", name, err)
			}
		}
	}
}

func seed(merchants *repository.MerchantRepo, txns *repository.TransactionRepo) error {
	dir, err := findTestdata()
	if err != nil {
		return err
	}

	var seedMerchants []domain.Merchant
	if err := loadJSON(filepath.Join(dir, "merchants.json"), &seedMerchants); err != nil {
		return err
	}
	for i := range seedMerchants {
		if err := merchants.Upsert(&seedMerchants[i]); err != nil {
			return fmt.Errorf("upsert merchant %s: %w", seedMerchants[i].ID, err)
		}
	}
	log.Printf("Seeded %d merchants", len(seedMerchants))

	var seedTxns []domain.SourceTransaction
	if err := loadJSON(filepath.Join(dir, "transactions.json"), &seedTxns); err != nil {
		return err
	}
	inserted, err := txns.BulkInsert(seedTxns)
	if err != nil {
		return fmt.Errorf("bulk insert: %w", err)
	}
	log.Printf("Seeded %d transactions (out of %d in file)", inserted, len(seedTxns))
	return nil
}

func findTestdata() (string, error) {
	candidates := []string{
		"testdata",
		filepath.Join(".", "testdata"),
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, "testdata"),
			filepath.Join(dir, "..", "..", "testdata"),
		)
	}
	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, "merchants.json")); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("could not find testdata directory with merchants.json")
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
