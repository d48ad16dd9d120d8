// chatpayd is the chat payments service: webhook listener, queue worker, and
// commitment deadline scheduler in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatpay/commitments"
	"chatpay/config"
	"chatpay/cryptoutil"
	"chatpay/funds"
	"chatpay/ledger"
	"chatpay/notify"
	"chatpay/observability/logging"
	"chatpay/observability/otel"
	"chatpay/payments"
	"chatpay/queue"
	"chatpay/router"
	"chatpay/splits"
	"chatpay/storage"
	"chatpay/storage/models"
	"chatpay/tickets"
	"chatpay/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	log := logging.Setup(logging.Options{
		Service: cfg.AppName,
		Env:     cfg.Environment,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryEnabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: cfg.AppName,
			Environment: cfg.Environment,
			Endpoint:    cfg.TelemetryEndpoint,
			Insecure:    cfg.TelemetryInsecure,
			Headers:     otel.ParseHeaders(cfg.TelemetryHeaders),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("telemetry init: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	db, err := storage.Open(storage.Options{
		URL:            cfg.DatabaseURL,
		SQLiteFallback: cfg.SQLiteFallback,
		FallbackPath:   "chatpay.db",
		Echo:           cfg.DBEcho,
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	enc, err := cryptoutil.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		return fmt.Errorf("encryptor: %w", err)
	}

	chain := ledger.NewClient(
		ledger.Endpoint{URL: cfg.LedgerNodeURL, AuthToken: cfg.LedgerNodeToken},
		ledger.Endpoint{URL: cfg.LedgerIndexerURL, AuthToken: cfg.LedgerIndexerToken},
	)
	for _, backup := range cfg.LedgerNodeBackups {
		chain.AddNodeBackup(ledger.Endpoint{URL: backup, AuthToken: cfg.LedgerNodeToken})
	}
	log.Info("ledger client ready",
		"node", cfg.LedgerNodeURL,
		"indexer", cfg.LedgerIndexerURL,
		"backups", len(cfg.LedgerNodeBackups),
		logging.Field("api_token", cfg.LedgerNodeToken))

	var store queue.Store
	if cfg.RedisEnabled {
		redisStore, err := queue.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		store = queue.NewMemoryStore()
		log.Warn("redis disabled, queued payments will not survive restarts")
	}
	txQueue := queue.New(store)

	notifier := notify.NewFanout(log)
	notifier.Register("log", notify.Func(func(_ context.Context, user, text string) error {
		log.Info("outbound message", "user", user, "chars", len(text))
		return nil
	}))

	wallets := wallet.New(db, enc, chain, log)
	pay := payments.New(db, wallets, chain, log)
	deps := router.Deps{
		DB:          db,
		Wallets:     wallets,
		Payments:    pay,
		Splits:      splits.New(db, wallets, chain, notifier, log),
		Funds:       funds.New(db, wallets, chain, notifier, log),
		Tickets:     tickets.New(db, wallets, chain, log),
		Commitments: commitments.New(db, wallets, chain, enc, notifier, log),
		Notifier:    notifier,
		Log:         log,
	}

	var opts []router.Option
	if cfg.RateLimitEnabled {
		opts = append(opts, router.WithRateLimit(cfg.RateLimitPerMinute))
	}
	rt := router.New(deps, opts...)
	var srvOpts []router.ServerOption
	if cfg.SecretKey != "" {
		srvOpts = append(srvOpts, router.WithAdminToken(cfg.SecretKey))
	}
	srv := router.NewServer(cfg.ListenAddr, rt, txQueue, log, srvOpts...)

	worker := queue.NewWorker(txQueue, pay, log)
	go worker.Run(ctx)

	scheduler := commitments.NewScheduler(deps.Commitments, time.Minute, log)
	go scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
