package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudx-io/sealedbid/config"
	"github.com/cloudx-io/sealedbid/notify"
	"github.com/cloudx-io/sealedbid/receipt"
	"github.com/cloudx-io/sealedbid/redisledger"
	"github.com/cloudx-io/sealedbid/settlement"
	"github.com/cloudx-io/sealedbid/signing"
	"github.com/cloudx-io/sealedbid/store"
)

// app holds the wired dependencies of one auctiond process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	svc     *settlement.Service
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	db, err := store.New(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// newApp opens the store, the admission ledger and the notifier, and builds the
// settlement service on top of them. registry may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry prometheus.Registerer) (*app, error) {
	settlementCfg, err := cfg.Settlement()
	if err != nil {
		return nil, err
	}

	db, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: db, closers: []func() error{db.Close}}

	opts := []settlement.Option{settlement.WithLogger(logger)}

	if cfg.AdmissionBackend == config.AdmissionRedis {
		ledger, err := redisledger.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, ledger.Close)
		opts = append(opts, settlement.WithLedger(ledger))
		logger.Info("bid admission uses redis", "component", programName, "addr", cfg.RedisAddr)
	}

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name(programName))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		notifier, err := notify.NewJetStream(ctx, nc, cfg.NatsStream, logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("set up fallback offer stream: %w", err)
		}
		opts = append(opts, settlement.WithNotifier(notifier))
	} else {
		opts = append(opts, settlement.WithNotifier(notify.NewLog(logger)))
	}

	if registry != nil {
		metrics := &settlement.Metrics{}
		metrics.Register(registry)
		opts = append(opts, settlement.WithMetrics(metrics))
	}

	a.svc, err = settlement.New(db, signing.NewVerifier(cfg.Domain()), settlementCfg, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// loadReceiptKeys reads the receipt signing key from path. With no path it generates
// an ephemeral key, so receipts only verify against this process's public key.
func loadReceiptKeys(path string, logger *slog.Logger) (*receipt.KeyManager, error) {
	if path == "" {
		logger.Warn("no receipt key configured, generating an ephemeral one", "component", programName)
		return receipt.NewKeyManager()
	}
	keys, err := receipt.LoadKeyManager(path)
	if err != nil {
		return nil, fmt.Errorf("receipt key: %w", err)
	}
	return keys, nil
}
