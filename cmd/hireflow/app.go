package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/hireflow/internal/config"
	"github.com/rendis/hireflow/internal/engine"
	"github.com/rendis/hireflow/internal/logging"
	"github.com/rendis/hireflow/internal/queue"
	"github.com/rendis/hireflow/internal/secrets"
	"github.com/rendis/hireflow/internal/store"
	"github.com/rendis/hireflow/internal/streaming"
)

// app is the wired process: store, optional redis queue, hub and engine.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.LibSQLStore
	redis  *queue.RedisDeferredQueue
	hub    *streaming.MemoryHub
	engine *engine.Engine
}

func newLogger(cfg *config.Config) *slog.Logger {
	// stderr keeps stdout free for the MCP stdio transport.
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return logger
}

// openStore opens and migrates the database at cfg.DBPath.
func openStore(ctx context.Context, cfg *config.Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// openApp wires every component. The engine is built but not started.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, hub: streaming.NewMemoryHub()}

	deps := engine.Deps{
		Store:   s,
		Webhook: cfg.WebhookOptions(),
		Hub:     a.hub,
		Logger:  logger,
	}

	if cfg.Deferred.Backend == config.BackendRedis {
		q, err := queue.Dial(ctx, cfg.RedisQueueConfig())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect deferred queue: %w", err)
		}
		a.redis = q
		deps.Deferred = q
		logger.Info("using redis deferred queue", slog.String("addr", cfg.Redis.Addr))
	}

	if cfg.VaultEnabled() {
		vault, err := secrets.NewAESVault(s, cfg.VaultConfig())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
		deps.Vault = vault
	} else {
		logger.Warn("vault disabled: {{secrets.*}} references and webhook signing will fail")
	}

	eng, err := engine.New(cfg.EngineConfig(), deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = eng
	return a, nil
}

// Close releases the hub, the queue connection and the database.
func (a *app) Close() error {
	a.hub.Close()
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
