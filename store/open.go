// Package store opens the ledger repository selected by configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeva/credit-engine/config"
	"github.com/zeva/credit-engine/ledger"
	memstore "github.com/zeva/credit-engine/ledger/store"
	"github.com/zeva/credit-engine/store/postgres"
	"github.com/zeva/credit-engine/store/sqlite"
)

// Repository is a TxRepository that owns resources.
type Repository interface {
	ledger.TxRepository
	Close() error
}

type memoryRepository struct {
	*memstore.Memory
}

func (memoryRepository) Close() error { return nil }

// Open returns the repository named by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Repository, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("Using in-memory ledger store, data is lost on exit")
		return memoryRepository{memstore.NewMemory()}, nil

	case config.DriverSQLite:
		if cfg.Store.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		logger.Info("Opened SQLite ledger store", "path", cfg.Store.SQLitePath)
		return s, nil

	case config.DriverPostgres:
		s, err := postgres.Connect(ctx, logger, &cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
