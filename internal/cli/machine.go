package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/machinist/internal/bus"
	"github.com/roach88/machinist/internal/cache"
	"github.com/roach88/machinist/internal/config"
	"github.com/roach88/machinist/internal/coordinator"
	"github.com/roach88/machinist/internal/jobs"
	"github.com/roach88/machinist/internal/storage"
	"github.com/roach88/machinist/internal/syncer"
)

// Machine is the assembled client: one bus shared by the cache, the job
// engine, the sync manager and the coordinator, backed by one store.
type Machine struct {
	Config      *config.Config
	Bus         *bus.Bus
	Store       storage.KV
	Cache       *cache.Manager
	Jobs        *jobs.Engine
	Sync        *syncer.Manager
	Coordinator *coordinator.Coordinator

	logger     *slog.Logger
	closeStore func() error
}

// MachineOption customizes OpenMachine.
type MachineOption func(*machineSettings)

type machineSettings struct {
	executor jobs.LineExecutor
	dialer   syncer.Dialer
}

// WithLineExecutor replaces the simulated line executor.
func WithLineExecutor(x jobs.LineExecutor) MachineOption {
	return func(s *machineSettings) { s.executor = x }
}

// WithSyncDialer replaces the WebSocket dialer.
func WithSyncDialer(d syncer.Dialer) MachineOption {
	return func(s *machineSettings) { s.dialer = d }
}

// openStore opens the SQLite database at path, creating its directory.
// An empty path selects an in-memory store.
func openStore(path string) (storage.KV, func() error, error) {
	if path == "" {
		return storage.NewMemory(), func() error { return nil }, nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

// OpenMachine builds every component from cfg and restores the persisted
// cache snapshot and job queue. It does not connect to the coordinator.
func OpenMachine(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...MachineOption) (*Machine, error) {
	var settings machineSettings
	for _, opt := range opts {
		opt(&settings)
	}

	store, closeStore, err := openStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	b := bus.New(bus.WithLogger(logger))

	c := cache.New(cfg.CacheManagerConfig(), cache.WithLogger(logger))
	if res, err := c.Restore(ctx, store, cfg.Cache.PersistKey); err != nil {
		logger.Warn("cache snapshot not restored", "error", err)
	} else if res.Imported > 0 {
		logger.Info("cache restored", "entries", res.Imported, "skipped", res.Skipped)
	}

	jobOpts := append(cfg.JobOptions(), jobs.WithStore(store), jobs.WithLogger(logger))
	if settings.executor != nil {
		jobOpts = append(jobOpts, jobs.WithExecutor(settings.executor))
	}
	engine := jobs.New(b, jobOpts...)
	if err := engine.Load(ctx); err != nil {
		engine.Close()
		_ = closeStore()
		return nil, fmt.Errorf("restore job queue: %w", err)
	}

	syncOpts := []syncer.Option{syncer.WithLogger(logger)}
	if settings.dialer != nil {
		syncOpts = append(syncOpts, syncer.WithDialer(settings.dialer))
	}
	s := syncer.New(cfg.SyncerConfig(), b, syncOpts...)

	co := coordinator.New(b, engine, c, s, coordinator.WithLogger(logger))

	return &Machine{
		Config:      cfg,
		Bus:         b,
		Store:       store,
		Cache:       c,
		Jobs:        engine,
		Sync:        s,
		Coordinator: co,
		logger:      logger,
		closeStore:  closeStore,
	}, nil
}

// Shutdown stops every component, persists the job queue and the cache
// snapshot, and closes the store.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.Coordinator.Close()
	m.Sync.Close()
	m.Jobs.Close()

	var errs []error
	if err := m.Jobs.Save(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.Cache.Persist(ctx, m.Store, m.Config.Cache.PersistKey); err != nil {
		errs = append(errs, err)
	}
	if err := m.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if len(errs) == 0 {
		m.logger.Info("state saved")
	}
	return errors.Join(errs...)
}
