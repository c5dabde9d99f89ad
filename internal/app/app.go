// Package app assembles the engine and its collaborators from configuration.
// Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/quantumlife/spendcoach/internal/access"
	"github.com/quantumlife/spendcoach/internal/config"
	"github.com/quantumlife/spendcoach/internal/engine"
	"github.com/quantumlife/spendcoach/internal/events"
	"github.com/quantumlife/spendcoach/internal/ledger"
	"github.com/quantumlife/spendcoach/internal/logging"
	"github.com/quantumlife/spendcoach/internal/metrics"
	"github.com/quantumlife/spendcoach/internal/storage"
)

// App holds the wired components
type App struct {
	Config  *config.Config
	Store   storage.Store
	Ledger  *ledger.Store      // nil when the ledger is disabled
	Bus     *events.Bus
	Access  *access.Resolver
	Metrics *metrics.Collector // nil when metrics are disabled
	Engine  *engine.Engine

	closers []func() error
	logger  *logging.Logger
}

// Open wires everything the configuration asks for. Extra engine options
// are applied after the defaults.
func Open(ctx context.Context, cfg *config.Config, opts ...engine.Option) (*App, error) {
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		logging.SetLevel(level)
	}

	a := &App{
		Config: cfg,
		Bus:    events.NewBus(cfg.Events.Buffer),
		logger: logging.WithField("component", "app"),
	}

	store, err := storage.OpenBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if cfg.Events.Ledger {
		if err := a.openLedger(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Bus.Subscribe(ledger.NewRecorder(a.Ledger))
	}

	if cfg.Metrics.Enabled {
		c, err := metrics.New(cfg.Metrics.Namespace)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		if err := c.WatchBus(cfg.Metrics.Namespace, a.Bus); err != nil {
			a.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		a.Metrics = c
		a.Bus.Subscribe(c)
	}

	a.Bus.Subscribe(events.NewTrackerSubscriber(events.NewLogTracker(), cfg.Events.Experiment))

	a.Access = access.NewResolver(access.NewStaticPolicy(cfg.Access), cfg.Access.SessionCacheSize, cfg.Access.SessionTTL.D())

	base := []engine.Option{
		engine.WithSink(a.Bus),
		engine.WithAccess(a.Access),
	}
	eng, err := engine.New(cfg.Policy, store, store, append(base, opts...)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

// openLedger shares the SQLite database when that is the backend and
// otherwise keeps a ledger database in the data directory.
func (a *App) openLedger(ctx context.Context) error {
	if repo, ok := a.Store.(*storage.SQLiteRepository); ok {
		a.Ledger = ledger.NewStore(repo.DB().Conn())
		return nil
	}

	path := filepath.Join(a.Config.DataDir, "ledger.db")
	db, err := storage.Open(storage.Config{Path: path, InMemory: a.Config.Storage.Backend == storage.BackendMemory})
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate ledger database: %w", err)
	}
	a.Ledger = ledger.NewStore(db.Conn())
	a.logger.Debug("ledger kept at %s", path)
	return nil
}

// Flush dispatches buffered events synchronously. Commands that do not run
// the bus worker call it before exiting.
func (a *App) Flush(ctx context.Context) {
	a.Bus.Drain(ctx)
}

// Close releases storage in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
