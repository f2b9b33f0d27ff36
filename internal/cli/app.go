package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/config"
	"github.com/roach88/ctfboard/internal/engine"
	"github.com/roach88/ctfboard/internal/metrics"
	"github.com/roach88/ctfboard/internal/reconcile"
	"github.com/roach88/ctfboard/internal/roster"
	"github.com/roach88/ctfboard/internal/snapshot"
	"github.com/roach88/ctfboard/internal/store"
)

// ledgerStore is the authoritative solve store: the SQL table or the
// snapshot records, depending on the persistence setting.
type ledgerStore interface {
	reconcile.LedgerStore
	engine.SolveStore
}

// app is the wired runtime shared by the commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	sql       *store.Store
	snapshots *snapshot.Store
	ledger    ledgerStore

	registry   *community.Registry
	reconciler *reconcile.Reconciler
	metrics    *metrics.Metrics
	gatherer   *prometheus.Registry
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Strategy != "" {
		cfg.Reconcile.Strategy = opts.Strategy
	}
	return cfg, nil
}

// newLogger configures the default slog logger on w.
func newLogger(cfg config.Config, verbose bool, w io.Writer) *slog.Logger {
	level := cfg.Level()
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// openApp loads configuration and opens the stores. Close must be called
// on success.
func openApp(opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg, opts.Verbose, logOut)

	strategy, err := reconcile.ParseStrategy(cfg.Reconcile.Strategy)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid reconcile strategy", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: community.NewRegistry(),
		gatherer: prometheus.NewRegistry(),
	}
	a.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.gatherer)

	if cfg.Persistence == config.PersistenceSQL {
		logger.Info("opening ledger store", "driver", cfg.Ledger.Driver)
		a.sql, err = store.OpenDriver(cfg.Ledger.Driver, cfg.Ledger.DSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open ledger store", err)
		}
		a.ledger = a.sql
	}
	if cfg.Snapshot.Enabled {
		logger.Info("opening snapshot store", "path", cfg.Snapshot.Path)
		scfg := snapshot.DefaultConfig(cfg.Snapshot.Path)
		scfg.Logger = logger.With("component", "badger")
		a.snapshots, err = snapshot.Open(scfg)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open snapshot store", err)
		}
		if a.ledger == nil {
			a.ledger = a.snapshots
		}
	}
	if a.ledger == nil {
		a.Close()
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("persistence %q has no store", cfg.Persistence))
	}

	a.reconciler = &reconcile.Reconciler{
		Catalogs:    reconcile.DirCatalogSource{Dir: cfg.ChallengesDir},
		Members:     roster.NewFileSource(cfg.MembersDir),
		Ledger:      a.ledger,
		Strategy:    strategy,
		Timeout:     cfg.ReconcileTimeout(),
		Parallelism: cfg.Reconcile.Parallelism,
		Logger:      logger,
		Metrics:     a.metrics,
	}
	if a.snapshots != nil {
		a.reconciler.Snapshots = a.snapshots
	}
	return a, nil
}

// newEngine builds an engine over the app's registry.
func (a *app) newEngine(opts ...engine.Option) *engine.Engine {
	base := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithPersistTimeout(a.cfg.PersistTimeoutDuration()),
	}
	return engine.New(a.registry, a.reconciler, a.ledger, append(base, opts...)...)
}

// reconcile reconciles ids, or every known community when ids is empty.
func (a *app) reconcile(ctx context.Context, ids []string) ([]reconcile.Report, error) {
	if len(ids) == 0 {
		var err error
		ids, err = a.reconciler.Communities(ctx, a.registry)
		if err != nil {
			return nil, err
		}
	}
	return a.reconciler.ReconcileAll(ctx, a.registry, ids)
}

// saveState writes the whole ledger of st and refreshes its snapshot.
// The caller holds the state lock.
func (a *app) saveState(st *community.State) error {
	ctx, cancel := context.WithCancel(context.Background())
	if d := a.cfg.PersistTimeoutDuration(); d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	}
	defer cancel()
	if _, err := a.ledger.SaveSolves(ctx, st.ID, st.Ledger); err != nil {
		return err
	}
	if a.snapshots != nil {
		return a.snapshots.Save(ctx, st)
	}
	return nil
}

// Close closes the stores.
func (a *app) Close() error {
	var errs []error
	if a.sql != nil {
		errs = append(errs, a.sql.Close())
	}
	if a.snapshots != nil {
		errs = append(errs, a.snapshots.Close())
	}
	return errors.Join(errs...)
}
