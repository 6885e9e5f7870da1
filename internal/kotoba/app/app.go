// Package app wires Kotoba together: the state store, the notification
// bus, the scheduler, the history controller and the optional sources and
// HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bdobrica/Kotoba/common/retry"
	"github.com/bdobrica/Kotoba/common/version"
	"github.com/bdobrica/Kotoba/internal/kotoba/bus"
	"github.com/bdobrica/Kotoba/internal/kotoba/config"
	"github.com/bdobrica/Kotoba/internal/kotoba/controller"
	"github.com/bdobrica/Kotoba/internal/kotoba/cron"
	"github.com/bdobrica/Kotoba/internal/kotoba/datefmt"
	"github.com/bdobrica/Kotoba/internal/kotoba/filewatch"
	"github.com/bdobrica/Kotoba/internal/kotoba/filter"
	"github.com/bdobrica/Kotoba/internal/kotoba/ingress"
	"github.com/bdobrica/Kotoba/internal/kotoba/matrix"
	"github.com/bdobrica/Kotoba/internal/kotoba/row"
	"github.com/bdobrica/Kotoba/internal/kotoba/states"
	"github.com/bdobrica/Kotoba/internal/kotoba/store"
)

// App is the running service.
type App struct {
	cfg    *config.Config
	db     *store.Store
	bus    *bus.Bus
	states *states.States
	sched  *cron.Scheduler
	ctrl   *controller.Controller

	ingress *ingress.Server
	watcher *filewatch.Watcher
	matrix  *matrix.Source

	ready chan struct{}
	wg    sync.WaitGroup
}

// New opens the store and builds every component. Nothing runs until Run.
func New(cfg *config.Config) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	ctrlCfg, err := ControllerConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &App{
		cfg:   cfg,
		db:    db,
		bus:   bus.New(),
		sched: cron.NewInLocation(loc),
		ready: make(chan struct{}),
	}
	a.states = states.New(db, a.bus)
	a.states.WarnExisting = cfg.Startup.WarnExisting
	a.ctrl = controller.New(ctrlCfg, a.states, a.bus, a.sched, datefmt.Formatter{Location: loc})

	if cfg.Ingress.Addr != "" {
		var readOnly []string
		if output, _, err := states.NormalizePath(cfg.Table.StatePath); err == nil {
			readOnly = append(readOnly, output)
		}
		a.ingress = ingress.New(cfg.Ingress.Addr, ingress.Handlers{
			Token:     cfg.Ingress.AuthToken,
			RateLimit: cfg.Ingress.RateLimit,
			Burst:     cfg.Ingress.Burst,
			ReadOnly:  readOnly,
			States:    a.states,
			Snapshot:  a.ctrl.Snapshot,
			Stats:     a.ctrl.Stats,
		})
	}
	if cfg.FileWatch.Path != "" {
		a.watcher = filewatch.New(cfg.FileWatch.Path, cfg.History.StateID, a.states)
	}
	if cfg.Matrix.Homeserver != "" {
		src, err := matrix.New(matrix.Config{
			Homeserver:     cfg.Matrix.Homeserver,
			UserID:         cfg.Matrix.UserID,
			AccessToken:    cfg.Matrix.AccessToken,
			RoomID:         cfg.Matrix.RoomID,
			AllowedSenders: cfg.Matrix.AllowedSenders,
		}, cfg.History.StateID, a.states)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.matrix = src
	}
	return a, nil
}

// ControllerConfig maps the file configuration onto the controller's.
func ControllerConfig(cfg *config.Config) (controller.Config, error) {
	tag, err := cfg.LanguageTag()
	if err != nil {
		return controller.Config{}, fmt.Errorf("language: %w", err)
	}
	return controller.Config{
		OutputPath: cfg.Table.StatePath,
		SourceID:   cfg.History.StateID,
		MaxEntries: cfg.Table.MaxEntries,
		Row: row.Options{
			Columns:    cfg.Table.Columns,
			Capitalize: cfg.Table.Capitalize,
			Language:   tag,
			Template:   cfg.Table.DateFormat,
			Labels:     datefmt.Labels{Today: cfg.Table.Today, Yesterday: cfg.Table.Yesterday},
		},
		Filter: filter.Config{
			Ignore:      cfg.History.Ignore,
			NoisePhrase: cfg.History.NoisePhrase,
		},
		MidnightCron: cfg.Table.MidnightCron,
		SettleDelay:  cfg.Startup.SettleDelay,
		ReadRetry: retry.Config{
			Attempts: cfg.Startup.ReadAttempts,
			Delay:    cfg.Startup.ReadDelay,
		},
	}, nil
}

// Run serves until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is cancelled, then shuts everything down.
func (a *App) RunContext(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.ctrl.Run(ctx)
	}()

	// A failed start leaves the controller idle; the sources and the HTTP
	// surface still run so the state store stays reachable.
	if err := a.ctrl.Start(ctx); err != nil {
		slog.Error("controller did not start; running degraded", "err", err)
	}

	if a.ingress != nil {
		if err := a.ingress.Start(ctx); err != nil {
			cancel()
			a.shutdown()
			return fmt.Errorf("start ingress: %w", err)
		}
	}
	if a.watcher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.watcher.Run(ctx); err != nil {
				slog.Error("file watcher stopped", "err", err)
			}
		}()
	}
	if a.matrix != nil {
		if err := a.matrix.Start(ctx); err != nil {
			slog.Error("matrix source did not start", "err", err)
		}
	}

	slog.Info("Kotoba started",
		"version", version.Version,
		"output", a.cfg.Table.StatePath,
		"history", a.cfg.History.StateID,
		"ingress", a.cfg.Ingress.Addr,
		"file_watch", a.cfg.FileWatch.Path,
		"matrix", a.matrix != nil,
	)
	close(a.ready)

	<-ctx.Done()
	slog.Info("shutting down")
	a.shutdown()
	return nil
}

// Ready is closed once RunContext has started every component.
func (a *App) Ready() <-chan struct{} { return a.ready }

// States exposes the state API, mainly for tests and embedding.
func (a *App) States() *states.States { return a.states }

// Controller exposes the history controller.
func (a *App) Controller() *controller.Controller { return a.ctrl }

func (a *App) shutdown() {
	if a.matrix != nil {
		a.matrix.Stop()
	}
	if a.ingress != nil {
		a.ingress.Stop()
	}
	a.sched.Stop()
	a.wg.Wait()
	if err := a.db.Close(); err != nil {
		slog.Warn("closing store", "err", err)
	}
}
