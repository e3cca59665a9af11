// Package app wires the sync layer together and exposes the view-level operations.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/learnlog/internal/api"
	"github.com/and161185/learnlog/internal/auth"
	"github.com/and161185/learnlog/internal/client"
	"github.com/and161185/learnlog/internal/config"
	"github.com/and161185/learnlog/internal/connectivity"
	"github.com/and161185/learnlog/internal/query"
	"github.com/and161185/learnlog/internal/storage"
	"github.com/and161185/learnlog/internal/telemetry"
)

// Options configure an App. Only Config is required.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	Meter  metric.Meter // nil disables metrics

	// Store replaces the store described by Config.Storage.
	Store storage.Store
	// Passphrase seals every stored value when non-empty.
	Passphrase string

	HTTPClient *http.Client
	Now        func() time.Time

	// WatchInterfaces feeds OS network changes into the connectivity monitor.
	WatchInterfaces bool

	// OnSessionExpired is called when the session could not be renewed.
	OnSessionExpired func()
}

// App owns every component for one backend.
type App struct {
	cfg *config.Config
	log *zap.Logger

	store    storage.Store
	Session  *auth.Session
	Monitor  *connectivity.Monitor
	Client   *client.Client
	Queries  *query.Client
	Topics   *api.Topics
	Entries  *api.Entries
	watcher  *connectivity.InterfaceWatcher
	watch    bool
	now      func() time.Time
	expired  atomic.Bool
	onExpire func()

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an App from opts. Nothing touches the network until Start.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics, err := telemetry.New(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	store := opts.Store
	if store == nil {
		store, err = storage.Open(ctx, cfg.Storage, log.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}
	if opts.Passphrase != "" {
		sealed, err := storage.Sealed(ctx, store, []byte(opts.Passphrase))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seal storage: %w", err)
		}
		store = sealed
	}

	a := &App{cfg: cfg, log: log, store: store, watch: opts.WatchInterfaces, now: opts.Now, onExpire: opts.OnSessionExpired}
	if a.now == nil {
		a.now = time.Now
	}

	a.Session, err = auth.New(ctx, auth.Options{
		BaseURL:    cfg.ServerURL,
		HTTPClient: opts.HTTPClient,
		Store:      store,
		Timeout:    cfg.RequestTimeout.Duration,
		Logger:     log.Named("auth"),
		Metrics:    metrics,
		Now:        opts.Now,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("session: %w", err)
	}

	a.Monitor = connectivity.New(connectivity.Options{
		ServerURL: cfg.ServerURL,
		Interval:  cfg.ProbeInterval.Duration,
		Timeout:   cfg.ProbeTimeout.Duration,
		Logger:    log.Named("connectivity"),
		Metrics:   metrics,
	})
	a.watcher = connectivity.NewInterfaceWatcher(a.Monitor, 0, log.Named("netif"))

	a.Client, err = client.New(client.Options{
		BaseURL:          cfg.ServerURL,
		HTTPClient:       opts.HTTPClient,
		Tokens:           a.Session,
		Signal:           a.Monitor,
		Timeout:          cfg.RequestTimeout.Duration,
		Logger:           log.Named("client"),
		Metrics:          metrics,
		OnSessionExpired: a.sessionExpired,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	a.Topics = api.NewTopics(a.Client)
	a.Entries = api.NewEntries(a.Client)

	a.Queries = query.New(query.Options{
		StaleTime:    cfg.StaleTime.Duration,
		GCTime:       cfg.GCTime.Duration,
		Persister:    query.StorePersister{Store: store, Key: cfg.CacheKey},
		Connectivity: a.Monitor,
		Now:          opts.Now,
		Logger:       log.Named("query"),
		Metrics:      metrics,
		ReplayRate:   cfg.ReplayRate,
	})
	a.registerMutations()
	return a, nil
}

// Start rehydrates the cache, probes the backend once and starts the
// connectivity loops. They stop on Close.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queries.Restore(ctx); err != nil {
		// the cache is disposable; start empty
		a.log.Warn("restore cache", zap.Error(err))
	}
	online := a.Monitor.Probe(ctx)
	a.log.Debug("initial probe", zap.Bool("online", online))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.Monitor.Run(gctx) })
	if a.watch {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	a.cancel, a.group = cancel, g
	return nil
}

// Close stops background work, writes the final cache snapshot and closes storage.
func (a *App) Close(ctx context.Context) error {
	var errList []error
	if a.cancel != nil {
		a.cancel()
		if err := a.group.Wait(); err != nil {
			errList = append(errList, err)
		}
	}
	if n := a.Queries.GC(); n > 0 {
		a.log.Debug("dropped expired queries", zap.Int("count", n))
	}
	if err := a.Queries.Close(ctx); err != nil {
		errList = append(errList, fmt.Errorf("save cache: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errList = append(errList, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errList...)
}

func (a *App) sessionExpired() {
	if a.expired.CompareAndSwap(false, true) {
		a.log.Info("session expired")
	}
	if a.onExpire != nil {
		a.onExpire()
	}
}

// SessionExpired reports whether the last renewal failed since the last login.
func (a *App) SessionExpired() bool { return a.expired.Load() }

// Store exposes the local store.
func (a *App) Store() storage.Store { return a.store }
