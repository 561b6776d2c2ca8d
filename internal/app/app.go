// Package app wires configuration into a running comparison engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/FranksOps/partprice/internal/cache"
	"github.com/FranksOps/partprice/internal/cache/memory"
	cachesqlite "github.com/FranksOps/partprice/internal/cache/sqlite"
	"github.com/FranksOps/partprice/internal/config"
	"github.com/FranksOps/partprice/internal/fetch"
	"github.com/FranksOps/partprice/internal/fingerprint"
	"github.com/FranksOps/partprice/internal/httpapi"
	"github.com/FranksOps/partprice/internal/metrics"
	"github.com/FranksOps/partprice/internal/orchestrator"
	"github.com/FranksOps/partprice/internal/storage"
	"github.com/FranksOps/partprice/internal/storage/csvbackend"
	"github.com/FranksOps/partprice/internal/storage/jsonbackend"
	"github.com/FranksOps/partprice/internal/storage/postgres"
	historysqlite "github.com/FranksOps/partprice/internal/storage/sqlite"
	"github.com/FranksOps/partprice/internal/stores"
	"github.com/FranksOps/partprice/internal/strategy"
	"github.com/FranksOps/partprice/pkg/proxy"
	"github.com/FranksOps/partprice/pkg/useragent"
)

// App holds every long-lived dependency.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Fetcher      *fetch.Fetcher
	Proxies      *proxy.Pool
	Registry     *strategy.Registry
	Orchestrator *orchestrator.Orchestrator
	Cache        cache.Store
	History      storage.Backend

	cancel context.CancelFunc
}

// New builds the App. Everything opened before a failure is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &App{Config: cfg, Logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Fetcher, a.Proxies, err = NewFetcher(cfg.Fetch, logger); err != nil {
		return nil, err
	}

	cat, err := stores.Load(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	if a.Registry, err = cat.Build(a.Fetcher, logger); err != nil {
		return nil, err
	}

	if a.Cache, err = OpenCache(ctx, cfg.Cache); err != nil {
		return nil, err
	}
	if a.History, err = OpenHistory(ctx, cfg.History); err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if a.Cache != nil {
		opts = append(opts, orchestrator.WithCache(a.Cache))
	}
	if a.History != nil {
		opts = append(opts, orchestrator.WithHistory(a.History))
	}
	if a.Orchestrator, err = orchestrator.New(a.Registry, cfg.Orchestrator, opts...); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFetcher builds the shared fetcher with its proxy and User-Agent pools.
// The proxy pool is nil when no proxies are configured.
func NewFetcher(cfg config.Fetch, logger *slog.Logger) (*fetch.Fetcher, *proxy.Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	profile, err := fingerprint.ParseProfile(cfg.Fingerprint)
	if err != nil {
		return nil, nil, fmt.Errorf("app: fetch.fingerprint: %w", err)
	}
	mode, err := useragent.ParseMode(cfg.UserAgentMode)
	if err != nil {
		return nil, nil, fmt.Errorf("app: fetch.user_agent_mode: %w", err)
	}

	var pool *proxy.Pool
	if cfg.ProxyFile != "" || len(cfg.Proxies) > 0 {
		pool = proxy.NewPool(cfg.ProxyHealth, nil)
		if cfg.ProxyFile != "" {
			if err := pool.LoadFile(cfg.ProxyFile); err != nil {
				return nil, nil, fmt.Errorf("app: %w", err)
			}
		}
		if err := pool.Add(cfg.Proxies...); err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		logger.Info("proxy pool ready", "proxies", pool.Len())
	}

	f, err := fetch.New(fetch.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.CookieJar,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Fingerprint:  profile,
		Proxies:      pool,
		UserAgents:   useragent.NewPool(cfg.UserAgents, mode),
		Headers:      cfg.Headers,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	return f, pool, nil
}

// OpenCache returns nil for the none backend. The memory janitor runs until
// ctx is done.
func OpenCache(ctx context.Context, cfg config.Cache) (cache.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "none":
		return nil, nil
	case "", "memory":
		s := memory.New(nil)
		s.StartJanitor(ctx, cfg.Janitor)
		return s, nil
	case "sqlite":
		s, err := cachesqlite.New(cfg.DSN, nil)
		if err != nil {
			return nil, fmt.Errorf("app: open cache: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown cache backend %q", cfg.Backend)
	}
}

// OpenHistory returns nil for the none backend.
func OpenHistory(ctx context.Context, cfg config.History) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "sqlite":
		b, err = historysqlite.New(cfg.DSN)
	case "postgres":
		b, err = postgres.New(ctx, cfg.DSN)
	case "json":
		b, err = jsonbackend.New(cfg.DSN)
	case "csv":
		b, err = csvbackend.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("app: unknown history backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("app: open history: %w", err)
	}
	return b, nil
}

// Handler returns the HTTP API. /metrics is mounted on it when metrics are
// enabled without a dedicated address.
func (a *App) Handler() http.Handler {
	return httpapi.NewHandler(a.Orchestrator, a.Registry, httpapi.Options{
		DocsDir: a.Config.HTTP.DocsDir,
		Metrics: a.Config.Metrics.Enabled && a.Config.Metrics.Addr == "",
		Logger:  a.Logger,
	})
}

// Serve runs the API (and the standalone metrics listener, if configured)
// until ctx is done, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	srv, err := httpapi.Start(a.Config.HTTP.Addr, a.Handler(), a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info("api listening", "addr", srv.Addr())

	var ms *metrics.Server
	if a.Config.Metrics.Enabled && a.Config.Metrics.Addr != "" {
		if ms, err = metrics.Start(a.Config.Metrics.Addr, a.Logger); err != nil {
			_ = srv.Stop(context.Background(), a.Config.HTTP.ShutdownTimeout)
			return err
		}
		a.Logger.Info("metrics listening", "addr", ms.Addr())
	}

	<-ctx.Done()
	a.Logger.Info("shutting down")
	stopCtx := context.WithoutCancel(ctx)
	return errors.Join(
		srv.Stop(stopCtx, a.Config.HTTP.ShutdownTimeout),
		ms.Stop(stopCtx),
	)
}

// Close releases the registry, cache and history backend. It is safe on a
// partially built App.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	return errors.Join(errs...)
}
