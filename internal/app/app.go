package app

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-authstate/activitymap"
	"github.com/goliatone/go-authstate/internal/config"
	"github.com/goliatone/go-authstate/metrics"
	"github.com/goliatone/go-authstate/provider/local"
	"github.com/goliatone/go-authstate/provider/oidc"
	"github.com/goliatone/go-authstate/store/bunstore"
	"github.com/goliatone/go-authstate/store/mongostore"
	"github.com/goliatone/go-authstate/store/redisstore"
	goerrors "github.com/goliatone/go-errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// App wires the provider, the record store, the coordinator and the service
// from a Config.
type App struct {
	Config      *config.Config
	DB          *bun.DB
	Store       authstate.RecordStore
	Provider    *local.Provider
	Coordinator *authstate.Coordinator
	Service     *authstate.Service
	Metrics     *metrics.Collectors
	Registry    *prometheus.Registry

	redis   *redis.Client
	server  *http.Server
	loggers authstate.LoggerProvider
	logger  authstate.Logger
	closers []func(context.Context) error
}

// New opens every backend named by cfg. Nothing is started yet.
func New(ctx context.Context, cfg *config.Config, loggers authstate.LoggerProvider) (_ *App, err error) {
	loggers, logger := authstate.ResolveLogger("authstate.app", loggers, nil)
	app := &App{
		Config:   cfg,
		Metrics:  metrics.New(cfg.Metrics.Namespace),
		Registry: prometheus.NewRegistry(),
		loggers:  loggers,
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.Metrics.Register(app.Registry)

	if err = app.openDatabase(ctx); err != nil {
		return nil, err
	}
	if err = app.openStore(ctx); err != nil {
		return nil, err
	}
	if err = app.openProvider(); err != nil {
		return nil, err
	}

	app.Service = authstate.NewService(app.Provider, app.Store).
		WithLoggerProvider(loggers).
		WithActivitySink(authstate.MultiActivitySink{app.Metrics, app.activityLog()})

	app.Coordinator = authstate.NewCoordinator(
		authstate.NewSessionStream(app.Provider).WithLoggerProvider(loggers),
		authstate.NewRecordWatcher(app.Store).WithLoggerProvider(loggers),
		authstate.WithCoordinatorLoggerProvider(loggers),
		authstate.WithCoordinatorHooks(app.Metrics.Hooks()),
	)
	app.Service.WithAdmission(app.Coordinator)

	return app, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	sqldb, err := sql.Open(sqliteshim.ShimName, a.Config.Database.DSN)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to open database")
	}

	a.DB = bun.NewDB(sqldb, sqlitedialect.New())
	a.onClose(func(context.Context) error { return a.DB.Close() })

	if err := bunstore.Migrate(ctx, a.DB); err != nil {
		return err
	}
	return nil
}

func (a *App) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.onClose(func(context.Context) error { return a.redis.Close() })
	}
	return a.redis
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store.Backend {
	case config.BackendRedis:
		client := a.redisClient()
		if err := client.Ping(ctx).Err(); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryExternal, "redis ping failed").
				WithMetadata(map[string]any{"addr": a.Config.Redis.Addr})
		}
		a.Store = redisstore.New(client,
			redisstore.WithRetryDelay(a.Config.Store.RetryDelay),
			redisstore.WithLoggerProvider(a.loggers),
		)
	case config.BackendMongo:
		client, err := mongostore.Connect(ctx, a.Config.Mongo.URI, a.Config.Mongo.Timeout)
		if err != nil {
			return err
		}
		a.onClose(func(ctx context.Context) error { return client.Disconnect(ctx) })

		col := client.Database(a.Config.Mongo.Database).Collection(a.Config.Mongo.Collection)
		a.Store = mongostore.New(col,
			mongostore.WithRetryDelay(a.Config.Store.RetryDelay),
			mongostore.WithLoggerProvider(a.loggers),
		)
	default:
		a.Store = bunstore.New(a.DB).WithLoggerProvider(a.loggers)
	}

	a.logger.Info("record store ready", "backend", a.Config.Store.Backend)
	return nil
}

func (a *App) openProvider() error {
	cfg := local.DefaultConfig([]byte(a.Config.Local.SigningKey))
	if a.Config.Local.Issuer != "" {
		cfg.Issuer = a.Config.Local.Issuer
	}
	if a.Config.Local.TokenTTL > 0 {
		cfg.TokenTTL = a.Config.Local.TokenTTL
	}
	if a.Config.Local.ResetTTL > 0 {
		cfg.ResetTTL = a.Config.Local.ResetTTL
	}
	if a.Config.Local.MinPasswordLength > 0 {
		cfg.MinPasswordLength = a.Config.Local.MinPasswordLength
	}

	provider, err := local.New(a.DB, cfg)
	if err != nil {
		return err
	}
	provider.WithLoggerProvider(a.loggers)

	if a.Config.Session.Persistence == config.PersistenceRedis {
		provider.WithPersistence(redisstore.NewSessionStore(a.redisClient(), a.Config.Session.Device, a.Config.Session.TTL))
	}

	a.Provider = provider
	return nil
}

func (a *App) activityLog() authstate.ActivitySink {
	logger := a.loggers.GetLogger("authstate.activity")
	if logger == nil {
		logger = a.logger
	}
	return activitymap.Sink(func(n activitymap.Normalized) {
		args := []any{"verb", n.Verb, "actor", n.ActorID, "object", n.ObjectID, "metadata", n.Metadata}
		if n.Outcome == activitymap.OutcomeFailure {
			logger.Warn("activity", args...)
			return
		}
		logger.Info("activity", args...)
	}, activitymap.WithDefaultChannel("cli"))
}

// Start restores the persisted session, starts the coordinator and the
// metrics endpoint, then waits for the first resolved state.
func (a *App) Start(ctx context.Context) (authstate.CurrentUserState, error) {
	if _, err := a.Provider.Restore(ctx); err != nil {
		a.logger.Warn("session restore failed", "error", err)
	}

	if err := a.Coordinator.Start(); err != nil {
		return authstate.None(), err
	}
	a.onClose(func(context.Context) error {
		a.Coordinator.Stop()
		return nil
	})

	if a.Config.Metrics.Addr != "" {
		if err := a.serveMetrics(); err != nil {
			return authstate.None(), err
		}
	}

	return a.Coordinator.Ready().Wait(ctx)
}

func (a *App) serveMetrics() error {
	ln, err := net.Listen("tcp", a.Config.Metrics.Addr)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "failed to listen for metrics").
			WithMetadata(map[string]any{"addr": a.Config.Metrics.Addr})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.onClose(func(ctx context.Context) error { return a.server.Shutdown(ctx) })

	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// Federated returns the configured OIDC flow. open receives the URL the
// user has to visit.
func (a *App) Federated(ctx context.Context, open func(string) error) (*oidc.Flow, error) {
	cfg := a.Config.OIDC
	if !cfg.Enabled() {
		return nil, goerrors.New("no federated provider configured", goerrors.CategoryBadInput).
			WithTextCode("OIDC_DISABLED")
	}

	ln, err := listenerFor(cfg.RedirectURL)
	if err != nil {
		return nil, err
	}

	source := &oidc.LoopbackSource{
		Listener: ln,
		Path:     callbackPath(cfg.RedirectURL),
		Open:     open,
		Timeout:  5 * time.Minute,
	}

	flow, err := oidc.New(ctx, oidc.Config{
		Name:         cfg.Name,
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
	}, source)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return flow.WithLoggerProvider(a.loggers), nil
}

// Settle waits until every queued session and record event is applied.
// The record snapshot of a new watch lands one round after the session
// change that opened it.
func (a *App) Settle(ctx context.Context) (authstate.CurrentUserState, error) {
	for i := 0; i < 2; i++ {
		if err := a.Coordinator.Sync(ctx); err != nil {
			return authstate.None(), err
		}
	}
	return a.Coordinator.Current(), nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
