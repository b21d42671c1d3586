// Package app wires the eLaw client runtime: config, logging, the session and
// notification subsystems, the local view endpoints and the view stream.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	authapi "elaw/cmd/internal/auth/api"
	"elaw/cmd/internal/auth/federated"
	"elaw/cmd/internal/auth/identity"
	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/authz"
	"elaw/cmd/internal/backend"
	"elaw/cmd/internal/notify"
	notifyapi "elaw/cmd/internal/notify/api"
	"elaw/cmd/internal/notify/feed"
	"elaw/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns every runtime component and the resources they hold.
type App struct {
	cfg Config
	log Logger

	metrics *Metrics

	Store      *session.Store
	Backend    *backend.Client
	Provider   federated.Provider
	Manager    *identity.Manager
	Reconciler *identity.Reconciler
	Feed       *notify.Aggregator
	Hub        *realtime.Hub

	gate    *authz.Gate
	routes  *authz.Routes
	auth    *authapi.Handler
	notify  *notifyapi.Handler
	gateway *realtime.Gateway

	pool    *pgxpool.Pool
	closers []func() error

	startOnce sync.Once
}

// New constructs a fully wired App from config and logger. Nothing runs until
// Start or Run is called.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var obsOpts []session.Option
	if cfg.MetricsEnabled {
		a.metrics = NewMetrics()
		obsOpts = append(obsOpts, session.WithObserver(a.metrics))
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	tokens, payloads, creds, err := a.persistence(ctx, sessCfg)
	if err != nil {
		return nil, err
	}
	a.Store = session.NewStore(sessCfg, append(obsOpts,
		session.WithTokenStore(tokens),
		session.WithPayloadStore(payloads),
		session.WithLogger(log.With("component", "session")),
	)...)

	beCfg, err := backend.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("backend config: %w", err)
	}
	beOpts := []backend.Option{
		backend.WithTokenSource(a.Store),
		backend.WithLogger(log.With("component", "backend")),
	}
	if a.metrics != nil {
		beOpts = append(beOpts, backend.WithObserver(a.metrics))
	}
	a.Backend, err = backend.New(beCfg, beOpts...)
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}

	fedCfg, err := federated.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("federated config: %w", err)
	}
	a.Provider, err = federated.New(ctx, fedCfg, creds, log.With("component", "federated"))
	if err != nil {
		return nil, fmt.Errorf("federated provider: %w", err)
	}

	a.Hub = realtime.NewHub(log.With("component", "stream"))

	recOpts := []identity.ReconcilerOption{identity.WithReconcilerLogger(log.With("component", "reconcile"))}
	if a.metrics != nil {
		recOpts = append(recOpts, identity.WithOutcomeObserver(a.metrics))
	}
	a.Reconciler = identity.NewReconciler(a.Store, a.Backend, a.Provider, recOpts...)

	a.Manager = identity.NewManager(a.Store, a.Backend, a.Provider,
		identity.WithManagerLogger(log.With("component", "identity")),
		identity.WithNotifier(a.Hub),
		identity.WithNavigator(a.Hub),
	)
	a.Backend.OnUnauthorized(a.Manager.HandleUnauthorized)

	source, err := a.feedSource(ctx)
	if err != nil {
		return nil, err
	}
	aggOpts := []notify.Option{notify.WithLogger(log.With("component", "notify"))}
	if a.metrics != nil {
		aggOpts = append(aggOpts, notify.WithObserver(a.metrics))
	}
	a.Feed = notify.New(source, a.Backend, aggOpts...)

	a.routes = authz.DefaultRoutes()
	if cfg.RoutesFile != "" {
		a.routes, err = authz.LoadRoutes(cfg.RoutesFile)
		if err != nil {
			return nil, fmt.Errorf("routes: %w", err)
		}
	}
	a.gate = authz.NewGate(a.Store, a.Reconciler.Loading, log.With("component", "authz"))

	authOpts := []authapi.HandlerOption{authapi.WithLoading(a.Reconciler.Loading)}
	if r, isRedirector := a.Provider.(federated.Redirector); isRedirector {
		authOpts = append(authOpts, authapi.WithRedirector(r))
	}
	if d, isDev := a.Provider.(*federated.Dev); isDev {
		authOpts = append(authOpts, authapi.WithDevProvider(d))
	}
	a.auth, err = authapi.NewHandler(log.With("component", "auth.api"), authapi.LoadConfigFromEnv(), a.Manager, a.Store, authOpts...)
	if err != nil {
		return nil, err
	}
	a.notify, err = notifyapi.NewHandler(log.With("component", "notify.api"), a.Feed)
	if err != nil {
		return nil, err
	}
	a.gateway = realtime.NewGateway(log.With("component", "stream"), a.Hub, a.Feed, realtime.LoadGatewayConfigFromEnv())

	ok = true
	return a, nil
}

// persistence picks the token, payload and provider credential stores.
func (a *App) persistence(ctx context.Context, cfg session.Config) (session.TokenStore, session.PayloadStore, federated.CredentialStore, error) {
	var (
		tokens   session.TokenStore        = session.NewMemoryTokenStore()
		payloads session.PayloadStore      = session.NewMemoryPayloadStore()
		creds    federated.CredentialStore = session.NewMemoryPayloadStore()
	)

	if cfg.RedisURL != "" {
		rts, err := session.NewRedisTokenStore(ctx, cfg.RedisURL, cfg.TokenKey)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis token store: %w", err)
		}
		a.closers = append(a.closers, rts.Close)
		tokens = rts
		a.log.Info("session.tokens.redis")
	}

	if cfg.PayloadFile != "" {
		fps, err := session.NewFilePayloadStore(cfg.PayloadFile, cfg.PayloadSecret, cfg.PayloadKey)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("payload store: %w", err)
		}
		payloads = fps

		cps, err := session.NewFilePayloadStore(cfg.PayloadFile+".provider", cfg.PayloadSecret, "provider_credentials")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("provider credential store: %w", err)
		}
		creds = cps
		a.log.Info("session.payload.file", "path", cfg.PayloadFile)
	}

	return tokens, payloads, creds, nil
}

// feedSource builds the push source the aggregator subscribes to.
func (a *App) feedSource(ctx context.Context) (feed.Source, error) {
	fcfg, err := feed.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	switch fcfg.Kind {
	case feed.KindPostgres:
		pool, err := NewDBPool(ctx, fcfg.DatabaseURL, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("feed database: %w", err)
		}
		a.pool = pool
		pg, err := feed.NewPostgres(pool,
			feed.WithSchema(fcfg.Schema),
			feed.WithLimit(fcfg.Limit),
			feed.WithLogger(a.log.With("component", "feed")),
		)
		if err != nil {
			return nil, err
		}
		if fcfg.AutoMigrate {
			if err := pg.ApplySchema(ctx); err != nil {
				return nil, fmt.Errorf("feed schema: %w", err)
			}
		}
		a.log.Info("feed.source.postgres", "schema", fcfg.Schema)
		return pg, nil
	default:
		a.log.Info("feed.source.memory")
		return feed.NewMemory(fcfg.Limit), nil
	}
}

// Start launches reconciliation, the session/feed binding and the stream
// publishers. They stop when ctx ends.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		if err = a.Reconciler.Start(ctx); err != nil {
			return
		}
		go func() {
			if err := notify.NewBinder(a.Feed, a.Store, a.log.With("component", "notify")).Run(ctx); err != nil {
				a.log.Error("notify.binder.fail", "err", err)
			}
		}()
		go a.Hub.FollowSession(ctx, a.Store, a.Reconciler.Ready())
		go a.Hub.FollowFeed(ctx, a.Feed)
	})
	return err
}

// WaitReady blocks until startup reconciliation has settled or ctx ends.
func (a *App) WaitReady(ctx context.Context) error {
	select {
	case <-a.Reconciler.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the runtime and the HTTP server and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 20*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", base,
		"stream", wsBaseURL(base)+"/ws",
		"backend", a.Backend.BaseURL(),
		"federated", providerName(a.Provider),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	select {
	case <-a.Reconciler.Done():
	case <-shutdownCtx.Done():
	}

	a.log.Info("server.stopped")
	return nil
}

// Handler is the full HTTP surface: routes behind the route guard, CORS,
// security headers and request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var handler http.Handler = a.gate.Guard(a.routes, mux)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	return WithRequestLogging(handler, a.log)
}

// Close releases pools and connections. Safe to call more than once.
func (a *App) Close() { a.close() }

func (a *App) close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("app.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func providerName(p federated.Provider) string {
	if p == nil {
		return string(federated.KindNone)
	}
	return p.Name()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
