package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/btouchard/dispatchboard/internal/api"
	"github.com/btouchard/dispatchboard/internal/auth"
	"github.com/btouchard/dispatchboard/internal/config"
	"github.com/btouchard/dispatchboard/internal/dispatch"
	"github.com/btouchard/dispatchboard/internal/hub"
	boardmcp "github.com/btouchard/dispatchboard/internal/mcp"
	"github.com/btouchard/dispatchboard/internal/notify"
	"github.com/btouchard/dispatchboard/internal/relay"
	"github.com/btouchard/dispatchboard/internal/store"
	"github.com/btouchard/dispatchboard/internal/stream"
	"github.com/btouchard/dispatchboard/internal/tunnel"
)

const shutdownTimeout = 10 * time.Second

// app owns every long-lived component of a running server.
type app struct {
	db      *store.SQLiteStore
	tokens  *auth.Tokens
	reg     *hub.Registry
	disp    *hub.Dispatcher
	relay   *relay.Relay
	pool    *notify.Pool
	engine  *dispatch.Engine
	streams *stream.Handler
	mcp     *server.MCPServer
	limiter *api.RateLimiter
}

// newApp wires the components. publicURL is where assignment emails point.
func newApp(cfg *config.Config, publicURL string) (*app, error) {
	dbPath := config.ExpandHome(cfg.Database.Path)
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	slog.Info("database opened", "path", dbPath)

	secret, err := auth.SigningSecret(cfg.Auth.Secret, config.ExpandHome(cfg.Auth.SecretDir))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading signing secret: %w", err)
	}

	a := &app{
		db:      db,
		tokens:  auth.NewTokens(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		reg:     hub.NewRegistry(),
		limiter: api.NewRateLimiter(cfg.RateLimit),
	}
	a.disp = hub.NewDispatcher(a.reg)

	if cfg.Relay.Enabled {
		opts, err := redis.ParseURL(cfg.Relay.URL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("parsing relay url: %w", err)
		}
		a.relay = relay.New(redis.NewClient(opts), cfg.Relay.Channel, a.disp)
		a.disp.SetForwarder(a.relay)
	}

	var mailer notify.Mailer = notify.LogMailer{}
	if cfg.Notifications.Mail.Enabled {
		smtp, err := notify.NewSMTPMailer(cfg.Notifications.Mail)
		if err != nil {
			if a.relay != nil {
				a.relay.Close()
			}
			_ = db.Close()
			return nil, err
		}
		mailer = smtp
	}

	a.pool = notify.NewPool(notify.PoolConfig{
		Workers:        cfg.Notifications.Workers,
		QueueSize:      cfg.Notifications.QueueSize,
		JobTimeout:     cfg.Notifications.SendTimeout,
		HandoffTimeout: cfg.Notifications.HandoffTimeout,
	})

	notifications := notify.NewHub(a.pool, notify.NewMailNotifier(mailer, publicURL))
	a.engine = dispatch.NewEngine(db, a.disp,
		dispatch.WithNotifier(notifications),
		dispatch.WithWriteTimeout(cfg.Engine.WriteTimeout),
	)
	a.mcp = boardmcp.NewServer(&boardmcp.Deps{Engine: a.engine, Version: version})
	notifications.Register(notify.NewMCPNotifier(a.mcp, 3*time.Second))

	a.streams = stream.NewHandler(a.engine, a.reg, cfg.Stream, stream.WithResolver(a.tokens))
	return a, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)

	r.Get("/health", a.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(a.limiter.Middleware)
		r.Use(auth.BearerAuth(a.tokens, false))
		api.NewHandler(a.engine).Routes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.limiter.Middleware)
		r.Handle("/ws/technicians/", a.streams.Technicians())
		r.Handle("/ws/tasks/", a.streams.Tasks())
	})

	mcpHTTP := server.NewStreamableHTTPServer(a.mcp,
		server.WithHTTPContextFunc(auth.ActorContext(a.tokens)))
	r.Group(func(r chi.Router) {
		r.Use(a.limiter.Middleware)
		r.Use(auth.BearerAuth(a.tokens, false))
		r.Handle("/mcp", mcpHTTP)
	})

	return r
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := a.db.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// close releases components in reverse dependency order: connections
// first so nothing publishes into a closing registry, the database last.
func (a *app) close(ctx context.Context) {
	if err := a.streams.Shutdown(ctx); err != nil {
		slog.Warn("stream shutdown incomplete", "error", err)
	}
	a.reg.Close()
	if err := a.pool.Close(ctx); err != nil {
		slog.Warn("pending notifications abandoned", "error", err)
	}
	if a.relay != nil {
		a.relay.Close()
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("closing database", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	publicURL := cfg.Server.PublicURL

	var tun *tunnel.Tunnel
	if cfg.Tunnel.Enabled {
		var err error
		tun, err = tunnel.Open(ctx, cfg.Tunnel)
		if err != nil {
			return err
		}
		defer func() { _ = tun.Close() }()
		publicURL = tun.URL()
	}

	a, err := newApp(cfg, publicURL)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:     a.routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("dispatchboard is ready", "addr", addr, "public_url", publicURL)
		return serveHTTP(srv, ln)
	})
	if tun != nil {
		g.Go(func() error { return serveHTTP(srv, tun.Listener()) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
