// Package app wires the coedit server runtime: config, logging, HTTP routes,
// the operation-log sync API, and the realtime relay gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"coedit/cmd/internal/oplog"
	"coedit/cmd/internal/relay"
	"coedit/cmd/internal/roster"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the coedit server runtime: it owns the HTTP server, the operation
// log, the roster, and the relay gateway.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ops   oplog.Store
	rooms roster.Store

	metrics *Metrics
	api     *APIHandler
	hub     *relay.Hub
	ws      *relay.WSGateway
	bridge  *relay.RedisBridge
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, ops, rooms, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()

	hub := relay.NewHub(log)
	ws := relay.NewWSGateway(log, hub, rooms).
		WithMetrics(relay.NewMetrics(metrics.Registry))

	var bridge *relay.RedisBridge
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bridge, err = relay.NewRedisBridge(context.Background(), log, rdb, hub)
		if err != nil {
			_ = st.Close(context.Background())
			return nil, fmt.Errorf("redis bridge: %w", err)
		}
		ws = ws.WithBridge(bridge)
		log.Info("relay.bridge.enabled", "addr", cfg.RedisAddr)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ops:       ops,
		rooms:     rooms,
		metrics:   metrics,
		api:       NewAPIHandler(log, ops, rooms, metrics),
		hub:       hub,
		ws:        ws,
		bridge:    bridge,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.api, a.ws, a.metrics)

	handler := WithRequestLogging(
		WithCORS(WithSecurityHeaders(mux), a.cfg, a.log),
		a.log,
	)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws_base_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr)),
		"db_enabled", a.dbEnabled,
	)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go a.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stopSweep()

	// Drain realtime sessions first: members observe Done and the gateway
	// closes each socket with a going-away status.
	a.hub.CloseAll()
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Error("relay.bridge.close.fail", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// sweepLoop periodically deactivates silent participants and expired rooms.
func (a *App) sweepLoop(ctx context.Context) {
	interval := nonZeroDuration(a.cfg.PresenceSweepInterval, time.Minute)
	window := nonZeroDuration(a.cfg.PresenceStaleAfter, 2*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := a.rooms.SweepStale(ctx, window, now)
			if err != nil {
				a.log.Error("roster.sweep.fail", "err", err)
				continue
			}
			if swept > 0 {
				a.log.Info("roster.sweep", "swept", swept)
			}
		}
	}
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

// runtimeBaseURL turns a listen address into a URL clients can actually dial:
// wildcard binds map to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL derives the websocket origin from an HTTP base URL.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

// newStore decides between Postgres-backed persistence and the in-memory dev stores.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, oplog.Store, roster.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, oplog.NewInMemoryStore(), roster.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns the pool lifecycle
	// - per-store Close() is a no-op
	ops, err := oplog.NewPostgresStore(pool, oplog.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}
	rooms, err := roster.NewPostgresStore(pool, roster.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, ops: ops, rooms: rooms}, pool, true, ops, rooms, nil
}

type dbStore struct {
	pool  *pgxpool.Pool
	ops   oplog.Store
	rooms roster.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.ops != nil {
		_ = s.ops.Close()
	}
	if s.rooms != nil {
		_ = s.rooms.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
