// Command relay runs the notification relay: a websocket gateway for
// browser sessions plus the trusted ingestion API used by upstream services.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/notify-relay/fanout"
	"github.com/ggoodman/notify-relay/fanout/redisbus"
	"github.com/ggoodman/notify-relay/gateway"
	"github.com/ggoodman/notify-relay/ingest"
	"github.com/ggoodman/notify-relay/internal/config"
	"github.com/ggoodman/notify-relay/internal/jwtauth"
	"github.com/ggoodman/notify-relay/internal/logctx"
	"github.com/ggoodman/notify-relay/readstate"
	"github.com/ggoodman/notify-relay/readstate/pgstore"
	"github.com/ggoodman/notify-relay/rooms"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown LOG_FORMAT %q", cfg.LogFormat)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	authCfg := jwtauth.DefaultConfig()
	authCfg.Secret = []byte(cfg.AuthSecret)
	authCfg.JWKSURL = cfg.AuthJWKSURL
	authCfg.Issuer = cfg.AuthIssuer
	authCfg.ExpectedAudiences = cfg.AuthAudience
	authCfg.Leeway = cfg.AuthLeeway
	authn, err := jwtauth.New(ctx, authCfg)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}

	var bus fanout.Bus
	if cfg.RedisURL != "" {
		rb, err := redisbus.New(ctx, redisbus.Config{URL: cfg.RedisURL, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			log.WarnContext(ctx, "relay.redis.unavailable", slog.String("err", err.Error()), slog.String("mode", "single"))
		} else {
			bus = rb
		}
	}
	reg := startRegistry(ctx, log, bus)
	defer func() {
		_ = reg.Close()
		if reg.Clustered() {
			_ = bus.Close()
		}
	}()

	var store readstate.Store = readstate.Nop{Log: log}
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, pgstore.Config{URL: cfg.DatabaseURL, Table: cfg.ReadStateTable})
		if err != nil {
			log.WarnContext(ctx, "relay.readstate.unavailable", slog.String("err", err.Error()))
		} else {
			defer pg.Close()
			store = pg
		}
	}

	gw := gateway.New(authn, reg,
		gateway.WithLogger(log),
		gateway.WithReadStateStore(store),
		gateway.WithAllowedOrigins(cfg.AllowedOrigins()...),
		gateway.WithCookieNames(cfg.AuthCookieNames...),
		gateway.WithReadStateTimeout(cfg.ReadStateTimeout),
	)

	ing, err := ingest.New(cfg.InternalAPIKey, reg, ingest.WithLogger(log))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newMux(cfg.SocketPath, gw, ing, reg),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		mode := "single"
		if reg.Clustered() {
			mode = "cluster"
		}
		log.InfoContext(ctx, "relay.listen", slog.String("addr", srv.Addr), slog.String("mode", mode), slog.String("instance_id", reg.InstanceID()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("relay.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("relay.shutdown.sessions", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// startRegistry attaches bus when it can subscribe and otherwise falls back to
// single-instance mode, closing bus. A nil bus means single-instance mode.
func startRegistry(ctx context.Context, log *slog.Logger, bus fanout.Bus) *rooms.Registry {
	if bus != nil {
		reg := rooms.New(rooms.WithLogger(log), rooms.WithBus(bus))
		err := reg.Start(ctx)
		if err == nil {
			return reg
		}
		log.WarnContext(ctx, "relay.bus.subscribe.fail", slog.String("err", err.Error()), slog.String("mode", "single"))
		_ = bus.Close()
	}

	reg := rooms.New(rooms.WithLogger(log))
	// Without a bus Start has nothing to subscribe to.
	_ = reg.Start(ctx)
	return reg
}

func newMux(socketPath string, gw http.Handler, ing http.Handler, reg *rooms.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", ingest.Health(reg))
	mux.Handle(socketPath, gw)
	mux.Handle("/v1/", ing)
	return logctx.Middleware(mux)
}
