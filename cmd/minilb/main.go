// Command minilb is a minimal HTTP load balancer.
//
// Usage:
//
//	minilb [-config path/to/minilb.yaml]
//
// Every request is forwarded to one backend from a fixed list, chosen by
// round robin or least connections. log.level, rate_limit and auth can be
// edited in minilb.yaml while the process runs; other changes need a restart.
// Shutdown is graceful: on SIGINT or SIGTERM in-flight requests are given up
// to 10 seconds to complete.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"minilb/internal/config"
	"minilb/internal/httpserver"
	"minilb/internal/logging"
	"minilb/internal/middleware"
	"minilb/internal/pool"
	"minilb/internal/proxy"
)

// Version information, set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/minilb.yaml", "path to minilb.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("minilb failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	startTime := time.Now()

	// ── Configuration ────────────────────────────────────────────────────────
	cfg, v, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, level := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	// ── Pool and forwarder ───────────────────────────────────────────────────
	policy, err := pool.ParsePolicy(cfg.Strategy)
	if err != nil {
		return err
	}
	p, err := pool.New(cfg.Backends, policy)
	if err != nil {
		return err
	}

	opts := []proxy.Option{
		proxy.WithTimeout(cfg.ParsedUpstreamTimeout()),
		proxy.WithLogger(log),
	}
	if !cfg.ReleaseConnections {
		slog.Warn("connection counters are never released; least_connections degrades to fewest requests served")
		opts = append(opts, proxy.WithLeakyCounters())
	}
	fwd := proxy.New(p, opts...)
	defer fwd.Close()

	// ── Middleware chain ─────────────────────────────────────────────────────
	chain := newChainSwitch(ctx, fwd, log)
	chain.apply(cfg)

	if v != nil {
		watchConfig(v, cfg, level, chain)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	// /healthz is answered locally, without middleware or a backend, so
	// orchestrators can always tell whether the process is alive.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz(startTime))
	mux.Handle("/", chain)

	var writeTimeout time.Duration
	if d := cfg.ParsedUpstreamTimeout(); d > 0 {
		writeTimeout = d + 5*time.Second
	}
	srv, err := httpserver.New(cfg.ListenAddr, mux, httpserver.WithWriteTimeout(writeTimeout))
	if err != nil {
		return err
	}

	ln, err := srv.Listen()
	if err != nil {
		return fmt.Errorf("minilb: listen on %s: %w", srv.Addr(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("minilb listening",
			"addr", ln.Addr().String(),
			"strategy", policy.Name(),
			"backends", cfg.Backends,
			"release_connections", cfg.ReleaseConnections,
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"version", version,
		)
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down minilb")
		// The parent ctx is already cancelled here; Shutdown needs its own.
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("minilb stopped", "backends", fwd.Snapshot())
	return nil
}

// watchConfig applies live settings from every valid save of the config file
// and logs the keys that only take effect after a restart.
func watchConfig(v *viper.Viper, running config.Config, level *slog.LevelVar, chain *chainSwitch) {
	var mu sync.Mutex
	config.Watch(v, func(next config.Config) {
		mu.Lock()
		defer mu.Unlock()

		if keys := running.RestartRequired(next); len(keys) > 0 {
			slog.Warn("config change requires a restart; keeping current values", "keys", keys)
		}

		level.Set(logging.ParseLevel(next.Log.Level))
		chain.apply(next)

		running.Log.Level = next.Log.Level
		running.RateLimit = next.RateLimit
		running.Auth = next.Auth

		slog.Info("config reloaded",
			"log_level", next.Log.Level,
			"rate_limit", next.RateLimit.Enabled,
			"auth", next.Auth.Enabled,
		)
	})
}

// chainSwitch is the handler in front of the forwarder. The middleware chain
// behind it is rebuilt on config reload and swapped atomically, so requests
// in flight finish on the chain they started with.
type chainSwitch struct {
	parent  context.Context
	next    http.Handler
	log     *slog.Logger
	current atomic.Pointer[http.Handler]

	mu     sync.Mutex
	cancel context.CancelFunc // stops the current rate limiter's sweeper
}

func newChainSwitch(ctx context.Context, next http.Handler, log *slog.Logger) *chainSwitch {
	return &chainSwitch{parent: ctx, next: next, log: log}
}

func (c *chainSwitch) apply(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.parent)

	h := c.next
	if cfg.Auth.Enabled {
		h = middleware.JWTAuth(cfg.Auth.Secret, cfg.Auth.Exclude)(h)
	}
	if cfg.RateLimit.Enabled {
		h = middleware.RateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst)(h)
	}
	h = middleware.Logger(c.log)(h)

	c.current.Store(&h)
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
}

func (c *chainSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*c.current.Load()).ServeHTTP(w, r)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

func healthz(startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:  "ok",
			Version: version,
			Commit:  commit,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
		})
	}
}
