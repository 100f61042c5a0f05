// Package runtime provides the core Proxy struct and lifecycle management
// for the interception pipeline.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/snareproxy/snare/internal/api"
	"github.com/snareproxy/snare/internal/chaos"
	"github.com/snareproxy/snare/internal/config"
	"github.com/snareproxy/snare/internal/pipeline"
	"github.com/snareproxy/snare/internal/plugins/latency"
	"github.com/snareproxy/snare/internal/plugins/mocks"
	"github.com/snareproxy/snare/internal/plugins/rewrite"
	"github.com/snareproxy/snare/internal/plugins/summary"
	"github.com/snareproxy/snare/internal/proxy"
	"github.com/snareproxy/snare/internal/recorder"
	"github.com/snareproxy/snare/internal/report"
	sqlitereport "github.com/snareproxy/snare/internal/report/sqlite"
	"github.com/snareproxy/snare/internal/server"
	"github.com/snareproxy/snare/internal/store"
	"github.com/snareproxy/snare/internal/watch"
)

// Proxy is the main entry point for running the interception proxy. It
// assembles the pipeline from configuration and manages the HTTP server
// lifecycle. Proxy can be embedded in larger applications or run standalone.
type Proxy struct {
	// Dependencies (injected via options)
	logger     *slog.Logger
	configPath string
	upstream   http.RoundTripper
	reports    report.Store
	intn       func(n int) int

	// Internal state
	registry *pipeline.Registry
	orch     *pipeline.Orchestrator
	recorder *recorder.Recorder
	handler  *proxy.Handler
	server   *server.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a new Proxy with the given options.
func New(opts ...Option) (*Proxy, error) {
	p := &Proxy{
		logger:     slog.Default(),
		configPath: "config.yaml",
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	return p, nil
}

// Start loads configuration, builds the pipeline, and starts the HTTP server.
// An invalid watch pattern in urls_to_watch is a startup error; a plugin
// whose settings fail to load is disabled without failing startup.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(ctx)

	cfg, err := config.Load(p.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	matcher, err := watch.Compile(cfg.URLsToWatch)
	if err != nil {
		return fmt.Errorf("compile urls_to_watch: %w", err)
	}
	if matcher.Empty() {
		p.logger.Warn("no urls_to_watch configured, all traffic passes through")
	}

	if p.reports == nil && cfg.Report.SQLitePath != "" {
		st, err := sqlitereport.New(cfg.Report.SQLitePath)
		if err != nil {
			return fmt.Errorf("open report store: %w", err)
		}
		p.reports = st
	}

	p.recorder = recorder.New()
	p.registry = pipeline.NewRegistry(p.logger)
	if err := p.registerPlugins(p.ctx, cfg); err != nil {
		return err
	}

	p.orch = pipeline.NewOrchestrator(p.registry, store.New(), p.recorder, p.logger)
	p.handler = proxy.NewHandler(matcher, p.orch, p.upstream, p.logger)

	controlPlane := api.New(p.logger, p.recorder, p.orch, p.registry, p.handler, p.reports)

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	p.server = server.New(cfg.Server.Port, p.logger, p.handler, controlPlane, timeout)
	p.server.Start()

	if cfg.Recording.AutoStart {
		id := p.recorder.Start()
		p.logger.Info("recording auto-started", slog.String("session_id", id))
	}

	// Hot-reload only swaps the watch set; plugin changes need a restart.
	if err := config.Watch(p.ctx, p.configPath, p.logger, func(next *config.Config) {
		m, err := watch.Compile(next.URLsToWatch)
		if err != nil {
			p.logger.Error("invalid urls_to_watch in reloaded config, keeping previous",
				slog.String("error", err.Error()))
			return
		}
		p.handler.SetMatcher(m)
		p.logger.Info("watch patterns reloaded", slog.Int("count", len(next.URLsToWatch)))
	}); err != nil {
		p.logger.Warn("config hot-reload unavailable", slog.String("error", err.Error()))
	}

	p.logger.Info("proxy started",
		slog.Int("port", cfg.Server.Port),
		slog.Any("plugins", p.registry.Names()))
	return nil
}

// registerPlugins builds and registers the configured plugins in order. A
// plugin that fails its load hooks is disabled by the registry; the rest of
// the pipeline keeps running.
func (p *Proxy) registerPlugins(ctx context.Context, cfg *config.Config) error {
	for _, name := range cfg.Plugins {
		switch name {
		case chaos.PluginName:
			opts := []chaos.Option{chaos.WithLogger(p.logger)}
			if p.intn != nil {
				opts = append(opts, chaos.WithRand(p.intn))
			}
			eng := chaos.New(chaos.Config{
				FailureRate:   cfg.Chaos.FailureRate,
				RetryAfter:    time.Duration(cfg.Chaos.RetryAfterSeconds) * time.Second,
				AllowedErrors: cfg.Chaos.AllowedErrors,
			}, opts...)
			_ = p.registry.Register(ctx, eng, nil)

		case latency.PluginName:
			pl := latency.New(
				time.Duration(cfg.Latency.MinMs)*time.Millisecond,
				time.Duration(cfg.Latency.MaxMs)*time.Millisecond,
			)
			_ = p.registry.Register(ctx, pl, nil)

		case mocks.PluginName:
			_ = p.registry.Register(ctx, mocks.New(), map[string]any{
				"file": cfg.Mocks.File,
			})

		case rewrite.PluginName:
			rules := make([]rewrite.Rule, len(cfg.Rewrites))
			for i, r := range cfg.Rewrites {
				rules[i] = rewrite.Rule{Pattern: r.Pattern, Replacement: r.Replacement}
			}
			_ = p.registry.Register(ctx, rewrite.New(rules), nil)

		case summary.PluginName:
			_ = p.registry.Register(ctx, summary.New(p.logger), nil)

		default:
			return fmt.Errorf("unknown plugin %q", name)
		}
	}
	return nil
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("shutting down proxy")

	if p.cancel != nil {
		p.cancel()
	}

	var firstErr error
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			p.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			firstErr = err
		}
	}

	if p.reports != nil {
		if err := p.reports.Close(); err != nil {
			p.logger.Error("failed to close report store", slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	p.logger.Info("proxy shutdown complete")
	return firstErr
}
