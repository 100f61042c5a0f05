// Package pipeline sequences plugin lifecycle calls for intercepted
// transactions and enforces single-assignment response ownership.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/snareproxy/snare/internal/core/ports"
)

// Registry holds plugins in registration order. A plugin whose Init or
// LoadOptions fails is disabled for the remainder of the process; the rest of
// the pipeline keeps running.
type Registry struct {
	logger   *slog.Logger
	plugins  []ports.Plugin
	disabled map[string]error
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		disabled: make(map[string]error),
	}
}

// Register adds a plugin and runs its optional Init and LoadOptions hooks.
// Registration order is dispatch order. A failed hook disables the plugin
// and is reported back so callers can surface it at load time.
func (r *Registry) Register(ctx context.Context, p ports.Plugin, options map[string]any) error {
	if err := r.initialize(ctx, p, options); err != nil {
		r.disabled[p.Name()] = err
		r.logger.Error("plugin disabled",
			slog.String("plugin", p.Name()),
			slog.String("error", err.Error()))
		return err
	}
	r.plugins = append(r.plugins, p)
	r.logger.Info("plugin registered", slog.String("plugin", p.Name()))
	return nil
}

func (r *Registry) initialize(ctx context.Context, p ports.Plugin, options map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s init panic: %v\n%s", p.Name(), rec, debug.Stack())
		}
	}()

	if init, ok := p.(ports.Initializer); ok {
		if err := init.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	if loader, ok := p.(ports.OptionsLoader); ok {
		if err := loader.LoadOptions(options); err != nil {
			return fmt.Errorf("load options: %w", err)
		}
	}
	return nil
}

// Active returns the enabled plugins in registration order.
func (r *Registry) Active() []ports.Plugin {
	return r.plugins
}

// Names returns the enabled plugin names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name()
	}
	return names
}

// Disabled returns the plugins disabled at registration time and why.
func (r *Registry) Disabled() map[string]error {
	return r.disabled
}
