// Package latency delays matched requests by a random duration within a
// configured range, simulating a slow backend.
package latency

import (
	"context"
	"math/rand"
	"time"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
)

// PluginName identifies the plugin in logs and reports.
const PluginName = "latency"

// Plugin delays requests before the pipeline continues. It never claims
// response ownership.
type Plugin struct {
	min  time.Duration
	max  time.Duration
	intn func(n int) int
}

// New builds the plugin. max < min is treated as a fixed min delay.
func New(min, max time.Duration) *Plugin {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Plugin{min: min, max: max, intn: rng.Intn}
}

// Name implements ports.Plugin.
func (p *Plugin) Name() string { return PluginName }

// HandleRequest implements ports.RequestHandler. The delay observes the
// transaction's cancellation signal; a cancelled wait continues the pipeline
// immediately without treating it as a plugin failure.
func (p *Plugin) HandleRequest(ctx context.Context, args *ports.RequestArgs) (*ports.PluginResponse, error) {
	delay := p.pick()
	if delay <= 0 {
		return ports.Continue(), nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ports.Continue(), nil
	case <-timer.C:
	}

	args.Log(domain.NewRequestLog(domain.MessageProcessed,
		"delayed request by "+delay.String(), PluginName, args.Request))
	return ports.Continue(), nil
}

func (p *Plugin) pick() time.Duration {
	if p.max <= p.min {
		return p.min
	}
	span := int(p.max - p.min)
	return p.min + time.Duration(p.intn(span))
}
