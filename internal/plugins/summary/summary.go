// Package summary aggregates a stopped recording session into per-type
// counts and shares the result with reporting collaborators.
package summary

import (
	"context"
	"log/slog"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
)

// PluginName identifies the plugin in logs and reports.
const PluginName = "summary"

// Report is the value this plugin writes into the global reports map.
type Report struct {
	SessionID string                     `json:"sessionId"`
	Total     int                        `json:"total"`
	ByType    map[domain.MessageType]int `json:"byType"`
	ByPlugin  map[string]int             `json:"byPlugin"`
}

// Plugin implements the after-recording-stop hook.
type Plugin struct {
	logger *slog.Logger
}

// New builds the plugin.
func New(logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{logger: logger}
}

// Name implements ports.Plugin.
func (p *Plugin) Name() string { return PluginName }

// AfterRecordingStop implements ports.RecordingStopHandler: it writes its
// report into the global reports map keyed by plugin name. Persisting the
// session is the control plane's job; aggregating it is this plugin's.
func (p *Plugin) AfterRecordingStop(ctx context.Context, args *ports.RecordingArgs) error {
	rep := Report{
		SessionID: args.SessionID,
		Total:     len(args.Entries),
		ByType:    make(map[domain.MessageType]int),
		ByPlugin:  make(map[string]int),
	}
	for _, e := range args.Entries {
		rep.ByType[e.Type]++
		if e.PluginName != "" {
			rep.ByPlugin[e.PluginName]++
		}
	}

	reports := ports.Reports(args.Global)
	reports[PluginName] = rep

	p.logger.Info("recording session summarized",
		slog.String("session_id", args.SessionID),
		slog.Int("entries", rep.Total))
	return nil
}
