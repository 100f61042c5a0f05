// Package ports defines the core interfaces for the proxy.
// This file contains the plugin lifecycle contract the pipeline dispatches.
package ports

import (
	"context"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/store"
)

// Plugin is the minimal contract every plugin satisfies. All other lifecycle
// hooks are optional capabilities: the orchestrator checks for each interface
// rather than null-checking hook fields, so a plugin implements only what it
// needs.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	Name() string
}

// Initializer is implemented by plugins that need one-time setup. An error
// from Init disables the plugin for the remainder of the process; the rest of
// the pipeline is unaffected.
type Initializer interface {
	Init(ctx context.Context) error
}

// OptionsLoader is implemented by plugins that take settings from the config
// file. Options are the plugin's own settings subtree. An error disables the
// plugin, same as a failed Init.
type OptionsLoader interface {
	LoadOptions(options map[string]any) error
}

// RequestHandler is the request-phase capability. Handlers run in
// registration order; the first to return Respond owns the terminal response
// and later handlers in the phase are not invoked.
type RequestHandler interface {
	HandleRequest(ctx context.Context, args *RequestArgs) (*PluginResponse, error)
}

// ResponseHandler is the response-phase capability. It runs once a terminal
// response exists, in registration order, for observation and guidance only;
// there is no way to replace the response from this hook.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, args *ResponseArgs) error
}

// RequestLogObserver is notified of every log entry emitted during the
// request phase, including entries emitted after response ownership has been
// claimed.
type RequestLogObserver interface {
	OnRequestLog(ctx context.Context, entry *domain.RequestLog)
}

// ResponseLogObserver is notified of every log entry emitted during the
// response phase.
type ResponseLogObserver interface {
	OnResponseLog(ctx context.Context, entry *domain.RequestLog)
}

// RecordingStopHandler runs when a recording session stops, before the
// buffered entries are handed to reporting collaborators. Implementations
// conventionally write their report into the global "reports" map keyed by
// plugin name.
type RecordingStopHandler interface {
	AfterRecordingStop(ctx context.Context, args *RecordingArgs) error
}

// RequestArgs is the request-phase hook input.
type RequestArgs struct {
	ID      domain.RequestID
	Request *domain.Request
	State   *ResponseState
	Data    *store.Bag // request-scoped
	Global  *store.Bag // process-scoped

	// Log emits an entry into the transaction's log stream: structured
	// output, the recording buffer and the log observers. Never nil.
	Log func(entry *domain.RequestLog)
}

// ResponseArgs is the response-phase hook input.
type ResponseArgs struct {
	ID       domain.RequestID
	Request  *domain.Request
	Response *domain.Response
	Data     *store.Bag
	Global   *store.Bag

	// Log emits an entry into the transaction's log stream. Never nil.
	Log func(entry *domain.RequestLog)
}

// RecordingArgs is the after-recording-stop hook input.
type RecordingArgs struct {
	SessionID string
	Entries   []*domain.RequestLog
	Global    *store.Bag
}

// ReportsKey is the global-data name under which plugins store their reports
// during AfterRecordingStop. The value is a map[string]any keyed by plugin
// name; the core treats report values as opaque.
const ReportsKey = "reports"

// Reports returns the shared reports map from the global bag, creating it on
// first use.
func Reports(global *store.Bag) map[string]any {
	return global.GetOrSet(ReportsKey, func() any {
		return make(map[string]any)
	}).(map[string]any)
}
