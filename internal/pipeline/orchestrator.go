package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/recorder"
	"github.com/snareproxy/snare/internal/store"
)

// TxState is the lifecycle state of one intercepted transaction.
type TxState string

const (
	StateCreated       TxState = "created"
	StateMatched       TxState = "matched"
	StateSkipped       TxState = "skipped"
	StateRequestPhase  TxState = "requestPhase"
	StateResponded     TxState = "responded"
	StateForwarded     TxState = "forwarded"
	StateResponsePhase TxState = "responsePhase"
	StateCompleted     TxState = "completed"
)

// Transaction is one intercepted request moving through the pipeline. Within
// a transaction, plugin dispatch is strictly sequential; across transactions,
// many run concurrently.
type Transaction struct {
	ID       domain.RequestID
	State    TxState
	Request  *domain.Request
	Response *domain.Response

	respState *ports.ResponseState
	data      *store.Bag
	endRecord func()
	completed bool
}

// ResponseSet reports whether a terminal response has been claimed.
func (tx *Transaction) ResponseSet() bool {
	return tx.respState.HasBeenSet()
}

// Orchestrator dispatches plugin lifecycle hooks. One orchestrator serves all
// transactions; per-transaction state lives in the Transaction.
type Orchestrator struct {
	registry *Registry
	store    *store.Store
	recorder *recorder.Recorder
	logger   *slog.Logger
}

// NewOrchestrator wires the dispatcher to its collaborators.
func NewOrchestrator(registry *Registry, st *store.Store, rec *recorder.Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		store:    st,
		recorder: rec,
		logger:   logger,
	}
}

// Store exposes the shared storage for collaborators outside the pipeline.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Begin opens a transaction for an intercepted request. The request-data bag
// is created here and removed exactly once, in Complete.
func (o *Orchestrator) Begin(req *domain.Request, matched bool) *Transaction {
	tx := &Transaction{
		ID:        domain.NewRequestID(),
		State:     StateCreated,
		Request:   req,
		respState: ports.NewResponseState(),
		endRecord: o.recorder.Begin(),
	}
	tx.data = o.store.RequestData(tx.ID)
	if matched {
		tx.State = StateMatched
	} else {
		tx.State = StateSkipped
	}
	return tx
}

// RunRequestPhase invokes request handlers in registration order. The first
// Respond claims ownership and stops further response-producing handlers;
// ContinueWith rewrites are observed by every subsequent plugin. A panic or
// error inside a handler is logged with the plugin identity and treated as
// no-effect-this-round.
func (o *Orchestrator) RunRequestPhase(ctx context.Context, tx *Transaction) {
	tx.State = StateRequestPhase

	for _, p := range o.registry.Active() {
		if err := ctx.Err(); err != nil {
			o.logger.Debug("request phase cancelled",
				slog.String("request_id", tx.ID.String()))
			return
		}

		handler, ok := p.(ports.RequestHandler)
		if !ok {
			continue
		}
		if tx.respState.HasBeenSet() {
			// Ownership claimed; remaining response-producing handlers are
			// skipped. Log observers still see entries via Emit.
			continue
		}

		result, err := o.safeHandleRequest(ctx, handler, &ports.RequestArgs{
			ID:      tx.ID,
			Request: tx.Request,
			State:   tx.respState,
			Data:    tx.data,
			Global:  o.store.Global(),
			Log:     func(entry *domain.RequestLog) { o.Emit(ctx, tx, entry) },
		})
		if err != nil {
			o.logger.Error("plugin request handler failed",
				slog.String("plugin", p.Name()),
				slog.String("request_id", tx.ID.String()),
				slog.String("error", err.Error()))
			continue
		}

		if rewritten, ok := result.Rewritten(); ok {
			tx.Request = rewritten
			continue
		}
		if resp, ok := result.Response(); ok {
			if tx.respState.TrySet() {
				tx.Response = resp
				tx.State = StateResponded
			} else {
				o.logger.Warn("plugin attempted second terminal response; ignored",
					slog.String("plugin", p.Name()),
					slog.String("request_id", tx.ID.String()))
			}
		}
	}
}

// SetUpstreamResponse records the response obtained by forwarding the request
// upstream. It is a no-op when a plugin already owns the response.
func (o *Orchestrator) SetUpstreamResponse(tx *Transaction, resp *domain.Response) bool {
	if !tx.respState.TrySet() {
		return false
	}
	tx.Response = resp
	tx.State = StateForwarded
	return true
}

// RunResponsePhase invokes response observers in registration order once a
// terminal response exists. Observers cannot replace the response; failures
// are isolated the same way as in the request phase.
func (o *Orchestrator) RunResponsePhase(ctx context.Context, tx *Transaction) {
	if tx.Response == nil {
		return
	}
	tx.State = StateResponsePhase

	for _, p := range o.registry.Active() {
		if err := ctx.Err(); err != nil {
			o.logger.Debug("response phase cancelled",
				slog.String("request_id", tx.ID.String()))
			return
		}

		handler, ok := p.(ports.ResponseHandler)
		if !ok {
			continue
		}

		if err := o.safeHandleResponse(ctx, handler, &ports.ResponseArgs{
			ID:       tx.ID,
			Request:  tx.Request,
			Response: tx.Response,
			Data:     tx.data,
			Global:   o.store.Global(),
			Log:      func(entry *domain.RequestLog) { o.Emit(ctx, tx, entry) },
		}); err != nil {
			o.logger.Error("plugin response handler failed",
				slog.String("plugin", p.Name()),
				slog.String("request_id", tx.ID.String()),
				slog.String("error", err.Error()))
		}
	}
}

// Complete finishes the transaction: the request-data bag is removed exactly
// once and the recorder's in-flight bracket is released.
func (o *Orchestrator) Complete(tx *Transaction) {
	if tx.completed {
		return
	}
	tx.completed = true
	tx.State = StateCompleted
	o.store.RemoveRequestData(tx.ID)
	tx.endRecord()
}

// Emit publishes a log entry: structured log output, the recording buffer
// when a session is active, and the phase's log observers.
func (o *Orchestrator) Emit(ctx context.Context, tx *Transaction, entry *domain.RequestLog) {
	o.logger.Info(entry.Message,
		slog.String("type", string(entry.Type)),
		slog.String("method", entry.Method),
		slog.String("url", entry.URL),
		slog.String("plugin", entry.PluginName),
		slog.String("request_id", tx.ID.String()))

	o.recorder.Record(entry)

	responsePhase := tx.State == StateResponsePhase || tx.State == StateCompleted
	for _, p := range o.registry.Active() {
		if responsePhase {
			if obs, ok := p.(ports.ResponseLogObserver); ok {
				o.safeObserve(p.Name(), func() { obs.OnResponseLog(ctx, entry) })
			}
		} else {
			if obs, ok := p.(ports.RequestLogObserver); ok {
				o.safeObserve(p.Name(), func() { obs.OnRequestLog(ctx, entry) })
			}
		}
	}
}

// EmitGlobal publishes an entry not tied to a transaction, such as the
// skipped-URL log for unwatched traffic. It reaches structured output and
// the recording buffer but no per-transaction observers.
func (o *Orchestrator) EmitGlobal(entry *domain.RequestLog) {
	o.logger.Info(entry.Message,
		slog.String("type", string(entry.Type)),
		slog.String("method", entry.Method),
		slog.String("url", entry.URL))
	o.recorder.Record(entry)
}

// DispatchRecordingStop runs every after-recording-stop hook over the
// session's buffered entries, in registration order, with the same failure
// isolation as the phases.
func (o *Orchestrator) DispatchRecordingStop(ctx context.Context, sessionID string, entries []*domain.RequestLog) {
	args := &ports.RecordingArgs{
		SessionID: sessionID,
		Entries:   entries,
		Global:    o.store.Global(),
	}
	for _, p := range o.registry.Active() {
		handler, ok := p.(ports.RecordingStopHandler)
		if !ok {
			continue
		}
		if err := o.safeRecordingStop(ctx, handler, args); err != nil {
			o.logger.Error("plugin recording-stop handler failed",
				slog.String("plugin", p.Name()),
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) safeHandleRequest(ctx context.Context, h ports.RequestHandler, args *ports.RequestArgs) (result *ports.PluginResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h.HandleRequest(ctx, args)
}

func (o *Orchestrator) safeHandleResponse(ctx context.Context, h ports.ResponseHandler, args *ports.ResponseArgs) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h.HandleResponse(ctx, args)
}

func (o *Orchestrator) safeRecordingStop(ctx context.Context, h ports.RecordingStopHandler, args *ports.RecordingArgs) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h.AfterRecordingStop(ctx, args)
}

func (o *Orchestrator) safeObserve(plugin string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("plugin log observer panicked",
				slog.String("plugin", plugin),
				slog.String("panic", fmt.Sprint(rec)))
		}
	}()
	fn()
}
