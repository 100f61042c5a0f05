// Package proxy ties the interception pipeline to HTTP traffic: URL-watch
// gating, request/response phase dispatch and upstream forwarding.
package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/pipeline"
	"github.com/snareproxy/snare/internal/watch"
)

// maxBodyBytes caps how much of an inbound body is buffered for plugins.
const maxBodyBytes = 10 << 20

// Handler serves intercepted traffic. Each request runs its own transaction
// concurrently with others; there is no lock serializing unrelated
// transactions.
type Handler struct {
	orch     *pipeline.Orchestrator
	upstream http.RoundTripper
	logger   *slog.Logger

	mu      sync.RWMutex
	matcher *watch.Matcher
}

// NewHandler builds the traffic handler. upstream defaults to
// http.DefaultTransport.
func NewHandler(matcher *watch.Matcher, orch *pipeline.Orchestrator, upstream http.RoundTripper, logger *slog.Logger) *Handler {
	if upstream == nil {
		upstream = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		matcher:  matcher,
		orch:     orch,
		upstream: upstream,
		logger:   logger,
	}
}

// SetMatcher swaps the watch set, used by config hot-reload.
func (h *Handler) SetMatcher(m *watch.Matcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matcher = m
}

func (h *Handler) currentMatcher() *watch.Matcher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.matcher
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := canonicalize(r)
	if err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	if !h.currentMatcher().Matches(req.URL.String()) {
		h.orch.EmitGlobal(domain.NewRequestLog(
			domain.MessageSkipped, "not watched: "+req.URL.String(), "", req))
		h.passThrough(r.Context(), w, req)
		return
	}

	resp := h.Execute(r.Context(), req)
	writeResponse(w, resp)
}

// Execute runs one matched request through the full pipeline and returns the
// terminal response. Every matched transaction reaches exactly one terminal
// outcome: mocked, passed through or chaos-failed — never a silent hang.
func (h *Handler) Execute(ctx context.Context, req *domain.Request) *domain.Response {
	tx := h.orch.Begin(req, true)
	defer h.orch.Complete(tx)

	h.orch.Emit(ctx, tx, domain.NewRequestLog(
		domain.MessageInterceptedRequest, req.Method+" "+req.URL.String(), "", req))

	h.orch.RunRequestPhase(ctx, tx)

	if !tx.ResponseSet() {
		resp, err := h.forward(ctx, tx.Request)
		if err != nil {
			h.orch.Emit(ctx, tx, domain.NewRequestLog(
				domain.MessageFailed, "upstream unreachable: "+err.Error(), "", tx.Request))
			resp = upstreamFailure()
		} else {
			h.orch.Emit(ctx, tx, domain.NewRequestLog(
				domain.MessagePassedThrough, "forwarded upstream", "", tx.Request))
		}
		h.orch.SetUpstreamResponse(tx, resp)
	}

	h.orch.RunResponsePhase(ctx, tx)

	h.orch.Emit(ctx, tx, domain.NewRequestLog(
		domain.MessageInterceptedResponse, http.StatusText(tx.Response.StatusCode), "", tx.Request))

	return tx.Response
}

// passThrough forwards an unwatched request without plugin dispatch.
func (h *Handler) passThrough(ctx context.Context, w http.ResponseWriter, req *domain.Request) {
	resp, err := h.forward(ctx, req)
	if err != nil {
		h.logger.Error("pass-through forward failed",
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		writeResponse(w, upstreamFailure())
		return
	}
	writeResponse(w, resp)
}

// forward sends the canonical request upstream and converts the result. The
// transaction context rides on the outbound request so a cancelled
// transaction never waits on the upstream.
func (h *Handler) forward(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	out.Header.Del("Connection")

	res, err := h.upstream.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return &domain.Response{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		Body:       body,
	}, nil
}

// canonicalize builds the pipeline's request form from an inbound request,
// reconstructing the absolute URL for plain (non-CONNECT) proxying.
func canonicalize(r *http.Request) (*domain.Request, error) {
	u := *r.URL
	if !u.IsAbs() {
		u.Host = r.Host
		if r.TLS != nil {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	if u.Host == "" {
		return nil, &url.Error{Op: "canonicalize", URL: r.RequestURI, Err: http.ErrMissingFile}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	return &domain.Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// upstreamFailure is the terminal response when the upstream is unreachable,
// so no transaction is left half-completed.
func upstreamFailure() *domain.Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &domain.Response{
		StatusCode: http.StatusBadGateway,
		Header:     header,
		Body:       []byte(`{"error":{"code":"Bad Gateway","message":"The upstream service could not be reached."}}`),
	}
}

func writeResponse(w http.ResponseWriter, resp *domain.Response) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
