// Package api exposes the control surface an external controller drives the
// proxy through: recording control, synthetic mock requests and state.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/pipeline"
	"github.com/snareproxy/snare/internal/proxy"
	"github.com/snareproxy/snare/internal/recorder"
	"github.com/snareproxy/snare/internal/report"
)

// Server is the control-plane HTTP handler.
type Server struct {
	router   *chi.Mux
	logger   *slog.Logger
	recorder *recorder.Recorder
	orch     *pipeline.Orchestrator
	registry *pipeline.Registry
	proxy    *proxy.Handler
	reports  report.Store
}

// New wires the control plane. reports may be nil when persistence is
// disabled.
func New(logger *slog.Logger, rec *recorder.Recorder, orch *pipeline.Orchestrator, registry *pipeline.Registry, proxyHandler *proxy.Handler, reports report.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		recorder: rec,
		orch:     orch,
		registry: registry,
		proxy:    proxyHandler,
		reports:  reports,
	}

	r := chi.NewRouter()
	r.Post("/recording/start", s.startRecording)
	r.Post("/recording/stop", s.stopRecording)
	r.Post("/mock-request", s.mockRequest)
	r.Get("/state", s.state)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	sessionID := s.recorder.Start()
	s.logger.Info("recording started", slog.String("session_id", sessionID))
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

// stopRecording is the quiescence point: the recorder drains in-flight
// logging, then the after-recording-stop hooks run over the snapshot before
// it is returned and persisted.
func (s *Server) stopRecording(w http.ResponseWriter, r *http.Request) {
	sessionID, entries := s.recorder.Stop()
	if sessionID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": "", "logs": []*domain.RequestLog{}})
		return
	}

	s.orch.DispatchRecordingStop(r.Context(), sessionID, entries)

	if s.reports != nil {
		if err := s.reports.SaveSession(r.Context(), sessionID, entries); err != nil {
			s.logger.Error("failed to persist session",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}

	if entries == nil {
		entries = []*domain.RequestLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "logs": entries})
}

type mockRequestBody struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"headers"`
	Body   string            `json:"body"`
}

// mockRequest pushes a synthetic request through the full pipeline and
// returns the terminal outcome, letting a controller exercise plugins
// without a live client.
func (s *Server) mockRequest(w http.ResponseWriter, r *http.Request) {
	var body mockRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}
	u, err := url.Parse(body.URL)
	if err != nil || !u.IsAbs() {
		http.Error(w, "url must be absolute", http.StatusBadRequest)
		return
	}

	req := &domain.Request{
		Method: body.Method,
		URL:    u,
		Header: http.Header{},
		Body:   []byte(body.Body),
	}
	for k, v := range body.Header {
		req.Header.Set(k, v)
	}

	resp := s.proxy.Execute(r.Context(), req)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeader(resp.Header),
		"body":    string(resp.Body),
	})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	disabled := make(map[string]string)
	for name, err := range s.registry.Disabled() {
		disabled[name] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recording": s.recorder.Recording(),
		"sessionId": s.recorder.SessionID(),
		"plugins":   s.registry.Names(),
		"disabled":  disabled,
	})
}

func flattenHeader(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k := range h {
		flat[k] = h.Get(k)
	}
	return flat
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
