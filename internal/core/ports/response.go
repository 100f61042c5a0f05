package ports

import (
	"sync"

	"github.com/snareproxy/snare/internal/core/domain"
)

// ResponseState tracks terminal-response ownership for one transaction. It
// transitions false→true at most once; every plugin invoked after the
// transition observes it as set.
type ResponseState struct {
	mu  sync.Mutex
	set bool
}

// NewResponseState returns an unset state.
func NewResponseState() *ResponseState {
	return &ResponseState{}
}

// TrySet claims ownership. It returns true exactly once; later calls are
// no-ops returning false, never an error.
func (s *ResponseState) TrySet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	return true
}

// HasBeenSet reports whether ownership has been claimed.
func (s *ResponseState) HasBeenSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

type pluginResponseKind int

const (
	kindContinue pluginResponseKind = iota
	kindRespond
)

// PluginResponse is the request-phase hook result: either continue the
// pipeline (optionally with a rewritten request) or supply the terminal
// response. Values are built only through Continue, ContinueWith and Respond
// so an ambiguous result is unrepresentable.
type PluginResponse struct {
	kind      pluginResponseKind
	rewritten *domain.Request
	response  *domain.Response
}

// Continue passes the request through unchanged.
func Continue() *PluginResponse {
	return &PluginResponse{kind: kindContinue}
}

// ContinueWith passes a rewritten request to every subsequent plugin in the
// phase. Rewrites compose left-to-right.
func ContinueWith(req *domain.Request) *PluginResponse {
	return &PluginResponse{kind: kindContinue, rewritten: req}
}

// Respond supplies the terminal response and claims ownership for the
// transaction.
func Respond(resp *domain.Response) *PluginResponse {
	return &PluginResponse{kind: kindRespond, response: resp}
}

// Rewritten returns the rewritten request, if any.
func (r *PluginResponse) Rewritten() (*domain.Request, bool) {
	if r == nil || r.kind != kindContinue || r.rewritten == nil {
		return nil, false
	}
	return r.rewritten, true
}

// Response returns the supplied terminal response, if any.
func (r *PluginResponse) Response() (*domain.Response, bool) {
	if r == nil || r.kind != kindRespond || r.response == nil {
		return nil, false
	}
	return r.response, true
}
