// Package domain defines the canonical request/response types shared by the
// interception pipeline and its plugins.
package domain

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// RequestID correlates one intercepted transaction across plugin calls,
// request-scoped storage and log entries. It is created at interception time.
type RequestID = uuid.UUID

// NewRequestID returns a fresh transaction identifier.
func NewRequestID() RequestID {
	return uuid.New()
}

// Request is the canonical form of an intercepted HTTP request. Plugins that
// rewrite a request return a new Request; the original is never mutated in
// place so that rewrites compose left-to-right across the pipeline.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy of the request safe to mutate independently.
func (r *Request) Clone() *Request {
	clone := &Request{
		Method: r.Method,
		Header: r.Header.Clone(),
	}
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}
	return clone
}

// Response is the canonical form of the terminal response for a transaction,
// whether produced by a plugin or returned by the upstream service.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
