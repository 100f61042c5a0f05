package rewrite

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/store"
)

func newArgs(rawURL string) *ports.RequestArgs {
	u, _ := url.Parse(rawURL)
	return &ports.RequestArgs{
		ID:      domain.NewRequestID(),
		Request: &domain.Request{Method: http.MethodGet, URL: u, Header: http.Header{}},
		State:   ports.NewResponseState(),
		Data:    store.NewBag(),
		Global:  store.NewBag(),
		Log:     func(*domain.RequestLog) {},
	}
}

func TestRewriteRulesApplyInOrder(t *testing.T) {
	p := New([]Rule{
		{Pattern: `api\.example\.com`, Replacement: "staging.example.com"},
		{Pattern: `staging\.example\.com/v1`, Replacement: "staging.example.com/v2"},
	})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}

	args := newArgs("https://api.example.com/v1/items")
	result, err := p.HandleRequest(context.Background(), args)
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}

	req, ok := result.Rewritten()
	if !ok {
		t.Fatal("expected a rewritten request")
	}
	if got := req.URL.String(); got != "https://staging.example.com/v2/items" {
		t.Errorf("rewritten URL = %q", got)
	}
	// The inbound request is untouched; rewrites return a new request.
	if args.Request.URL.String() != "https://api.example.com/v1/items" {
		t.Error("original request mutated")
	}
}

func TestRewriteCaptureGroups(t *testing.T) {
	p := New([]Rule{
		{Pattern: `https://api\.example\.com/users/(\d+)`, Replacement: "https://api.example.com/v2/users/$1"},
	})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}

	result, err := p.HandleRequest(context.Background(), newArgs("https://api.example.com/users/42"))
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}
	req, ok := result.Rewritten()
	if !ok {
		t.Fatal("expected a rewritten request")
	}
	if got := req.URL.String(); got != "https://api.example.com/v2/users/42" {
		t.Errorf("rewritten URL = %q", got)
	}
}

func TestNoMatchContinuesUnchanged(t *testing.T) {
	p := New([]Rule{{Pattern: `other\.example\.com`, Replacement: "elsewhere.example.com"}})
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init error: %v", err)
	}

	result, err := p.HandleRequest(context.Background(), newArgs("https://api.example.com/items"))
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}
	if _, ok := result.Rewritten(); ok {
		t.Error("unchanged URL reported as rewritten")
	}
	if _, ok := result.Response(); ok {
		t.Error("rewrite plugin produced a terminal response")
	}
}

func TestInvalidPatternFailsInit(t *testing.T) {
	p := New([]Rule{{Pattern: `(`, Replacement: "x"}})
	if err := p.Init(context.Background()); err == nil {
		t.Fatal("expected Init error for invalid pattern")
	}
}
