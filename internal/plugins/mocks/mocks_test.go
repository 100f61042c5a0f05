package mocks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/store"
)

func writeMockFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mocks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write mock file: %v", err)
	}
	return path
}

func loadedPlugin(t *testing.T, content string) *Plugin {
	t.Helper()
	p := New()
	if err := p.LoadOptions(map[string]any{"file": writeMockFile(t, content)}); err != nil {
		t.Fatalf("LoadOptions error: %v", err)
	}
	return p
}

func newArgs(method, rawURL string) *ports.RequestArgs {
	u, _ := url.Parse(rawURL)
	return &ports.RequestArgs{
		ID:      domain.NewRequestID(),
		Request: &domain.Request{Method: method, URL: u, Header: http.Header{}},
		State:   ports.NewResponseState(),
		Data:    store.NewBag(),
		Global:  store.NewBag(),
		Log:     func(*domain.RequestLog) {},
	}
}

func TestServeMatchingMock(t *testing.T) {
	p := loadedPlugin(t, `
mocks:
  - url: "https://api.example.com/users/*"
    method: GET
    response:
      statusCode: 200
      headers:
        X-Mock: "yes"
      body:
        displayName: Megan Bowen
`)

	result, err := p.HandleRequest(context.Background(), newArgs(http.MethodGet, "https://api.example.com/users/42"))
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}
	resp, ok := result.Response()
	if !ok {
		t.Fatal("expected a mocked response")
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Mock") != "yes" {
		t.Error("mock header missing")
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["displayName"] != "Megan Bowen" {
		t.Errorf("body = %v", body)
	}
}

func TestMethodGating(t *testing.T) {
	p := loadedPlugin(t, `
mocks:
  - url: "https://api.example.com/items"
    method: POST
    response:
      statusCode: 201
`)
	result, err := p.HandleRequest(context.Background(), newArgs(http.MethodGet, "https://api.example.com/items"))
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}
	if _, ok := result.Response(); ok {
		t.Error("mock with method POST served a GET")
	}
}

func TestNthHitGating(t *testing.T) {
	p := loadedPlugin(t, `
mocks:
  - url: "https://api.example.com/items"
    nth: 2
    response:
      statusCode: 503
`)
	args := func() *ports.RequestArgs { return newArgs(http.MethodGet, "https://api.example.com/items") }

	result, _ := p.HandleRequest(context.Background(), args())
	if _, ok := result.Response(); ok {
		t.Error("nth=2 mock served on first hit")
	}
	result, _ = p.HandleRequest(context.Background(), args())
	resp, ok := result.Response()
	if !ok || resp.StatusCode != 503 {
		t.Error("nth=2 mock not served on second hit")
	}
	result, _ = p.HandleRequest(context.Background(), args())
	if _, ok := result.Response(); ok {
		t.Error("nth=2 mock served on third hit")
	}
}

func TestDynamicTokens(t *testing.T) {
	p := loadedPlugin(t, `
mocks:
  - url: "https://api.example.com/echo"
    response:
      body:
        id: placeholder
        source: placeholder
      dynamic:
        id: "@requestId"
        source: "@url"
`)
	args := newArgs(http.MethodGet, "https://api.example.com/echo")
	result, err := p.HandleRequest(context.Background(), args)
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}
	resp, ok := result.Response()
	if !ok {
		t.Fatal("expected a mocked response")
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["id"] != args.ID.String() {
		t.Errorf("id = %q, want the request id", body["id"])
	}
	if body["source"] != "https://api.example.com/echo" {
		t.Errorf("source = %q", body["source"])
	}
}

func TestDefaultStatusAndBody(t *testing.T) {
	p := loadedPlugin(t, `
mocks:
  - url: "https://api.example.com/empty"
    response: {}
`)
	result, _ := p.HandleRequest(context.Background(), newArgs(http.MethodGet, "https://api.example.com/empty"))
	resp, ok := result.Response()
	if !ok {
		t.Fatal("expected a mocked response")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("default status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "{}" {
		t.Errorf("default body = %s", resp.Body)
	}
}

func TestBodyFileReference(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "user.json"), []byte(`{"id":7}`), 0o644); err != nil {
		t.Fatalf("write body file: %v", err)
	}
	mockPath := filepath.Join(dir, "mocks.yaml")
	content := `
mocks:
  - url: "https://api.example.com/users/7"
    response:
      body: "@user.json"
`
	if err := os.WriteFile(mockPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write mock file: %v", err)
	}

	p := New()
	if err := p.LoadOptions(map[string]any{"file": mockPath}); err != nil {
		t.Fatalf("LoadOptions error: %v", err)
	}

	result, _ := p.HandleRequest(context.Background(), newArgs(http.MethodGet, "https://api.example.com/users/7"))
	resp, ok := result.Response()
	if !ok {
		t.Fatal("expected a mocked response")
	}
	if string(resp.Body) != `{"id":7}` {
		t.Errorf("body = %s", resp.Body)
	}

	// A dangling reference disables the plugin at load time.
	bad := writeMockFile(t, `
mocks:
  - url: "*"
    response:
      body: "@missing.json"
`)
	if err := New().LoadOptions(map[string]any{"file": bad}); err == nil {
		t.Error("dangling body reference did not error")
	}
}

func TestOwnershipRespected(t *testing.T) {
	p := loadedPlugin(t, `
mocks:
  - url: "*"
    response:
      statusCode: 200
`)
	args := newArgs(http.MethodGet, "https://api.example.com/items")
	args.State.TrySet()
	result, _ := p.HandleRequest(context.Background(), args)
	if _, ok := result.Response(); ok {
		t.Error("mock served after ownership was claimed")
	}
}

func TestLoadOptionsErrors(t *testing.T) {
	if err := New().LoadOptions(map[string]any{}); err == nil {
		t.Error("missing file setting did not error")
	}
	if err := New().LoadOptions(map[string]any{"file": "/nonexistent/mocks.yaml"}); err == nil {
		t.Error("unreadable file did not error")
	}
	bad := writeMockFile(t, "mocks: [")
	if err := New().LoadOptions(map[string]any{"file": bad}); err == nil {
		t.Error("malformed YAML did not error")
	}
}
