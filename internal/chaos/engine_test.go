package chaos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// seqRand returns the given values in order, then repeats the last one.
func seqRand(values ...int) func(int) int {
	i := 0
	return func(n int) int {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		return v % n
	}
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

func mustResponse(t *testing.T, result *ports.PluginResponse) *domain.Response {
	t.Helper()
	resp, ok := result.Response()
	if !ok {
		t.Fatal("expected a terminal response")
	}
	return resp
}

type errorPayload struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		InnerError struct {
			RequestID string `json:"requestId"`
			Date      string `json:"date"`
		} `json:"innerError"`
	} `json:"error"`
}

func TestFullRateWithSingleAllowedError(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := New(Config{FailureRate: 100, AllowedErrors: []int{503}},
		WithClock(fixedClock(now)), WithRand(seqRand(0)))

	args := newArgs(http.MethodGet, "https://api.example.com/items")
	resp := mustResponse(t, mustHandle(t, e, args))

	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	var payload errorPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if payload.Error.Code != "Service Unavailable" {
		t.Errorf("code = %q, want %q", payload.Error.Code, "Service Unavailable")
	}
	if payload.Error.Message != "Some error was generated by the proxy." {
		t.Errorf("unexpected message %q", payload.Error.Message)
	}
	if payload.Error.InnerError.RequestID == "" {
		t.Error("innerError.requestId missing")
	}
	if payload.Error.InnerError.Date != now.Format(time.RFC3339) {
		t.Errorf("innerError.date = %q", payload.Error.InnerError.Date)
	}

	if resp.Header.Get("request-id") != payload.Error.InnerError.RequestID {
		t.Error("request-id header does not match body")
	}
	if resp.Header.Get("client-request-id") != resp.Header.Get("request-id") {
		t.Error("client-request-id differs from request-id")
	}
	if resp.Header.Get("Date") != now.Format(http.TimeFormat) {
		t.Errorf("Date header = %q", resp.Header.Get("Date"))
	}
	if resp.Header.Get("Retry-After") != "" {
		t.Error("Retry-After set on a non-throttle error")
	}
}

func TestZeroRatePassesThrough(t *testing.T) {
	e := New(Config{FailureRate: 0}, WithRand(seqRand(0)))
	args := newArgs(http.MethodGet, "https://api.example.com/items")

	result := mustHandle(t, e, args)
	if _, ok := result.Response(); ok {
		t.Error("zero failure rate produced a response")
	}
}

func TestZeroRateStillHonorsThrottle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := New(Config{FailureRate: 0, RetryAfter: 5 * time.Second}, WithClock(fixedClock(now)))

	args := newArgs(http.MethodGet, "https://api.example.com/orders/1")
	table := store.EnsureThrottleTable(args.Global)
	table.Arm("orders", now, 5*time.Second)

	resp := mustResponse(t, mustHandle(t, e, args))
	if resp.StatusCode != StatusThrottled {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "5" {
		t.Errorf("Retry-After = %q, want 5", resp.Header.Get("Retry-After"))
	}
}

func TestThrottleDrawArmsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := New(Config{FailureRate: 100, AllowedErrors: []int{429}, RetryAfter: 5 * time.Second},
		WithClock(fixedClock(now)), WithRand(seqRand(0)))

	args := newArgs(http.MethodGet, "https://api.example.com/orders/1")
	resp := mustResponse(t, mustHandle(t, e, args))
	if resp.StatusCode != StatusThrottled {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "5" {
		t.Errorf("Retry-After = %q, want 5", resp.Header.Get("Retry-After"))
	}

	table := store.EnsureThrottleTable(args.Global)
	if _, ok := table.Peek("orders", now.Add(4*time.Second)); !ok {
		t.Error("throttle window not armed for the workload key")
	}
}

func TestThrottleIsPerWorkloadKey(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := New(Config{FailureRate: 0, RetryAfter: 5 * time.Second}, WithClock(fixedClock(now)))

	global := store.NewBag()
	table := store.EnsureThrottleTable(global)
	table.Arm("orders", now, 5*time.Second)

	// Same key, different resource id: throttled.
	throttled := newArgs(http.MethodGet, "https://api.example.com/orders/2")
	throttled.Global = global
	resp := mustResponse(t, mustHandle(t, e, throttled))
	if resp.StatusCode != StatusThrottled {
		t.Errorf("status for same workload = %d, want 429", resp.StatusCode)
	}

	// Different first segment: unaffected.
	other := newArgs(http.MethodGet, "https://api.example.com/users/2")
	other.Global = global
	if _, ok := mustHandle(t, e, other).Response(); ok {
		t.Error("throttle leaked across workload keys")
	}
}

func TestThrottledRetryReArmsWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	e := New(Config{FailureRate: 0, RetryAfter: 5 * time.Second},
		WithClock(func() time.Time { return clock }))

	global := store.NewBag()
	table := store.EnsureThrottleTable(global)
	table.Arm("orders", base, 5*time.Second)

	// Retry 3s into the window: rejected, and the window restarts from now.
	clock = base.Add(3 * time.Second)
	args := newArgs(http.MethodGet, "https://api.example.com/orders/1")
	args.Global = global
	resp := mustResponse(t, mustHandle(t, e, args))
	if resp.StatusCode != StatusThrottled {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	// Remaining window was 2s; Retry-After reflects the live window, rounded up.
	if resp.Header.Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", resp.Header.Get("Retry-After"))
	}

	// The retry re-armed a full window from the retry instant.
	if _, ok := table.Peek("orders", base.Add(7*time.Second)); !ok {
		t.Error("retry did not re-arm the window")
	}
}

func TestThrottleDeadlineNeverShortens(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	e := New(Config{FailureRate: 100, AllowedErrors: []int{429}, RetryAfter: 5 * time.Second},
		WithClock(func() time.Time { return clock }), WithRand(seqRand(0)))

	global := store.NewBag()

	first := newArgs(http.MethodGet, "https://api.example.com/orders/1")
	first.Global = global
	resp := mustResponse(t, mustHandle(t, e, first))
	if resp.StatusCode != StatusThrottled {
		t.Fatalf("first status = %d, want 429", resp.StatusCode)
	}
	table := store.EnsureThrottleTable(global)
	firstEntry, _ := table.Peek("orders", clock)

	// Two seconds later the same workload is rejected again, and the
	// deadline only moves forward.
	clock = base.Add(2 * time.Second)
	second := newArgs(http.MethodGet, "https://api.example.com/orders/2")
	second.Global = global
	resp = mustResponse(t, mustHandle(t, e, second))
	if resp.StatusCode != StatusThrottled {
		t.Fatalf("second status = %d, want 429", resp.StatusCode)
	}
	secondEntry, ok := table.Peek("orders", clock)
	if !ok {
		t.Fatal("window gone after second rejection")
	}
	if secondEntry.NotBefore.Before(firstEntry.NotBefore) {
		t.Errorf("deadline shortened: %v -> %v", firstEntry.NotBefore, secondEntry.NotBefore)
	}
}

func TestOwnershipAlreadyClaimed(t *testing.T) {
	e := New(Config{FailureRate: 100})
	args := newArgs(http.MethodGet, "https://api.example.com/items")
	args.State.TrySet()

	result := mustHandle(t, e, args)
	if _, ok := result.Response(); ok {
		t.Error("engine produced a response after ownership was claimed")
	}
}

func TestAllowedErrorsFilterEmptyPoolPassesThrough(t *testing.T) {
	// 418 is in no method pool, so filtering leaves nothing to draw.
	e := New(Config{FailureRate: 100, AllowedErrors: []int{418}}, WithRand(seqRand(0)))
	args := newArgs(http.MethodGet, "https://api.example.com/items")

	if _, ok := mustHandle(t, e, args).Response(); ok {
		t.Error("empty filtered pool still produced a failure")
	}
}

func TestMethodPools(t *testing.T) {
	if contains(poolFor(http.MethodGet), http.StatusInsufficientStorage) {
		t.Error("GET pool contains 507")
	}
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		if !contains(poolFor(m), http.StatusInsufficientStorage) {
			t.Errorf("%s pool missing 507", m)
		}
	}
	if contains(poolFor(http.MethodPatch), http.StatusInsufficientStorage) {
		t.Error("PATCH pool contains 507")
	}
	// Unknown methods use the GET pool.
	if len(poolFor("PROPFIND")) != len(poolFor(http.MethodGet)) {
		t.Error("unknown method did not fall back to the GET pool")
	}
}

func TestCORSHeadersOnOriginRequests(t *testing.T) {
	e := New(Config{FailureRate: 100, AllowedErrors: []int{500}}, WithRand(seqRand(0)))

	args := newArgs(http.MethodGet, "https://api.example.com/items")
	args.Request.Header.Set("Origin", "https://app.example.com")
	resp := mustResponse(t, mustHandle(t, e, args))

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	if resp.Header.Get("Access-Control-Expose-Headers") != exposeHeaders {
		t.Error("missing Access-Control-Expose-Headers")
	}

	// No Origin header, no CORS headers.
	plain := newArgs(http.MethodGet, "https://api.example.com/items")
	resp = mustResponse(t, mustHandle(t, e, plain))
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers added without an Origin header")
	}
}

func TestWorkloadKey(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://api.example.com/orders/1", "orders"},
		{"https://api.example.com/Orders", "orders"},
		{"https://api.example.com//users//5", "users"},
		{"https://api.example.com/", "api.example.com"},
		{"https://api.example.com", "api.example.com"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.rawURL)
		if got := WorkloadKey(u); got != tt.want {
			t.Errorf("WorkloadKey(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
	if WorkloadKey(nil) != "" {
		t.Error("WorkloadKey(nil) not empty")
	}
}

func TestStatusName(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{429, "Too Many Requests"},
		{500, "Internal Server Error"},
		{502, "Bad Gateway"},
		{503, "Service Unavailable"},
		{504, "Gateway Timeout"},
		{507, "Insufficient Storage"},
		{424, "Failed Dependency"},
	}
	for _, tt := range tests {
		if got := statusName(tt.status); got != tt.want {
			t.Errorf("statusName(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func mustHandle(t *testing.T, e *Engine, args *ports.RequestArgs) *ports.PluginResponse {
	t.Helper()
	result, err := e.HandleRequest(context.Background(), args)
	if err != nil {
		t.Fatalf("HandleRequest error: %v", err)
	}
	return result
}

func contains(pool []int, status int) bool {
	for _, s := range pool {
		if s == status {
			return true
		}
	}
	return false
}
