// Package chaos implements the failure-injection request handler: random
// protocol-correct errors with method-specific status pools and fixed-window
// throttling keyed by workload.
package chaos

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/store"
)

// PluginName identifies the engine in logs and reports.
const PluginName = "chaos"

// StatusThrottled is the throttling status; drawing it arms the workload's
// throttle window.
const StatusThrottled = http.StatusTooManyRequests

// statusPools maps a request method to its candidate failure statuses. An
// unrecognized method falls back to the GET pool.
var statusPools = map[string][]int{
	http.MethodGet:    {429, 500, 502, 503, 504},
	http.MethodPost:   {429, 500, 502, 503, 504, 507},
	http.MethodPut:    {429, 500, 502, 503, 504, 507},
	http.MethodPatch:  {429, 500, 502, 503, 504},
	http.MethodDelete: {429, 500, 502, 503, 504, 507},
}

// Config controls the engine's behavior.
type Config struct {
	// FailureRate is the percentage (0..100) of eligible requests that fail.
	FailureRate int
	// RetryAfter is the fixed throttle window; re-arming uses the same
	// increment rather than exponential back-off, to resist retry storms
	// from a single caller.
	RetryAfter time.Duration
	// AllowedErrors, when non-empty, restricts drawn statuses to this set.
	AllowedErrors []int
}

// Engine is a request handler that decides pass-through vs. random failure
// vs. enforced throttle for matched requests no earlier plugin has claimed.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	intn   func(n int) int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand overrides the random source. intn must behave like rand.Intn.
func WithRand(intn func(n int) int) Option {
	return func(e *Engine) { e.intn = intn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New builds an engine. Defaults: real clock, seeded math/rand source,
// slog.Default.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		intn:   rng.Intn,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ports.Plugin.
func (e *Engine) Name() string { return PluginName }

// HandleRequest implements ports.RequestHandler.
func (e *Engine) HandleRequest(ctx context.Context, args *ports.RequestArgs) (*ports.PluginResponse, error) {
	// Respect response ownership claimed earlier in the phase.
	if args.State.HasBeenSet() {
		return ports.Continue(), nil
	}

	if isBatch(args.Request) {
		return e.handleBatch(ctx, args)
	}

	key := WorkloadKey(args.Request.URL)
	table := store.EnsureThrottleTable(args.Global)
	now := e.now()

	// An armed throttle wins over the random draw.
	if entry, ok := table.Peek(key, now); ok {
		retryAfter := remainingSeconds(entry.NotBefore, now)
		table.Arm(key, now, e.cfg.RetryAfter)
		e.log(args.Log, domain.MessageChaos, args.Request,
			"throttled: "+key)
		return ports.Respond(e.errorResponse(args.Request, StatusThrottled, retryAfter)), nil
	}

	status, ok := e.draw(args.Request.Method)
	if !ok {
		e.log(args.Log, domain.MessagePassedThrough, args.Request, "passed through")
		return ports.Continue(), nil
	}
	if status == StatusThrottled {
		table.Arm(key, now, e.cfg.RetryAfter)
		e.log(args.Log, domain.MessageChaos, args.Request,
			"throttle armed: "+key)
		return ports.Respond(e.errorResponse(args.Request, status, int(math.Ceil(e.cfg.RetryAfter.Seconds())))), nil
	}

	e.log(args.Log, domain.MessageChaos, args.Request, "injected failure "+http.StatusText(status))
	return ports.Respond(e.errorResponse(args.Request, status, 0)), nil
}

// draw rolls 1..100 against the failure rate and, on failure, picks a status
// uniformly from the method's pool filtered by the allow-list.
func (e *Engine) draw(method string) (int, bool) {
	if e.cfg.FailureRate <= 0 {
		return 0, false
	}
	if e.intn(100)+1 > e.cfg.FailureRate {
		return 0, false
	}
	pool := poolFor(method)
	pool = e.filterAllowed(pool)
	if len(pool) == 0 {
		return 0, false
	}
	return pool[e.intn(len(pool))], true
}

func poolFor(method string) []int {
	if pool, ok := statusPools[strings.ToUpper(method)]; ok {
		return pool
	}
	return statusPools[http.MethodGet]
}

func (e *Engine) filterAllowed(pool []int) []int {
	if len(e.cfg.AllowedErrors) == 0 {
		return pool
	}
	allowed := make(map[int]struct{}, len(e.cfg.AllowedErrors))
	for _, s := range e.cfg.AllowedErrors {
		allowed[s] = struct{}{}
	}
	filtered := make([]int, 0, len(pool))
	for _, s := range pool {
		if _, ok := allowed[s]; ok {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// WorkloadKey derives the throttle-window key for a URL: the first non-empty
// path segment, or the host when the path is too short.
func WorkloadKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	for _, segment := range strings.Split(u.Path, "/") {
		if segment != "" {
			return strings.ToLower(segment)
		}
	}
	return strings.ToLower(u.Host)
}

// remainingSeconds is the whole-seconds Retry-After value, rounded up so a
// compliant client never retries inside the window.
func remainingSeconds(notBefore, now time.Time) int {
	secs := int(math.Ceil(notBefore.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (e *Engine) log(sink func(*domain.RequestLog), t domain.MessageType, req *domain.Request, message string) {
	entry := domain.NewRequestLog(t, message, PluginName, req)
	if sink != nil {
		sink(entry)
		return
	}
	e.logger.Info(entry.Message,
		slog.String("type", string(entry.Type)),
		slog.String("method", entry.Method),
		slog.String("url", entry.URL),
		slog.String("plugin", entry.PluginName))
}
