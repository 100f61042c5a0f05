package chaos

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/store"
)

// isBatch reports whether the request uses the batch convention: a POST whose
// path ends in $batch and whose body carries a requests array.
func isBatch(req *domain.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.Method, http.MethodPost) &&
		strings.HasSuffix(strings.ToLower(req.URL.Path), "/$batch")
}

// batchElement is one entry of the outer response's responses array.
type batchElement struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

type batchBody struct {
	Responses []batchElement `json:"responses"`
}

// handleBatch unpacks the sub-requests and runs the throttle check and random
// draw independently for each, against its own workload key and method pool.
// The outer response always carries the fixed dependency-failed status with a
// results array of equal length. When the failure rate is zero and no
// sub-request hits an armed throttle, the batch passes through untouched.
func (e *Engine) handleBatch(ctx context.Context, args *ports.RequestArgs) (*ports.PluginResponse, error) {
	subs := gjson.GetBytes(args.Request.Body, "requests").Array()
	if len(subs) == 0 {
		return ports.Continue(), nil
	}

	table := store.EnsureThrottleTable(args.Global)
	handled := e.cfg.FailureRate > 0
	elements := make([]batchElement, 0, len(subs))

	for _, sub := range subs {
		id := sub.Get("id").String()
		method := sub.Get("method").String()
		key := subWorkloadKey(args.Request.URL, sub.Get("url").String())
		now := e.now()

		if entry, ok := table.Peek(key, now); ok {
			retryAfter := remainingSeconds(entry.NotBefore, now)
			table.Arm(key, now, e.cfg.RetryAfter)
			elements = append(elements, e.failedElement(id, StatusThrottled, retryAfter))
			handled = true
			continue
		}

		status, failed := e.draw(method)
		if !failed {
			elements = append(elements, batchElement{
				ID:     id,
				Status: http.StatusOK,
				Body:   json.RawMessage(`{}`),
			})
			continue
		}

		retryAfter := 0
		if status == StatusThrottled {
			table.Arm(key, now, e.cfg.RetryAfter)
			retryAfter = remainingSeconds(now.Add(e.cfg.RetryAfter), now)
		}
		elements = append(elements, e.failedElement(id, status, retryAfter))
	}

	if !handled {
		return ports.Continue(), nil
	}

	e.log(args.Log, domain.MessageChaos, args.Request,
		"batch failed: "+strconv.Itoa(len(elements))+" sub-requests evaluated")

	resp := e.errorResponse(args.Request, http.StatusFailedDependency, 0)
	body, _ := json.Marshal(batchBody{Responses: elements})
	resp.Body = body
	return ports.Respond(resp), nil
}

// failedElement builds one failed sub-response carrying the standard error
// body shape.
func (e *Engine) failedElement(id string, status, retryAfter int) batchElement {
	inner := e.errorResponse(nil, status, retryAfter)
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if retryAfter > 0 && status == StatusThrottled {
		headers["Retry-After"] = strconv.Itoa(retryAfter)
	}
	return batchElement{
		ID:      id,
		Status:  status,
		Headers: headers,
		Body:    json.RawMessage(inner.Body),
	}
}

// subWorkloadKey resolves a sub-request URL, which may be relative to the
// batch endpoint, and derives its workload key.
func subWorkloadKey(outer *url.URL, raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return WorkloadKey(outer)
	}
	if u.Host == "" && outer != nil {
		resolved := *u
		resolved.Host = outer.Host
		resolved.Scheme = outer.Scheme
		u = &resolved
	}
	key := WorkloadKey(u)
	if key == "" {
		key = WorkloadKey(outer)
	}
	return key
}
