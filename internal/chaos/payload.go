package chaos

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snareproxy/snare/internal/core/domain"
)

// exposeHeaders is the Access-Control-Expose-Headers allow-list sent with
// CORS-enabled error responses.
const exposeHeaders = "ETag, Location, Preference-Applied, Content-Range, request-id, client-request-id, Retry-After"

// statusNames are the CamelCase status identifiers used for the error code.
// The wire format inserts a space before each capital.
var statusNames = map[int]string{
	http.StatusTooManyRequests:     "TooManyRequests",
	http.StatusInternalServerError: "InternalServerError",
	http.StatusBadGateway:          "BadGateway",
	http.StatusServiceUnavailable:  "ServiceUnavailable",
	http.StatusGatewayTimeout:      "GatewayTimeout",
	http.StatusInsufficientStorage: "InsufficientStorage",
	http.StatusFailedDependency:    "FailedDependency",
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	InnerError innerError `json:"innerError"`
}

type innerError struct {
	RequestID string `json:"requestId"`
	Date      string `json:"date"`
}

// statusName returns the wire-level error code for a status: the CamelCase
// status identifier with a space inserted before each capital.
func statusName(status int) string {
	name, ok := statusNames[status]
	if !ok {
		name = strings.ReplaceAll(http.StatusText(status), " ", "")
	}
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// errorResponse builds the protocol-correct synthetic failure for a request.
// retryAfter > 0 adds the Retry-After header; it is only passed for the
// throttling status.
func (e *Engine) errorResponse(req *domain.Request, status, retryAfter int) *domain.Response {
	requestID := uuid.New().String()
	now := e.now().UTC()

	body, _ := json.Marshal(errorBody{
		Error: errorDetail{
			Code:    statusName(status),
			Message: "Some error was generated by the proxy.",
			InnerError: innerError{
				RequestID: requestID,
				Date:      now.Format(time.RFC3339),
			},
		},
	})

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("request-id", requestID)
	header.Set("client-request-id", requestID)
	header.Set("Date", now.Format(http.TimeFormat))
	if retryAfter > 0 && status == StatusThrottled {
		header.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	applyCORS(header, req)

	return &domain.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
	}
}

// applyCORS adds the CORS headers whenever the inbound request carried an
// Origin header.
func applyCORS(header http.Header, req *domain.Request) {
	if req == nil || req.Header.Get("Origin") == "" {
		return
	}
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Expose-Headers", exposeHeaders)
}
