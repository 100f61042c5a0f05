package domain

import "time"

// MessageType classifies a RequestLog entry.
type MessageType string

const (
	MessageInterceptedRequest  MessageType = "interceptedRequest"
	MessageInterceptedResponse MessageType = "interceptedResponse"
	MessageMocked              MessageType = "mocked"
	MessageChaos               MessageType = "chaos"
	MessageFailed              MessageType = "failed"
	MessageSkipped             MessageType = "skipped"
	MessageWarning             MessageType = "warning"
	MessageTip                 MessageType = "tip"
	MessagePassedThrough       MessageType = "passedThrough"
	MessageProcessed           MessageType = "processed"
)

// RequestLog is one entry in the interception log. Any plugin may create one
// at any point in a transaction; entries are buffered by the recorder while a
// recording session is active.
type RequestLog struct {
	Message    string      `json:"message"`
	Type       MessageType `json:"messageType"`
	Method     string      `json:"method,omitempty"`
	URL        string      `json:"url,omitempty"`
	PluginName string      `json:"pluginName,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewRequestLog builds an entry stamped with the current time.
func NewRequestLog(t MessageType, message, pluginName string, req *Request) *RequestLog {
	entry := &RequestLog{
		Message:    message,
		Type:       t,
		PluginName: pluginName,
		Timestamp:  time.Now().UTC(),
	}
	if req != nil {
		entry.Method = req.Method
		if req.URL != nil {
			entry.URL = req.URL.String()
		}
	}
	return entry
}
