// Package recorder buffers request logs for the duration of a recording
// session, independent of individual request outcomes.
package recorder

import (
	"sync"

	"github.com/google/uuid"

	"github.com/snareproxy/snare/internal/core/domain"
)

// Recorder buffers RequestLog entries between Start and Stop. Transactions
// bracket their log emission with Begin so Stop can wait for in-flight
// logging before handing out the snapshot.
type Recorder struct {
	mu        sync.Mutex
	recording bool
	stopping  bool
	sessionID string
	entries   []*domain.RequestLog
	inflight  sync.WaitGroup
}

// New returns a recorder that is not recording.
func New() *Recorder {
	return &Recorder{}
}

// Start clears the buffer and begins a new session, returning its id.
// Starting while already recording discards the previous buffer.
func (r *Recorder) Start() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	r.stopping = false
	r.sessionID = uuid.New().String()
	r.entries = nil
	return r.sessionID
}

// Recording reports whether a session is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording && !r.stopping
}

// SessionID returns the current session id, or "" when not recording.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ""
	}
	return r.sessionID
}

// Begin registers an in-flight logging section and returns its completion
// func. When no session is active (or a stop is draining) the returned func
// is a no-op and later Record calls from the caller land nowhere.
func (r *Recorder) Begin() func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording || r.stopping {
		return func() {}
	}
	r.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(r.inflight.Done)
	}
}

// Record appends an entry to the active session's buffer. Entries logged
// while no session is active are dropped.
func (r *Recorder) Record(entry *domain.RequestLog) {
	if entry == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.entries = append(r.entries, entry)
}

// Stop ends the session and returns its id and buffered entries. It waits
// for all in-flight logging sections to complete first, so no entry is added
// to the session after the snapshot is handed out. Stopping while not
// recording is a no-op returning an empty set.
func (r *Recorder) Stop() (string, []*domain.RequestLog) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", nil
	}
	r.stopping = true
	r.mu.Unlock()

	r.inflight.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.sessionID
	entries := r.entries
	r.entries = nil
	r.sessionID = ""
	r.recording = false
	r.stopping = false
	return id, entries
}
