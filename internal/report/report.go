// Package report defines the sink recording sessions are persisted through.
package report

import (
	"context"

	"github.com/snareproxy/snare/internal/core/domain"
)

// Session is one persisted recording session.
type Session struct {
	ID        string
	StoppedAt string
	Entries   int
}

// Store persists stopped recording sessions for later analysis.
type Store interface {
	SaveSession(ctx context.Context, sessionID string, entries []*domain.RequestLog) error
	ListSessions(ctx context.Context) ([]Session, error)
	SessionEntries(ctx context.Context, sessionID string) ([]*domain.RequestLog, error)
	Close() error
}
