// Package session correlates long-lived client connections with
// in-flight task ids so asynchronous callbacks find their way back to
// the right open connection, and durably spools results whose session
// disconnected before completion.
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/bus"
)

// Pusher delivers a payload over an open client connection. The
// websocket gateway implements it; tests substitute a recorder.
type Pusher interface {
	Push(ctx context.Context, payload []byte) error
}

// ConnectionRecord tracks one live session.
type ConnectionRecord struct {
	ConnectionID string
	SessionID    string
	TenantID     string
	TenantTier   bus.Tier
	LastActivity time.Time

	pusher Pusher
}

// Table is the lock-guarded connection and task index. It is injected
// into every component that needs it; tests instantiate isolated
// tables per case.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*ConnectionRecord // keyed by session id
	tasks    map[string]string            // task id -> session id
	logger   *slog.Logger
}

// NewTable creates an empty table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		sessions: make(map[string]*ConnectionRecord),
		tasks:    make(map[string]string),
		logger:   logger.With("component", "session"),
	}
}

// Connect registers an open connection for a session, replacing any
// previous connection under the same session id.
func (t *Table) Connect(rec ConnectionRecord, p Pusher) {
	rec.pusher = p
	rec.LastActivity = time.Now()
	t.mu.Lock()
	t.sessions[rec.SessionID] = &rec
	t.mu.Unlock()
	t.logger.Info("session connected", "session_id", rec.SessionID, "connection_id", rec.ConnectionID)
}

// Disconnect removes the connection for a session. Task bindings stay:
// a completion arriving later is spooled for reconnect, not dropped.
func (t *Table) Disconnect(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	t.logger.Info("session disconnected", "session_id", sessionID)
}

// Touch refreshes a session's last-activity timestamp on heartbeat or
// traffic.
func (t *Table) Touch(sessionID string) {
	t.mu.Lock()
	if rec, ok := t.sessions[sessionID]; ok {
		rec.LastActivity = time.Now()
	}
	t.mu.Unlock()
}

// Lookup returns the pusher for a connected session.
func (t *Table) Lookup(sessionID string) (Pusher, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sessions[sessionID]
	if !ok || rec.pusher == nil {
		return nil, false
	}
	return rec.pusher, true
}

// BindTask records that a task belongs to a session.
func (t *Table) BindTask(taskID, sessionID string) {
	t.mu.Lock()
	t.tasks[taskID] = sessionID
	t.mu.Unlock()
}

// ResolveTask maps a completed task back to its session and drops the
// binding.
func (t *Table) ResolveTask(taskID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessionID, ok := t.tasks[taskID]
	if ok {
		delete(t.tasks, taskID)
	}
	return sessionID, ok
}

// SweepIdle disconnects sessions inactive for longer than maxIdle and
// returns how many were removed. Swept pushers that implement
// io.Closer are closed, so the client sees the disconnect instead of
// holding a socket whose completions now spool.
func (t *Table) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	t.mu.Lock()
	var swept []*ConnectionRecord
	for id, rec := range t.sessions {
		if rec.LastActivity.Before(cutoff) {
			delete(t.sessions, id)
			swept = append(swept, rec)
		}
	}
	t.mu.Unlock()

	for _, rec := range swept {
		if c, ok := rec.pusher.(io.Closer); ok {
			if err := c.Close(); err != nil {
				t.logger.Warn("closing idle connection", "session_id", rec.SessionID, "error", err)
			}
		}
	}
	if len(swept) > 0 {
		t.logger.Info("idle sessions swept", "count", len(swept))
	}
	return len(swept)
}

// Len reports the number of connected sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
