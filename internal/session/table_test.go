package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wirebus/wirebus/internal/bus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorderPusher captures pushed payloads; fail makes every push error.
type recorderPusher struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     error
}

func (p *recorderPusher) Push(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

func (p *recorderPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func record(sessionID string) ConnectionRecord {
	return ConnectionRecord{
		ConnectionID: "conn-" + sessionID,
		SessionID:    sessionID,
		TenantID:     "t-1",
		TenantTier:   bus.TierFree,
	}
}

func TestConnectLookupDisconnect(t *testing.T) {
	table := NewTable(newTestLogger())
	pusher := &recorderPusher{}

	table.Connect(record("s-1"), pusher)
	if got, ok := table.Lookup("s-1"); !ok || got != pusher {
		t.Fatal("connected session not found")
	}
	if table.Len() != 1 {
		t.Errorf("len = %d", table.Len())
	}

	table.Disconnect("s-1")
	if _, ok := table.Lookup("s-1"); ok {
		t.Error("disconnected session still resolvable")
	}
}

func TestReconnectReplacesPusher(t *testing.T) {
	table := NewTable(newTestLogger())
	old := &recorderPusher{}
	fresh := &recorderPusher{}

	table.Connect(record("s-1"), old)
	table.Connect(record("s-1"), fresh)

	got, ok := table.Lookup("s-1")
	if !ok || got != fresh {
		t.Error("replacement connection not in effect")
	}
	if table.Len() != 1 {
		t.Errorf("len = %d, want 1", table.Len())
	}
}

func TestTaskBindingSurvivesDisconnect(t *testing.T) {
	table := NewTable(newTestLogger())
	table.Connect(record("s-1"), &recorderPusher{})
	table.BindTask("task-1", "s-1")

	table.Disconnect("s-1")

	sessionID, ok := table.ResolveTask("task-1")
	if !ok || sessionID != "s-1" {
		t.Fatalf("binding lost on disconnect: %q, %v", sessionID, ok)
	}
	// ResolveTask consumes the binding.
	if _, ok := table.ResolveTask("task-1"); ok {
		t.Error("binding resolvable twice")
	}
}

func TestSweepIdleSparesActive(t *testing.T) {
	table := NewTable(newTestLogger())
	table.Connect(record("stale"), &recorderPusher{})
	table.Connect(record("active"), &recorderPusher{})

	// Backdate the stale session past the idle window.
	table.mu.Lock()
	table.sessions["stale"].LastActivity = time.Now().Add(-time.Hour)
	table.mu.Unlock()

	if n := table.SweepIdle(10 * time.Minute); n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, ok := table.Lookup("active"); !ok {
		t.Error("active session swept")
	}
	if _, ok := table.Lookup("stale"); ok {
		t.Error("stale session survived")
	}
}

// closingPusher records whether the sweep closed the connection.
type closingPusher struct {
	recorderPusher
	closed bool
}

func (p *closingPusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *closingPusher) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Sweeping an idle session must close its connection, not just forget
// it. A socket left open would keep receiving nothing while its
// completions spool.
func TestSweepIdleClosesConnection(t *testing.T) {
	table := NewTable(newTestLogger())
	stale := &closingPusher{}
	active := &closingPusher{}
	table.Connect(record("stale"), stale)
	table.Connect(record("active"), active)

	table.mu.Lock()
	table.sessions["stale"].LastActivity = time.Now().Add(-time.Hour)
	table.mu.Unlock()

	if n := table.SweepIdle(10 * time.Minute); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if !stale.wasClosed() {
		t.Error("stale connection left open after sweep")
	}
	if active.wasClosed() {
		t.Error("active connection closed by sweep")
	}
}

func TestTouchDefersSweep(t *testing.T) {
	table := NewTable(newTestLogger())
	table.Connect(record("s-1"), &recorderPusher{})

	table.mu.Lock()
	table.sessions["s-1"].LastActivity = time.Now().Add(-time.Hour)
	table.mu.Unlock()

	table.Touch("s-1")
	if n := table.SweepIdle(10 * time.Minute); n != 0 {
		t.Errorf("swept = %d, want 0 after touch", n)
	}
}
