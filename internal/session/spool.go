package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Spool durably retains results whose session had no open connection
// when they completed. Delivery on reconnect is required behavior: the
// pipeline is asynchronous, so completion can arrive arbitrarily later
// than the request.
type Spool struct {
	db *sql.DB
}

// SpoolEntry is one retained result.
type SpoolEntry struct {
	ID        int64
	SessionID string
	TaskID    string
	Payload   []byte
	CreatedAt time.Time
}

// OpenSpool opens (or creates) the spool database at path. Use
// ":memory:" for tests.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: wal mode: %w", err)
	}
	s := &Spool{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool: migrate: %w", err)
	}
	return s, nil
}

func (s *Spool) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS spool (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_spool_session ON spool(session_id)`)
	return err
}

// Enqueue retains a result for a disconnected session.
func (s *Spool) Enqueue(ctx context.Context, sessionID, taskID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spool (session_id, task_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, taskID, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}
	return nil
}

// Pending lists retained results for a session, oldest first.
func (s *Spool) Pending(ctx context.Context, sessionID string) ([]SpoolEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, task_id, payload, created_at FROM spool WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("spool: pending: %w", err)
	}
	defer rows.Close()

	var entries []SpoolEntry
	for rows.Next() {
		var e SpoolEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("spool: scan: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack removes a delivered entry. Called only after the push succeeded,
// so a crash between delivery and ack redelivers rather than loses.
func (s *Spool) Ack(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	return nil
}

// TrimOlderThan drops entries older than the retention window and
// returns how many were removed.
func (s *Spool) TrimOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("spool: trim: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (s *Spool) Close() error {
	return s.db.Close()
}
