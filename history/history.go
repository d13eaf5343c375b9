// Package history keeps a SQLite log of tunnel transitions and DNS backend
// changes.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yllada/vpnd/common"
	"github.com/yllada/vpnd/tunnel"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	state   TEXT    NOT NULL,
	detail  TEXT    NOT NULL DEFAULT '',
	session TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS dns_backends (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	at       INTEGER NOT NULL,
	previous TEXT    NOT NULL,
	current  TEXT    NOT NULL
);
`

// Transition is one recorded state change.
type Transition struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	State   string    `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	Session string    `json:"session,omitempty"`
}

// BackendChange records the DNS manager binding a different backend kind
// than it did last time.
type BackendChange struct {
	ID       int64     `json:"id"`
	At       time.Time `json:"at"`
	Previous string    `json:"previous"`
	Current  string    `json:"current"`
}

// Store is the history database.
type Store struct {
	db  *sql.DB
	log common.Logger
}

// Open opens or creates the database at path.
func Open(path string, log common.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, common.WrapError(err, "failed to create history directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One connection serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
	}
	return &Store{db: db, log: common.OrDiscard(log)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a transition.
func (s *Store) Record(ctx context.Context, ev tunnel.TransitionEvent) error {
	session := ""
	if ev.Session != uuid.Nil {
		session = ev.Session.String()
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (at, state, detail, session) VALUES (?, ?, ?, ?)`,
		at.UnixNano(), ev.State.String(), ev.Detail(), session)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordBackendChange stores a DNS backend change.
func (s *Store) RecordBackendChange(ctx context.Context, previous, current string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dns_backends (at, previous, current) VALUES (?, ?, ?)`,
		time.Now().UnixNano(), previous, current)
	if err != nil {
		return fmt.Errorf("record backend change: %w", err)
	}
	return nil
}

// Recent returns up to n transitions, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, state, detail, session FROM transitions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			t  Transition
			at int64
		)
		if err := rows.Scan(&t.ID, &at, &t.State, &t.Detail, &t.Session); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LastBackendChange returns the most recent backend change, if any.
func (s *Store) LastBackendChange(ctx context.Context) (BackendChange, bool, error) {
	var (
		c  BackendChange
		at int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, at, previous, current FROM dns_backends ORDER BY id DESC LIMIT 1`).
		Scan(&c.ID, &at, &c.Previous, &c.Current)
	if err == sql.ErrNoRows {
		return BackendChange{}, false, nil
	}
	if err != nil {
		return BackendChange{}, false, fmt.Errorf("query backend changes: %w", err)
	}
	c.At = time.Unix(0, at)
	return c, true, nil
}

// Follow records every transition received on events until the channel
// closes or ctx is done.
func (s *Store) Follow(ctx context.Context, events <-chan tunnel.TransitionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Record(context.WithoutCancel(ctx), ev); err != nil {
				s.log.Warn("%v", err)
			}
		}
	}
}
