package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/evidentsys/evident/digest"
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite-backed store and ensures schema
// and durability PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS entries (
  counter  INTEGER PRIMARY KEY,
  ts       INTEGER NOT NULL,
  level    INTEGER NOT NULL,
  msg      BLOB    NOT NULL,
  prev_mac BLOB    NOT NULL,
  mac      BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS tail (
  id      INTEGER PRIMARY KEY CHECK(id=1),
  counter INTEGER NOT NULL,
  ts      INTEGER NOT NULL,
  mac     BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS anchors (
  counter INTEGER PRIMARY KEY,
  ts      INTEGER NOT NULL,
  mac     BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append stores an entry, updates the tail, and optionally records an
// anchor, all in one serializable transaction.
func (s *sqliteStore) Append(e Entry, tail Tail, anchor *Anchor) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxCtr sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(counter),0) FROM entries`).Scan(&maxCtr.Int64); err != nil {
		return err
	}
	if uint64(maxCtr.Int64) != e.Counter-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", maxCtr.Int64, e.Counter)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(counter, ts, level, msg, prev_mac, mac) VALUES(?, ?, ?, ?, ?, ?)`,
		e.Counter, int64(e.Timestamp), int(e.Level), e.Message, e.PrevMAC[:], e.MAC[:]); err != nil {
		return err
	}

	if anchor != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO anchors(counter, ts, mac) VALUES(?, ?, ?)
			 ON CONFLICT(counter) DO UPDATE SET ts=excluded.ts, mac=excluded.mac`,
			anchor.Counter, int64(anchor.Timestamp), anchor.MAC[:]); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tail(id, counter, ts, mac) VALUES(1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET counter=excluded.counter, ts=excluded.ts, mac=excluded.mac`,
		tail.Counter, int64(tail.Timestamp), tail.MAC[:]); err != nil {
		return err
	}

	return tx.Commit()
}

// Iter streams entries with counter >= fromCounter in ascending order.
func (s *sqliteStore) Iter(fromCounter uint64) (<-chan Entry, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx,
		`SELECT counter, ts, level, msg, prev_mac, mac FROM entries WHERE counter >= ? ORDER BY counter ASC`,
		fromCounter)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan Entry, 64)
	go func() {
		defer close(out)
		defer rows.Close()
		defer cancel()
		for rows.Next() {
			var ctr uint64
			var ts int64
			var level int
			var msg, prevMAC, mac []byte
			if err := rows.Scan(&ctr, &ts, &level, &msg, &prevMAC, &mac); err != nil {
				return
			}
			e := Entry{Counter: ctr, Timestamp: uint64(ts), Level: Level(level), Message: msg}
			copy(e.PrevMAC[:], prevMAC)
			copy(e.MAC[:], mac)
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() error { cancel(); return nil }, nil
}

// AnchorAt retrieves the anchor at the specified counter.
func (s *sqliteStore) AnchorAt(counter uint64) (Anchor, bool, error) {
	var a Anchor
	var ctr, ts int64
	var mac []byte
	err := s.db.QueryRow(`SELECT counter, ts, mac FROM anchors WHERE counter=?`, counter).
		Scan(&ctr, &ts, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	if len(mac) != digest.Size {
		return a, false, fmt.Errorf("invalid anchor mac size %d", len(mac))
	}
	a.Counter = uint64(ctr)
	a.Timestamp = uint64(ts)
	copy(a.MAC[:], mac)
	return a, true, nil
}

// ListAnchors returns all stored anchors in ascending counter order.
func (s *sqliteStore) ListAnchors() ([]Anchor, error) {
	rows, err := s.db.Query(`SELECT counter, ts, mac FROM anchors ORDER BY counter ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Anchor
	for rows.Next() {
		var ctr, ts int64
		var mac []byte
		if err := rows.Scan(&ctr, &ts, &mac); err != nil {
			return nil, err
		}
		if len(mac) != digest.Size {
			continue
		}
		var a Anchor
		a.Counter = uint64(ctr)
		a.Timestamp = uint64(ts)
		copy(a.MAC[:], mac)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Tail returns the current tail state.
func (s *sqliteStore) Tail() (Tail, bool, error) {
	var tail Tail
	var ctr, ts int64
	var mac []byte
	err := s.db.QueryRow(`SELECT counter, ts, mac FROM tail WHERE id=1`).Scan(&ctr, &ts, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return tail, false, nil
	}
	if err != nil {
		return tail, false, err
	}
	if len(mac) != digest.Size {
		return tail, false, fmt.Errorf("invalid tail mac size %d", len(mac))
	}
	tail.Counter = uint64(ctr)
	tail.Timestamp = uint64(ts)
	copy(tail.MAC[:], mac)
	return tail, true, nil
}

// Close closes the database handle.
func (s *sqliteStore) Close() error { return s.db.Close() }
