package statediff

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/evidentsys/evident/digest"
)

type sqliteVersionStore struct{ db *sql.DB }

// OpenSQLiteVersionStore opens/creates a SQLite-backed VersionStore.
func OpenSQLiteVersionStore(dsn string) (VersionStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS versions (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  id         TEXT    NOT NULL UNIQUE,
  parent     TEXT    NOT NULL,
  commit_ts  INTEGER NOT NULL,
  state_hash BLOB    NOT NULL,
  diff       BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
  version_id TEXT PRIMARY KEY,
  state      BLOB NOT NULL,
  seq        INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteVersionStore{db: db}, nil
}

func (s *sqliteVersionStore) AppendVersion(v VersionRecord) error {
	diffBytes, err := EncodeDiff(v.Diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO versions(id, parent, commit_ts, state_hash, diff) VALUES(?, ?, ?, ?, ?)`,
		v.ID, v.Parent, int64(v.CommitTS), v.StateHash[:], diffBytes)
	return err
}

func (s *sqliteVersionStore) ListVersions() ([]VersionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, parent, commit_ts, state_hash, diff FROM versions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VersionRecord
	for rows.Next() {
		var v VersionRecord
		var ts int64
		var hash, diffBytes []byte
		if err := rows.Scan(&v.ID, &v.Parent, &ts, &hash, &diffBytes); err != nil {
			return nil, err
		}
		if len(hash) != digest.Size {
			return nil, fmt.Errorf("version %s: invalid state hash size %d", v.ID, len(hash))
		}
		v.CommitTS = uint64(ts)
		copy(v.StateHash[:], hash)
		if v.Diff, err = DecodeDiff(bytes.NewReader(diffBytes)); err != nil {
			return nil, fmt.Errorf("version %s: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteVersionStore) PutSnapshot(versionID string, stateBytes []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO snapshots(version_id, state, seq)
		 VALUES(?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM snapshots))
		 ON CONFLICT(version_id) DO UPDATE SET state=excluded.state`,
		versionID, stateBytes)
	return err
}

func (s *sqliteVersionStore) GetSnapshot(versionID string) ([]byte, bool, error) {
	var b []byte
	err := s.db.QueryRow(`SELECT state FROM snapshots WHERE version_id=?`, versionID).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *sqliteVersionStore) ListSnapshotIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT version_id FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteVersionStore) Close() error { return s.db.Close() }
