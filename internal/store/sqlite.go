package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists scores in a single table keyed by (id, kind).
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &SQLite{db: db}
	if err := s.ensureTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureTables() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS scores (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		value INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY(id, kind)
	)`)
	if err != nil {
		return fmt.Errorf("create scores table: %w", err)
	}
	return nil
}

func (s *SQLite) RecordScore(ctx context.Context, sc Score) error {
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO scores(id, kind, value, updated_at) VALUES(?, ?, ?, ?)`,
		sc.ID, string(sc.Kind), sc.Value, sc.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record score %s/%s: %w", sc.Kind, sc.ID, err)
	}
	return nil
}

func (s *SQLite) Scores(ctx context.Context) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, value, updated_at FROM scores ORDER BY id, kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Score
	for rows.Next() {
		var (
			sc   Score
			kind string
			at   int64
		)
		if err := rows.Scan(&sc.ID, &kind, &sc.Value, &at); err != nil {
			return nil, err
		}
		sc.Kind = Kind(kind)
		sc.UpdatedAt = time.Unix(0, at)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
