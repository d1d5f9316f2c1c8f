package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteIndex is an Index persisted in a SQLite database. The database must
// live outside the storage directory so the directory only ever holds
// objects.
type SQLiteIndex struct {
	db *sql.DB
}

var _ Index = (*SQLiteIndex)(nil)

// OpenSQLiteIndex opens (creating if needed) the index database at path.
func OpenSQLiteIndex(ctx context.Context, path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: index database path must not be empty", ErrInvalidConfig)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initIndexSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteIndex{db: db}, nil
}

func initIndexSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS objects (
			content_hash TEXT PRIMARY KEY,
			identifier TEXT NOT NULL,
			size INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_objects_identifier ON objects(identifier);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init index schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteIndex) Lookup(ctx context.Context, contentHash string) (ObjectMeta, bool, error) {
	meta := ObjectMeta{ContentHash: contentHash}
	err := s.db.QueryRowContext(ctx,
		`SELECT identifier, size, created_at FROM objects WHERE content_hash = ?`,
		contentHash,
	).Scan(&meta.Identifier, &meta.Size, &meta.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return ObjectMeta{}, false, nil
	}
	if err != nil {
		return ObjectMeta{}, false, fmt.Errorf("lookup %s: %w", contentHash, err)
	}
	return meta, true, nil
}

func (s *SQLiteIndex) Insert(ctx context.Context, meta ObjectMeta) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects(content_hash, identifier, size, created_at) VALUES(?, ?, ?, ?)`,
		meta.ContentHash, meta.Identifier, meta.Size, meta.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", meta.ContentHash, err)
	}

	rows, err := res.RowsAffected()
	return rows > 0, err
}

func (s *SQLiteIndex) Delete(ctx context.Context, contentHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("delete %s: %w", contentHash, err)
	}
	return nil
}

func (s *SQLiteIndex) List(ctx context.Context) ([]ObjectMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT content_hash, identifier, size, created_at FROM objects`)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var out []ObjectMeta
	for rows.Next() {
		var meta ObjectMeta
		if err := rows.Scan(&meta.ContentHash, &meta.Identifier, &meta.Size, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Len(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
