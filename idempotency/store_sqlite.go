package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore is a durable Store over database/sql. The table's PRIMARY KEY
// on the idempotency key is the atomic insert-if-absent the guard relies
// on; any engine used here must reject duplicate inserts atomically.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and its schema if missing.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("idempotency schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key            TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		request_hash   TEXT NOT NULL DEFAULT '',
		manifest_hash  TEXT NOT NULL DEFAULT '',
		response_json  BLOB,
		error_code     TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL,
		ttl_expires_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLStore) InsertPending(ctx context.Context, rec *Record) error {
	query := `
	INSERT INTO idempotency_keys
		(key, status, request_hash, manifest_hash, created_at, updated_at, ttl_expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.Key, string(StatusPending), rec.RequestHash, rec.ManifestHash,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.TTLExpiresAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Record, error) {
	query := `
	SELECT key, status, request_hash, manifest_hash, response_json,
	       error_code, error_message, created_at, updated_at, ttl_expires_at
	FROM idempotency_keys WHERE key = ?`

	var rec Record
	var status string
	var response sql.NullString
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &status, &rec.RequestHash, &rec.ManifestHash, &response,
		&rec.ErrorCode, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.TTLExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if response.Valid {
		rec.Response = []byte(response.String)
	}
	return &rec, nil
}

func (s *SQLStore) MarkCompleted(ctx context.Context, key string, response []byte) error {
	query := `
	UPDATE idempotency_keys
	SET status = ?, response_json = ?, updated_at = ?
	WHERE key = ?`
	_, err := s.db.ExecContext(ctx, query, string(StatusCompleted), response, time.Now().UTC(), key)
	return err
}

func (s *SQLStore) MarkFailed(ctx context.Context, key, code, message string) error {
	query := `
	UPDATE idempotency_keys
	SET status = ?, error_code = ?, error_message = ?, updated_at = ?
	WHERE key = ?`
	_, err := s.db.ExecContext(ctx, query, string(StatusFailed), code, message, time.Now().UTC(), key)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

func (s *SQLStore) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE status != ? AND ttl_expires_at < ?`,
		string(StatusPending), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// isUniqueViolation detects a primary-key conflict from the sqlite driver.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint violation")
}

var _ Store = (*SQLStore)(nil)
