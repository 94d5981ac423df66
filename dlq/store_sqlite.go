package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStore persists dead-letter events in a SQL database. Schema and
// statements target SQLite.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db and creates the dlq_events table if needed.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("dlq: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dlq_events (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			type             TEXT    NOT NULL,
			payload          TEXT,
			reason           TEXT    NOT NULL,
			error_code       TEXT,
			error_stack      TEXT,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			next_retry_at    INTEGER NOT NULL,
			last_retry_at    INTEGER,
			resolved_at      INTEGER,
			resolution_type  TEXT,
			resolution_notes TEXT,
			metadata         TEXT    NOT NULL,
			created_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dlq_due
			ON dlq_events (resolved_at, next_retry_at);
	`)
	return err
}

func (s *SQLStore) Enqueue(ctx context.Context, ev *Event) (int64, error) {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return 0, fmt.Errorf("dlq: marshal metadata: %w", err)
	}
	next := ev.NextRetryAt
	if next.IsZero() {
		next = ev.CreatedAt.Add(Backoff(DefaultBaseBackoff, 0))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_events
			(type, payload, reason, error_code, error_stack,
			 retry_count, next_retry_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Type), nullString(string(ev.Payload)), ev.Reason,
		nullString(ev.ErrorCode), nullString(ev.ErrorStack),
		ev.RetryCount, next.UnixMilli(), string(meta), ev.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("dlq: enqueue: %w", err)
	}
	return res.LastInsertId()
}

const eventColumns = `id, type, payload, reason, error_code, error_stack,
	retry_count, next_retry_at, last_retry_at,
	resolved_at, resolution_type, resolution_notes, metadata, created_at`

func (s *SQLStore) Get(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM dlq_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *SQLStore) Due(ctx context.Context, now time.Time, max, limit int) ([]*Event, error) {
	args := []any{max, now.UnixMilli()}
	placeholders := ""
	for i, t := range nonRetryable {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(t))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM dlq_events
		WHERE resolved_at IS NULL AND retry_count < ? AND next_retry_at <= ?
		  AND type NOT IN (`+placeholders+`)
		ORDER BY created_at ASC
		LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("dlq: due: %w", err)
	}
	defer rows.Close()

	var due []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, ev)
	}
	return due, rows.Err()
}

func (s *SQLStore) MarkRetrying(ctx context.Context, id int64, now time.Time, base time.Duration) error {
	// next_retry_at doubles per attempt; the new retry_count drives the
	// shift so the first retry waits base*2, the second base*4, etc.
	// A single UPDATE derives the backoff from the in-row counter, so
	// concurrent markers cannot schedule from a stale count. Column
	// references on the right-hand side see the pre-update values, hence
	// retry_count + 1 is the new count.
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq_events
		SET retry_count   = retry_count + 1,
		    last_retry_at = ?,
		    next_retry_at = ? + (? << (retry_count + 1))
		WHERE id = ?`,
		now.UnixMilli(), now.UnixMilli(), base.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("dlq: mark retrying: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrEventNotFound
	}
	return err
}

func (s *SQLStore) Resolve(ctx context.Context, id int64, now time.Time, rt ResolutionType, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq_events
		SET resolved_at = ?, resolution_type = ?, resolution_notes = ?
		WHERE id = ?`,
		now.UnixMilli(), string(rt), notes, id)
	if err != nil {
		return fmt.Errorf("dlq: resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrEventNotFound
	}
	return err
}

func (s *SQLStore) ExpireStuck(ctx context.Context, now time.Time, max int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq_events
		SET resolved_at = ?, resolution_type = ?, resolution_notes = 'retry limit reached'
		WHERE resolved_at IS NULL AND retry_count >= ?`,
		now.UnixMilli(), string(ResolutionExpired), max)
	if err != nil {
		return 0, fmt.Errorf("dlq: expire stuck: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Stats(ctx context.Context, now time.Time, max int) (*Stats, error) {
	st := &Stats{ByType: make(map[FailureType]int64)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM dlq_events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("dlq: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		st.ByType[FailureType(t)] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN retry_count < ? AND next_retry_at <= ? THEN 1 ELSE 0 END)
		FROM dlq_events WHERE resolved_at IS NULL`,
		max, max, now.UnixMilli()).
		Scan(&st.Unresolved, &nullInt64{&st.Exceeded}, &nullInt64{&st.PendingRetry})
	if err != nil {
		return nil, fmt.Errorf("dlq: stats: %w", err)
	}
	return st, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		ev                   Event
		typ, meta            string
		payload, code, stack sql.NullString
		resType, resNotes    sql.NullString
		nextMs, createdMs    int64
		lastMs, resolvedMs   sql.NullInt64
	)
	err := row.Scan(&ev.ID, &typ, &payload, &ev.Reason, &code, &stack,
		&ev.RetryCount, &nextMs, &lastMs,
		&resolvedMs, &resType, &resNotes, &meta, &createdMs)
	if err != nil {
		return nil, err
	}
	ev.Type = FailureType(typ)
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.ErrorCode = code.String
	ev.ErrorStack = stack.String
	ev.NextRetryAt = time.UnixMilli(nextMs).UTC()
	ev.CreatedAt = time.UnixMilli(createdMs).UTC()
	if lastMs.Valid {
		t := time.UnixMilli(lastMs.Int64).UTC()
		ev.LastRetryAt = &t
	}
	if resolvedMs.Valid {
		t := time.UnixMilli(resolvedMs.Int64).UTC()
		ev.ResolvedAt = &t
	}
	ev.ResolutionType = ResolutionType(resType.String)
	ev.ResolutionNotes = resNotes.String
	if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
		return nil, fmt.Errorf("dlq: unmarshal metadata: %w", err)
	}
	return &ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt64 scans a nullable SUM() into an int64, treating NULL as 0.
type nullInt64 struct{ p *int64 }

func (n *nullInt64) Scan(src any) error {
	var v sql.NullInt64
	if err := v.Scan(src); err != nil {
		return err
	}
	*n.p = v.Int64
	return nil
}
