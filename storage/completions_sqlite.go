package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/botmarket/settlement"
)

// SQLCompletionStore persists the completion read feed in a SQL database.
type SQLCompletionStore struct {
	db *sql.DB
}

var _ settlement.CompletionStore = (*SQLCompletionStore)(nil)

// NewSQLCompletionStore wraps db and creates the completions table if
// needed.
func NewSQLCompletionStore(db *sql.DB) (*SQLCompletionStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS completions (
			chain_id      INTEGER NOT NULL,
			job_id        INTEGER NOT NULL,
			machine_id    TEXT    NOT NULL,
			controller    TEXT    NOT NULL,
			service_type  TEXT    NOT NULL,
			manifest_hash TEXT    NOT NULL,
			manifest_url  TEXT,
			tx_hash       TEXT,
			quality_score INTEGER NOT NULL,
			work_units    INTEGER NOT NULL,
			custodial     INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (chain_id, job_id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("completions: migrate: %w", err)
	}
	return &SQLCompletionStore{db: db}, nil
}

func (s *SQLCompletionStore) Upsert(ctx context.Context, rec *settlement.CompletionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions
			(chain_id, job_id, machine_id, controller, service_type,
			 manifest_hash, manifest_url, tx_hash, quality_score, work_units,
			 custodial, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, job_id) DO UPDATE SET
			machine_id = excluded.machine_id,
			controller = excluded.controller,
			service_type = excluded.service_type,
			manifest_hash = excluded.manifest_hash,
			manifest_url = excluded.manifest_url,
			tx_hash = excluded.tx_hash,
			quality_score = excluded.quality_score,
			work_units = excluded.work_units,
			custodial = excluded.custodial,
			updated_at = excluded.updated_at`,
		rec.ChainID, rec.JobID, rec.MachineID, rec.Controller, string(rec.ServiceType),
		rec.ManifestHash, rec.ManifestURL, rec.TxHash, rec.QualityScore, rec.WorkUnits,
		boolToInt(rec.Custodial), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("completions: upsert %d:%d: %w", rec.ChainID, rec.JobID, err)
	}
	return nil
}

const completionColumns = `chain_id, job_id, machine_id, controller, service_type,
	manifest_hash, manifest_url, tx_hash, quality_score, work_units,
	custodial, created_at, updated_at`

func (s *SQLCompletionStore) Get(ctx context.Context, chainID, jobID uint64) (*settlement.CompletionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+completionColumns+` FROM completions WHERE chain_id = ? AND job_id = ?`,
		chainID, jobID)
	rec, err := scanCompletion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLCompletionStore) Recent(ctx context.Context, limit int) ([]*settlement.CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+completionColumns+` FROM completions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("completions: recent: %w", err)
	}
	defer rows.Close()

	var out []*settlement.CompletionRecord
	for rows.Next() {
		rec, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompletion(row rowScanner) (*settlement.CompletionRecord, error) {
	var (
		rec                  settlement.CompletionRecord
		serviceType          string
		manifestURL, txHash  sql.NullString
		custodial            int
		createdMs, updatedMs int64
	)
	err := row.Scan(&rec.ChainID, &rec.JobID, &rec.MachineID, &rec.Controller, &serviceType,
		&rec.ManifestHash, &manifestURL, &txHash, &rec.QualityScore, &rec.WorkUnits,
		&custodial, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	rec.ServiceType = settlement.ServiceType(serviceType)
	rec.ManifestURL = manifestURL.String
	rec.TxHash = txHash.String
	rec.Custodial = custodial != 0
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
