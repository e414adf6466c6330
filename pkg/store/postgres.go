package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// PostgresLedger is the shared durable backend for multi-process
// deployments. Semantics are identical to SQLiteLedger; only placeholders
// and DDL differ.
type PostgresLedger struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	s := &PostgresLedger{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresLedger wraps an existing pool without migrating. Tests use this
// with sqlmock.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (s *PostgresLedger) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		agreement_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		body BYTEA NOT NULL,
		created_at TEXT NOT NULL,
		seq BIGSERIAL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_lineage ON artifacts (agreement_hash, kind);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind_status ON artifacts (kind, status);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresLedger) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		return Record{}, false, contracts.Errorf(contracts.CodeSchemaInvalid, "record has no id")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, agreement_hash, kind, status, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.AgreementHash, rec.Kind, rec.Status, rec.Body, rec.CreatedAt,
	)
	if err != nil {
		return Record{}, false, fmt.Errorf("insert artifact %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, err
	}
	if n == 0 {
		existing, err := s.Get(ctx, rec.ID)
		return existing, false, err
	}
	return rec, true, nil
}

func (s *PostgresLedger) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE id = $1`, id)
	var rec Record
	err := row.Scan(&rec.ID, &rec.AgreementHash, &rec.Kind, &rec.Status, &rec.Body, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, contracts.ErrorWithArtifact(contracts.CodeNotFound, id, "record not found")
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresLedger) Lineage(ctx context.Context, agreementHash string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE agreement_hash = $1 ORDER BY seq`, agreementHash)
}

func (s *PostgresLedger) FindByKind(ctx context.Context, agreementHash, kind string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE agreement_hash = $1 AND kind = $2 ORDER BY seq`, agreementHash, kind)
}

func (s *PostgresLedger) ListByKindStatus(ctx context.Context, kind, status string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE kind = $1 AND status = $2 ORDER BY seq`, kind, status)
}

func (s *PostgresLedger) Transition(ctx context.Context, id, fromStatus, toStatus string, body []byte) error {
	var res sql.Result
	var err error
	if body != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE artifacts SET status = $1, body = $2 WHERE id = $3 AND status = $4`,
			toStatus, body, id, fromStatus)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE artifacts SET status = $1 WHERE id = $2 AND status = $3`,
			toStatus, id, fromStatus)
	}
	if err != nil {
		return fmt.Errorf("transition artifact %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return contracts.ErrorWithArtifact(contracts.CodeStateConflict, id,
			"record is not in status %q", fromStatus)
	}
	return nil
}

func (s *PostgresLedger) Close() error { return s.db.Close() }

func (s *PostgresLedger) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.AgreementHash, &rec.Kind, &rec.Status, &rec.Body, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
