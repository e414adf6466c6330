package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// SQLiteLedger is the embedded durable backend. Insert-if-absent maps onto
// INSERT ... ON CONFLICT DO NOTHING; transitions onto a conditional UPDATE
// whose affected-row count distinguishes success from a state conflict.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a ledger at the given DSN. ":memory:" gives
// a throwaway instance.
func OpenSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// A single connection avoids the separate-memory-DB-per-conn trap and
	// serializes writers the way SQLite wants.
	db.SetMaxOpenConns(1)
	s := &SQLiteLedger{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	s := &SQLiteLedger{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		agreement_hash TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		body BLOB NOT NULL,
		created_at TEXT NOT NULL,
		seq INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_lineage ON artifacts (agreement_hash, kind);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind_status ON artifacts (kind, status);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		return Record{}, false, contracts.Errorf(contracts.CodeSchemaInvalid, "record has no id")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, agreement_hash, kind, status, body, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM artifacts))
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

func (s *SQLiteLedger) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE id = ?`, id)
	return scanRecord(row, id)
}

func (s *SQLiteLedger) Lineage(ctx context.Context, agreementHash string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE agreement_hash = ? ORDER BY seq`, agreementHash)
}

func (s *SQLiteLedger) FindByKind(ctx context.Context, agreementHash, kind string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE agreement_hash = ? AND kind = ? ORDER BY seq`, agreementHash, kind)
}

func (s *SQLiteLedger) ListByKindStatus(ctx context.Context, kind, status string) ([]Record, error) {
	return s.query(ctx, `
		SELECT id, agreement_hash, kind, status, body, created_at
		FROM artifacts WHERE kind = ? AND status = ? ORDER BY seq`, kind, status)
}

func (s *SQLiteLedger) Transition(ctx context.Context, id, fromStatus, toStatus string, body []byte) error {
	var res sql.Result
	var err error
	if body != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE artifacts SET status = ?, body = ? WHERE id = ? AND status = ?`,
			toStatus, body, id, fromStatus)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE artifacts SET status = ? WHERE id = ? AND status = ?`,
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

func (s *SQLiteLedger) Close() error { return s.db.Close() }

func (s *SQLiteLedger) query(ctx context.Context, query string, args ...any) ([]Record, error) {
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

func scanRecord(row *sql.Row, id string) (Record, error) {
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
