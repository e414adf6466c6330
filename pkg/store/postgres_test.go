package store

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

func TestPostgresPutIfAbsentInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	hash := strings.Repeat("a", 64)
	rec := testRecord("setl_tc_"+hash, hash, KindDecision, "")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).
		WithArgs(rec.ID, rec.AgreementHash, rec.Kind, rec.Status, rec.Body, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, inserted, err := NewPostgresLedger(db).PutIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, rec.ID, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutIfAbsentConflictReturnsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	hash := strings.Repeat("a", 64)
	rec := testRecord("setl_tc_"+hash, hash, KindDecision, "")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).
		WithArgs(rec.ID, rec.AgreementHash, rec.Kind, rec.Status, rec.Body, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, agreement_hash, kind, status, body, created_at")).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agreement_hash", "kind", "status", "body", "created_at"}).
			AddRow(rec.ID, rec.AgreementHash, rec.Kind, rec.Status, []byte(`{"k":"existing"}`), rec.CreatedAt))

	got, inserted, err := NewPostgresLedger(db).PutIfAbsent(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, []byte(`{"k":"existing"}`), got.Body)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE artifacts SET status = $1 WHERE id = $2 AND status = $3")).
		WithArgs(contracts.HoldReleasing, "hold_x", contracts.HoldHeld).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, agreement_hash, kind, status, body, created_at")).
		WithArgs("hold_x").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agreement_hash", "kind", "status", "body", "created_at"}).
			AddRow("hold_x", strings.Repeat("a", 64), KindHold, contracts.HoldReleasing, []byte(`{}`), "2026-01-01T00:00:00.000Z"))

	err = NewPostgresLedger(db).Transition(context.Background(), "hold_x", contracts.HoldHeld, contracts.HoldReleasing, nil)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeStateConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}
