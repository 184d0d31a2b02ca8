package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const (
	pgFrom = "4000001234567891"
	pgTo   = "4000001234567892"
)

var cardCols = []string{"id", "card_number", "owner_id", "expiration_date", "status", "balance"}

func newMockRepo(t *testing.T) (*PGRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGRepository(db, PGOptions{LockTimeout: 2 * time.Second, StatementTimeout: 5 * time.Second}), mock
}

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	repo, mock := newMockRepo(t)
	svc := NewService(repo, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetClock(func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) })
	return svc, mock
}

func expectTxStart(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`select set_config('lock_timeout', $1, true)`)).
		WithArgs("2000ms").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`select set_config('statement_timeout', $1, true)`)).
		WithArgs("5000ms").WillReturnResult(sqlmock.NewResult(0, 0))
}

func lockedCards(balanceFrom, balanceTo string) *sqlmock.Rows {
	exp := time.Date(2030, 1, 31, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(cardCols).
		AddRow("id-from", pgFrom, "alice", exp, "ACTIVE", balanceFrom).
		AddRow("id-to", pgTo, "alice", exp, "ACTIVE", balanceTo)
}

func TestPGTransfer(t *testing.T) {
	ctx := context.Background()
	alice := Principal{ID: "alice", Role: RoleUser}
	req := models.TransferRequest{FromCardNumber: pgFrom, ToCardNumber: pgTo, Amount: decimal.RequireFromString("200")}

	t.Run("locks both rows in one query and commits", func(t *testing.T) {
		svc, mock := newMockService(t)

		expectTxStart(mock)
		mock.ExpectQuery(`FROM cards\s+WHERE card_number = ANY\(\$1\)\s+ORDER BY card_number\s+FOR UPDATE`).
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(lockedCards("1000.00", "500.00"))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE cards SET balance=$2 WHERE id=$1`)).
			WithArgs("id-from", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE cards SET balance=$2 WHERE id=$1`)).
			WithArgs("id-to", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := svc.Transfer(ctx, alice, req)
		require.NoError(t, err)
		require.Equal(t, "800.00", res.FromBalance.StringFixed(2))
		require.Equal(t, "700.00", res.ToBalance.StringFixed(2))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("business failure rolls back", func(t *testing.T) {
		svc, mock := newMockService(t)

		expectTxStart(mock)
		mock.ExpectQuery(`FOR UPDATE`).WithArgs(sqlmock.AnyArg()).
			WillReturnRows(lockedCards("100.00", "500.00"))
		mock.ExpectRollback()

		_, err := svc.Transfer(ctx, alice, req)
		require.ErrorIs(t, err, ErrInsufficientBalance)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock timeout is transient", func(t *testing.T) {
		svc, mock := newMockService(t)

		expectTxStart(mock)
		mock.ExpectQuery(`FOR UPDATE`).WithArgs(sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		_, err := svc.Transfer(ctx, alice, req)
		require.ErrorIs(t, err, ErrTransient)
		require.Equal(t, 503, ErrorStatus(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed credit rolls back the debit", func(t *testing.T) {
		svc, mock := newMockService(t)

		expectTxStart(mock)
		mock.ExpectQuery(`FOR UPDATE`).WithArgs(sqlmock.AnyArg()).
			WillReturnRows(lockedCards("1000.00", "500.00"))
		mock.ExpectExec(`UPDATE cards SET balance`).WithArgs("id-from", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE cards SET balance`).WithArgs("id-to", sqlmock.AnyArg()).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		_, err := svc.Transfer(ctx, alice, req)
		require.ErrorIs(t, err, sql.ErrConnDone)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGInTxRollsBackOnPanic(t *testing.T) {
	repo, mock := newMockRepo(t)
	expectTxStart(mock)
	mock.ExpectRollback()

	require.Panics(t, func() {
		_ = repo.InTx(context.Background(), func(tx Tx) error {
			panic("boom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateCardConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO cards`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.CreateCard(context.Background(), &models.Card{
		ID:             "id-1",
		Number:         pgFrom,
		OwnerID:        "alice",
		ExpirationDate: time.Date(2030, 1, 31, 0, 0, 0, 0, time.UTC),
		Status:         models.CardStatusActive,
		Balance:        decimal.Zero,
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLockBlockingRequestMissing(t *testing.T) {
	repo, mock := newMockRepo(t)
	expectTxStart(mock)
	mock.ExpectQuery(`FROM blocking_requests\s+WHERE card_number=\$1 FOR UPDATE`).
		WithArgs(pgFrom).
		WillReturnRows(sqlmock.NewRows([]string{"id", "card_number", "comment", "created_at"}))
	mock.ExpectRollback()

	err := repo.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.LockBlockingRequest(context.Background(), pgFrom)
		return err
	})
	require.ErrorIs(t, err, ErrRequestNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPGError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		onUnique error
		want     error
	}{
		{"pq unique", &pq.Error{Code: "23505"}, ErrDuplicateRequest, ErrDuplicateRequest},
		{"pgconn unique", &pgconn.PgError{Code: "23505"}, ErrConflict, ErrConflict},
		{"serialization", &pq.Error{Code: "40001"}, nil, ErrTransient},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, nil, ErrTransient},
		{"lock timeout", &pq.Error{Code: "55P03"}, nil, ErrTransient},
		{"statement timeout", &pq.Error{Code: "57014"}, nil, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPGError(tt.err, tt.onUnique)
			require.ErrorIs(t, err, tt.want)
		})
	}

	other := errors.New("connection refused")
	require.Equal(t, other, classifyPGError(other, ErrConflict))
	require.False(t, IsTransient(classifyPGError(&pq.Error{Code: "23505"}, nil)))
	require.NoError(t, classifyPGError(nil, nil))
}
