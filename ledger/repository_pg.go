package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alovak/bankcards/ledger/models"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PGOptions are applied to every transaction opened by PGRepository.
// Zero durations leave the server defaults in place.
type PGOptions struct {
	LockTimeout      time.Duration
	StatementTimeout time.Duration
}

// PGRepository stores cards in PostgreSQL and relies on row locks
// (SELECT ... FOR UPDATE) for transfer and blocking serialisation.
type PGRepository struct {
	db   *sql.DB
	opts PGOptions
}

func NewPGRepository(db *sql.DB, opts PGOptions) *PGRepository {
	return &PGRepository{db: db, opts: opts}
}

const cardColumns = `id, card_number, owner_id, expiration_date, status, balance`

func (r *PGRepository) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPGError(err, nil)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if r.opts.LockTimeout > 0 {
		if _, err = sqlTx.ExecContext(ctx, `select set_config('lock_timeout', $1, true)`, durationSetting(r.opts.LockTimeout)); err != nil {
			return classifyPGError(err, nil)
		}
	}
	if r.opts.StatementTimeout > 0 {
		if _, err = sqlTx.ExecContext(ctx, `select set_config('statement_timeout', $1, true)`, durationSetting(r.opts.StatementTimeout)); err != nil {
			return classifyPGError(err, nil)
		}
	}

	if err = fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classifyPGError(err, nil)
	}
	return nil
}

func durationSetting(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	var c models.Card
	var status string
	if err := row.Scan(&c.ID, &c.Number, &c.OwnerID, &c.ExpirationDate, &status, &c.Balance); err != nil {
		return nil, err
	}
	c.Status = models.CardStatus(status)
	return &c, nil
}

func (r *PGRepository) CardByNumber(ctx context.Context, number string) (*models.Card, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE card_number=$1`, number)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", number, ErrCardNotFound)
	}
	if err != nil {
		return nil, classifyPGError(err, nil)
	}
	return c, nil
}

func (r *PGRepository) CardByID(ctx context.Context, id string) (*models.Card, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=$1`, id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
	}
	if err != nil {
		return nil, classifyPGError(err, nil)
	}
	return c, nil
}

func (r *PGRepository) ExistsCardNumber(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM cards WHERE card_number=$1)`, number).Scan(&exists)
	if err != nil {
		return false, classifyPGError(err, nil)
	}
	return exists, nil
}

func (r *PGRepository) CreateCard(ctx context.Context, card *models.Card) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cards(id, card_number, owner_id, expiration_date, status, balance)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, card.ID, card.Number, card.OwnerID, card.ExpirationDate, string(card.Status), card.Balance)
	if err != nil {
		return classifyPGError(err, ErrConflict)
	}
	return nil
}

// DeleteCard removes the card together with its pending blocking request.
func (r *PGRepository) DeleteCard(ctx context.Context, id string) error {
	return r.InTx(ctx, func(tx Tx) error {
		t := tx.(*pgTx)
		var number string
		err := t.tx.QueryRowContext(ctx, `SELECT card_number FROM cards WHERE id=$1 FOR UPDATE`, id).Scan(&number)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
		}
		if err != nil {
			return classifyPGError(err, nil)
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM blocking_requests WHERE card_number=$1`, number); err != nil {
			return classifyPGError(err, nil)
		}
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, id); err != nil {
			return classifyPGError(err, nil)
		}
		return nil
	})
}

func (r *PGRepository) ListCards(ctx context.Context, filter models.CardFilter) ([]*models.Card, int, error) {
	const where = ` WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR strpos(card_number, $2) > 0)`

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM cards`+where, filter.OwnerID, filter.Search).Scan(&total); err != nil {
		return nil, 0, classifyPGError(err, nil)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards`+where+
		` ORDER BY card_number OFFSET $3 LIMIT NULLIF($4::int, 0)`,
		filter.OwnerID, filter.Search, filter.Offset, filter.Limit)
	if err != nil {
		return nil, 0, classifyPGError(err, nil)
	}
	defer rows.Close()

	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPGError(err, nil)
	}
	return out, total, nil
}

func (r *PGRepository) ListBlockingRequests(ctx context.Context) ([]*models.BlockingRequest, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, card_number, comment, created_at FROM blocking_requests ORDER BY created_at`)
	if err != nil {
		return nil, classifyPGError(err, nil)
	}
	defer rows.Close()
	var out []*models.BlockingRequest
	for rows.Next() {
		var req models.BlockingRequest
		if err := rows.Scan(&req.ID, &req.CardNumber, &req.Comment, &req.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

// Ping returns DB readiness
func (r *PGRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockCardsByNumber(ctx context.Context, numbers ...string) ([]*models.Card, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards
		WHERE card_number = ANY($1)
		ORDER BY card_number
		FOR UPDATE`, pq.Array(numbers))
	if err != nil {
		return nil, classifyPGError(err, nil)
	}
	defer rows.Close()

	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPGError(err, nil)
	}
	return out, nil
}

func (t *pgTx) UpdateCardBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE cards SET balance=$2 WHERE id=$1`, id, balance)
	if err != nil {
		return classifyPGError(err, nil)
	}
	return expectOneRow(res, id)
}

func (t *pgTx) UpdateCardStatus(ctx context.Context, id string, status models.CardStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE cards SET status=$2 WHERE id=$1`, id, string(status))
	if err != nil {
		return classifyPGError(err, nil)
	}
	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
	}
	return nil
}

func (t *pgTx) LockBlockingRequest(ctx context.Context, cardNumber string) (*models.BlockingRequest, error) {
	var req models.BlockingRequest
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, card_number, comment, created_at FROM blocking_requests
		WHERE card_number=$1 FOR UPDATE
	`, cardNumber).Scan(&req.ID, &req.CardNumber, &req.Comment, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %s: %w", cardNumber, ErrRequestNotFound)
	}
	if err != nil {
		return nil, classifyPGError(err, nil)
	}
	return &req, nil
}

func (t *pgTx) CreateBlockingRequest(ctx context.Context, req *models.BlockingRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO blocking_requests(id, card_number, comment, created_at)
		VALUES ($1,$2,$3,$4)
	`, req.ID, req.CardNumber, req.Comment, req.CreatedAt)
	if err != nil {
		return classifyPGError(err, ErrDuplicateRequest)
	}
	return nil
}

func (t *pgTx) DeleteBlockingRequest(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM blocking_requests WHERE id=$1`, id); err != nil {
		return classifyPGError(err, nil)
	}
	return nil
}

// SQLSTATE codes the repository maps onto ledger errors.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

func sqlState(err error) string {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return string(pe.Code)
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) {
		return pgerr.Code
	}
	return ""
}

// classifyPGError wraps driver errors with ledger sentinels. A unique
// violation becomes onUnique when it is set.
func classifyPGError(err error, onUnique error) error {
	if err == nil {
		return nil
	}
	switch code := sqlState(err); code {
	case codeUniqueViolation:
		if onUnique != nil {
			return fmt.Errorf("%v: %w", err, onUnique)
		}
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
		return fmt.Errorf("%w: sqlstate %s: %v", ErrTransient, code, err)
	}
	return err
}
