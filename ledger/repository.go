package ledger

import (
	"context"

	"github.com/alovak/bankcards/ledger/models"
	"github.com/shopspring/decimal"
)

// Repository persists cards and blocking requests.
//
// Reads outside InTx take no locks and must not be used to decide balance
// mutations; every transfer re-reads balances through Tx.LockCardsByNumber.
type Repository interface {
	// InTx runs fn inside one ACID transaction. The transaction commits when fn
	// returns nil and rolls back on error or panic.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CardByNumber(ctx context.Context, number string) (*models.Card, error)
	CardByID(ctx context.Context, id string) (*models.Card, error)
	ExistsCardNumber(ctx context.Context, number string) (bool, error)
	CreateCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, id string) error
	// ListCards returns the selected page and the total number of matching cards.
	ListCards(ctx context.Context, filter models.CardFilter) ([]*models.Card, int, error)
	ListBlockingRequests(ctx context.Context) ([]*models.BlockingRequest, error)

	Ping(ctx context.Context) error
}

// Tx is the transactional view of the Repository.
type Tx interface {
	// LockCardsByNumber locks every existing card among numbers with a single
	// lock-acquiring query, in card number order. Missing numbers are simply
	// absent from the result.
	LockCardsByNumber(ctx context.Context, numbers ...string) ([]*models.Card, error)
	UpdateCardBalance(ctx context.Context, id string, balance decimal.Decimal) error
	UpdateCardStatus(ctx context.Context, id string, status models.CardStatus) error

	// LockBlockingRequest returns the pending request for cardNumber or ErrRequestNotFound.
	LockBlockingRequest(ctx context.Context, cardNumber string) (*models.BlockingRequest, error)
	// CreateBlockingRequest fails with ErrDuplicateRequest if one already exists for the card.
	CreateBlockingRequest(ctx context.Context, req *models.BlockingRequest) error
	DeleteBlockingRequest(ctx context.Context, id string) error
}
