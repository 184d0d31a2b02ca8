package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alovak/bankcards/ledger/models"
	"github.com/shopspring/decimal"
)

// MemRepository keeps cards and blocking requests in process memory.
//
// Transactions are serialised by txMu, which plays the role of the row locks
// in PostgreSQL. Writes made inside a transaction are staged and applied to
// the store only when fn returns nil.
type MemRepository struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	cards    map[string]*models.Card // by id
	byNumber map[string]string       // card number -> id
	requests map[string]*models.BlockingRequest
}

func NewRepository() *MemRepository {
	return &MemRepository{
		cards:    make(map[string]*models.Card),
		byNumber: make(map[string]string),
		requests: make(map[string]*models.BlockingRequest),
	}
}

func (r *MemRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	// a panic in fn unwinds past commit, so staged writes are dropped
	tx := &memTx{repo: r}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (r *MemRepository) CardByNumber(_ context.Context, number string) (*models.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNumber[number]
	if !ok {
		return nil, fmt.Errorf("card %s: %w", number, ErrCardNotFound)
	}
	c := *r.cards[id]
	return &c, nil
}

func (r *MemRepository) CardByID(_ context.Context, id string) (*models.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[id]
	if !ok {
		return nil, fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *MemRepository) ExistsCardNumber(_ context.Context, number string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byNumber[number]
	return ok, nil
}

func (r *MemRepository) CreateCard(_ context.Context, card *models.Card) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byNumber[card.Number]; ok {
		return fmt.Errorf("card number exists: %w", ErrConflict)
	}
	if _, ok := r.cards[card.ID]; ok {
		return fmt.Errorf("card id exists: %w", ErrConflict)
	}
	c := *card
	r.cards[c.ID] = &c
	r.byNumber[c.Number] = c.ID
	return nil
}

// DeleteCard removes the card and any pending blocking request for it.
func (r *MemRepository) DeleteCard(_ context.Context, id string) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cards[id]
	if !ok {
		return fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
	}
	delete(r.cards, id)
	delete(r.byNumber, c.Number)
	delete(r.requests, c.Number)
	return nil
}

func (r *MemRepository) ListCards(_ context.Context, filter models.CardFilter) ([]*models.Card, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*models.Card
	for _, c := range r.cards {
		if filter.OwnerID != "" && c.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Search != "" && !strings.Contains(c.Number, filter.Search) {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Number < matched[j].Number })

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func (r *MemRepository) ListBlockingRequests(_ context.Context) ([]*models.BlockingRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.BlockingRequest, 0, len(r.requests))
	for _, req := range r.requests {
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemRepository) Ping(context.Context) error { return nil }

// memTx stages writes until commit. Reads see staged writes first.
type memTx struct {
	repo *MemRepository

	balances        map[string]decimal.Decimal
	statuses        map[string]models.CardStatus
	createdRequests map[string]*models.BlockingRequest
	deletedRequests map[string]bool // by request id
}

func (t *memTx) card(id string) (models.Card, bool) {
	c, ok := t.repo.cards[id]
	if !ok {
		return models.Card{}, false
	}
	out := *c
	if b, ok := t.balances[id]; ok {
		out.Balance = b
	}
	if s, ok := t.statuses[id]; ok {
		out.Status = s
	}
	return out, true
}

func (t *memTx) LockCardsByNumber(_ context.Context, numbers ...string) ([]*models.Card, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	seen := make(map[string]bool, len(numbers))
	var out []*models.Card
	for _, n := range numbers {
		if seen[n] {
			continue
		}
		seen[n] = true
		id, ok := t.repo.byNumber[n]
		if !ok {
			continue
		}
		c, _ := t.card(id)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (t *memTx) UpdateCardBalance(_ context.Context, id string, balance decimal.Decimal) error {
	t.repo.mu.RLock()
	_, ok := t.repo.cards[id]
	t.repo.mu.RUnlock()
	if !ok {
		return fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
	}
	if balance.IsNegative() {
		return fmt.Errorf("negative balance for card id %s: %w", id, ErrInsufficientBalance)
	}
	if t.balances == nil {
		t.balances = make(map[string]decimal.Decimal)
	}
	t.balances[id] = balance
	return nil
}

func (t *memTx) UpdateCardStatus(_ context.Context, id string, status models.CardStatus) error {
	t.repo.mu.RLock()
	_, ok := t.repo.cards[id]
	t.repo.mu.RUnlock()
	if !ok {
		return fmt.Errorf("card id %s: %w", id, ErrCardNotFound)
	}
	if t.statuses == nil {
		t.statuses = make(map[string]models.CardStatus)
	}
	t.statuses[id] = status
	return nil
}

func (t *memTx) request(cardNumber string) (*models.BlockingRequest, bool) {
	if req, ok := t.createdRequests[cardNumber]; ok {
		return req, true
	}
	req, ok := t.repo.requests[cardNumber]
	if !ok || t.deletedRequests[req.ID] {
		return nil, false
	}
	return req, true
}

func (t *memTx) LockBlockingRequest(_ context.Context, cardNumber string) (*models.BlockingRequest, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	req, ok := t.request(cardNumber)
	if !ok {
		return nil, fmt.Errorf("card %s: %w", cardNumber, ErrRequestNotFound)
	}
	cp := *req
	return &cp, nil
}

func (t *memTx) CreateBlockingRequest(_ context.Context, req *models.BlockingRequest) error {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	if _, ok := t.request(req.CardNumber); ok {
		return fmt.Errorf("card %s: %w", req.CardNumber, ErrDuplicateRequest)
	}
	if t.createdRequests == nil {
		t.createdRequests = make(map[string]*models.BlockingRequest)
	}
	cp := *req
	t.createdRequests[req.CardNumber] = &cp
	return nil
}

func (t *memTx) DeleteBlockingRequest(_ context.Context, id string) error {
	for n, req := range t.createdRequests {
		if req.ID == id {
			delete(t.createdRequests, n)
			return nil
		}
	}
	if t.deletedRequests == nil {
		t.deletedRequests = make(map[string]bool)
	}
	t.deletedRequests[id] = true
	return nil
}

func (t *memTx) commit() {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range t.balances {
		if c, ok := r.cards[id]; ok {
			c.Balance = b
		}
	}
	for id, s := range t.statuses {
		if c, ok := r.cards[id]; ok {
			c.Status = s
		}
	}
	for n, req := range r.requests {
		if t.deletedRequests[req.ID] {
			delete(r.requests, n)
		}
	}
	for n, req := range t.createdRequests {
		r.requests[n] = req
	}
}
