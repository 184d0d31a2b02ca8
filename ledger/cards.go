package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

const (
	defaultBIN      = "421234"
	defaultPageSize = 10
	maxPageSize     = 100
	createRetries   = 5
)

func requireAdmin(p Principal, action string) error {
	if !p.IsAdmin() {
		return fmt.Errorf("only administrators can %s: %w", action, ErrAccessDenied)
	}
	return nil
}

// CreateCard issues a card. A missing number is generated from the configured
// BIN and a missing expiration date follows the configured card product.
func (s *Service) CreateCard(ctx context.Context, p Principal, req models.CreateCard) (*models.Card, error) {
	if err := requireAdmin(p, "create cards"); err != nil {
		return nil, err
	}

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("card owner cannot be empty: %w", ErrInvalidOperation)
	}

	status := req.Status
	if status == "" {
		status = models.CardStatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("unknown card status %q: %w", status, ErrInvalidOperation)
	}

	if req.Balance.IsNegative() {
		return nil, fmt.Errorf("balance cannot be negative: %w", ErrInvalidOperation)
	}
	if !req.Balance.Equal(req.Balance.Truncate(2)) || req.Balance.GreaterThan(maxBalance) {
		return nil, fmt.Errorf("balance must fit numeric(15,2): %w", ErrInvalidOperation)
	}

	now := s.now()
	exp := expiry.Default(now, expiry.YearsForProduct(s.cfg.CardProduct, 0))
	if req.ExpirationDate != "" {
		parsed, err := expiry.ParseDate(req.ExpirationDate)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrInvalidOperation)
		}
		exp = parsed
	}
	if !expiry.InFuture(exp, now) {
		return nil, fmt.Errorf("expiration date must be in the future: %w", ErrInvalidOperation)
	}

	number := cardgen.NormalizePAN(req.CardNumber)
	if number != "" {
		if err := cardgen.ValidateCardNumber(number); err != nil {
			return nil, fmt.Errorf("cardNumber: %v: %w", err, ErrInvalidOperation)
		}
	}

	card := &models.Card{
		OwnerID:        ownerID,
		ExpirationDate: expiry.Date(exp),
		Status:         status,
		Balance:        req.Balance.Round(2),
	}

	// Generated numbers can still race with a concurrent insert; retry those.
	// A caller supplied number that collides is a conflict.
	for attempt := 0; attempt < createRetries; attempt++ {
		card.ID = uuid.New().String()
		card.Number = number
		if card.Number == "" {
			pan, err := cardgen.GenerateUniquePAN(s.bin(), 10, func(pan string) (bool, error) {
				return s.repo.ExistsCardNumber(ctx, pan)
			})
			if err != nil {
				return nil, fmt.Errorf("generate unique pan: %w", err)
			}
			card.Number = pan
		}

		err := s.repo.CreateCard(ctx, card)
		if err == nil {
			s.logger.Info("card created",
				slog.String("admin", p.ID),
				slog.String("card_id", card.ID),
				slog.String("card", cardgen.MaskPAN(card.Number)),
			)
			return card, nil
		}
		if errors.Is(err, ErrConflict) && number == "" {
			continue
		}
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("card %s already exists: %w", cardgen.MaskPAN(number), ErrConflict)
		}
		return nil, fmt.Errorf("creating card: %w", err)
	}
	return nil, fmt.Errorf("could not create unique card after %d attempts: %w", createRetries, ErrConflict)
}

func (s *Service) bin() string {
	bin := s.cfg.BINPrefix
	if err := cardgen.ValidateBIN(bin); err != nil {
		return defaultBIN
	}
	return bin
}

func (s *Service) GetCard(ctx context.Context, p Principal, id string) (*models.Card, error) {
	if err := requireAdmin(p, "view cards"); err != nil {
		return nil, err
	}
	card, err := s.repo.CardByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}
	return card, nil
}

func (s *Service) ListCards(ctx context.Context, p Principal) ([]*models.Card, error) {
	if err := requireAdmin(p, "list all cards"); err != nil {
		return nil, err
	}
	cards, _, err := s.repo.ListCards(ctx, models.CardFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}
	return cards, nil
}

// ChangeCardStatus lets an administrator block a card directly, without the
// request step. Any pending request for the card is consumed. Blocked cards
// are never re-activated.
func (s *Service) ChangeCardStatus(ctx context.Context, p Principal, id string, status models.CardStatus) (*models.Card, error) {
	if err := requireAdmin(p, "change card status"); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, fmt.Errorf("unknown card status %q: %w", status, ErrInvalidOperation)
	}

	current, err := s.repo.CardByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding card: %w", err)
	}

	var out *models.Card
	err = s.repo.InTx(ctx, func(tx Tx) error {
		cards, err := tx.LockCardsByNumber(ctx, current.Number)
		if err != nil {
			return fmt.Errorf("locking card: %w", err)
		}
		card := pickCard(cards, current.Number)
		if card == nil {
			return fmt.Errorf("card id %s not found: %w", id, ErrCardNotFound)
		}
		if card.Status == status {
			out = card
			return nil
		}
		if status == models.CardStatusActive {
			return fmt.Errorf("blocked cards cannot be re-activated: %w", ErrInvalidOperation)
		}

		if err := tx.UpdateCardStatus(ctx, card.ID, status); err != nil {
			return fmt.Errorf("updating status: %w", err)
		}
		req, err := tx.LockBlockingRequest(ctx, card.Number)
		switch {
		case err == nil:
			if err := tx.DeleteBlockingRequest(ctx, req.ID); err != nil {
				return fmt.Errorf("consuming blocking request: %w", err)
			}
		case !errors.Is(err, ErrRequestNotFound):
			return fmt.Errorf("loading pending request: %w", err)
		}
		card.Status = status
		out = card
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("card status changed", slog.String("admin", p.ID), slog.String("card_id", id), slog.String("status", string(status)))
	return out, nil
}

// BlockCard is ChangeCardStatus to BLOCKED.
func (s *Service) BlockCard(ctx context.Context, p Principal, id string) (*models.Card, error) {
	return s.ChangeCardStatus(ctx, p, id, models.CardStatusBlocked)
}

func (s *Service) DeleteCard(ctx context.Context, p Principal, id string) (*models.Ack, error) {
	if err := requireAdmin(p, "delete cards"); err != nil {
		return nil, err
	}
	if err := s.repo.DeleteCard(ctx, id); err != nil {
		return nil, fmt.Errorf("deleting card: %w", err)
	}
	s.logger.Info("card deleted", slog.String("admin", p.ID), slog.String("card_id", id))
	return &models.Ack{Message: fmt.Sprintf("Card with id: %s has been deleted", id)}, nil
}

// MyCards returns one page of the caller's cards, optionally filtered by a
// card number substring. Numbers are masked in the result.
func (s *Service) MyCards(ctx context.Context, p Principal, search string, page, size int) (*models.CardPage, error) {
	if page < 0 {
		return nil, fmt.Errorf("page must not be negative: %w", ErrInvalidOperation)
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		return nil, fmt.Errorf("size must be at most %d: %w", maxPageSize, ErrInvalidOperation)
	}
	if page > math.MaxInt/size {
		return nil, fmt.Errorf("page %d is out of range: %w", page, ErrInvalidOperation)
	}
	search = cardgen.NormalizePAN(search)
	if !cardgen.IsDigits(search) {
		return nil, fmt.Errorf("search must contain digits only: %w", ErrInvalidOperation)
	}

	cards, total, err := s.repo.ListCards(ctx, models.CardFilter{
		OwnerID: p.ID,
		Search:  search,
		Offset:  page * size,
		Limit:   size,
	})
	if err != nil {
		return nil, fmt.Errorf("listing cards: %w", err)
	}

	now := s.now()
	out := &models.CardPage{
		Items:         make([]models.CardResponse, 0, len(cards)),
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    (total + size - 1) / size,
	}
	for _, c := range cards {
		out.Items = append(out.Items, models.ToCardResponse(*c, true, now))
	}
	return out, nil
}
