package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"
)

// maxBalance is the largest value a numeric(15,2) balance column holds.
var maxBalance = decimal.RequireFromString("9999999999999.99")

// Transfer moves req.Amount between two cards owned by p.
//
// Both card rows are locked with one query, so two transfers over the same
// pair in opposite directions cannot deadlock. Balances are re-read under the
// lock; either both updates commit or neither does.
func (s *Service) Transfer(ctx context.Context, p Principal, req models.TransferRequest) (*models.TransferResult, error) {
	start := time.Now()
	result, err := s.transfer(ctx, p, req)
	transferLatency.Observe(time.Since(start).Seconds())
	transfersTotal.WithLabelValues(resultLabel(err)).Inc()

	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer committed",
		slog.String("user", p.ID),
		slog.String("from", result.FromCardNumber),
		slog.String("to", result.ToCardNumber),
		slog.String("amount", req.Amount.StringFixed(2)),
	)
	return result, nil
}

func (s *Service) transfer(ctx context.Context, p Principal, req models.TransferRequest) (*models.TransferResult, error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}

	var result *models.TransferResult
	err := s.repo.InTx(ctx, func(tx Tx) error {
		cards, err := tx.LockCardsByNumber(ctx, req.FromCardNumber, req.ToCardNumber)
		if err != nil {
			return fmt.Errorf("locking cards: %w", err)
		}

		from, to := pickCard(cards, req.FromCardNumber), pickCard(cards, req.ToCardNumber)
		if from == nil {
			return fmt.Errorf("source card %s not found: %w", cardgen.MaskPAN(req.FromCardNumber), ErrCardNotFound)
		}
		if to == nil {
			return fmt.Errorf("target card %s not found: %w", cardgen.MaskPAN(req.ToCardNumber), ErrCardNotFound)
		}

		if from.OwnerID != p.ID {
			return fmt.Errorf("you can transfer money only from your own cards: %w", ErrAccessDenied)
		}
		if to.OwnerID != p.ID {
			return fmt.Errorf("you can transfer money only to your own cards: %w", ErrAccessDenied)
		}

		now := s.now()
		for _, c := range []*models.Card{from, to} {
			if c.Status == models.CardStatusBlocked {
				return fmt.Errorf("card %s: %w", cardgen.MaskPAN(c.Number), ErrCardBlocked)
			}
			if expiry.IsExpired(c.ExpirationDate, now) {
				return fmt.Errorf("card %s expired on %s: %w", cardgen.MaskPAN(c.Number), c.ExpirationDate.Format(expiry.DateLayout), ErrCardExpired)
			}
		}

		if from.Balance.LessThan(req.Amount) {
			return fmt.Errorf("balance %s is less than %s: %w", from.Balance.StringFixed(2), req.Amount.StringFixed(2), ErrInsufficientBalance)
		}

		fromBalance := from.Balance.Sub(req.Amount)
		toBalance := to.Balance.Add(req.Amount)
		if toBalance.GreaterThan(maxBalance) {
			return fmt.Errorf("target balance would exceed %s: %w", maxBalance.StringFixed(2), ErrInvalidOperation)
		}

		if err := tx.UpdateCardBalance(ctx, from.ID, fromBalance); err != nil {
			return fmt.Errorf("debiting source card: %w", err)
		}
		if err := tx.UpdateCardBalance(ctx, to.ID, toBalance); err != nil {
			return fmt.Errorf("crediting target card: %w", err)
		}

		result = &models.TransferResult{
			FromCardNumber: cardgen.MaskPAN(from.Number),
			FromBalance:    fromBalance,
			ToCardNumber:   cardgen.MaskPAN(to.Number),
			ToBalance:      toBalance,
			Message: fmt.Sprintf("Your current balances: fromCard = %s toCard = %s",
				fromBalance.StringFixed(2), toBalance.StringFixed(2)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func validateTransfer(req models.TransferRequest) error {
	if err := cardgen.ValidateCardNumber(req.FromCardNumber); err != nil {
		return fmt.Errorf("fromCardNumber: %v: %w", err, ErrInvalidOperation)
	}
	if err := cardgen.ValidateCardNumber(req.ToCardNumber); err != nil {
		return fmt.Errorf("toCardNumber: %v: %w", err, ErrInvalidOperation)
	}
	if req.FromCardNumber == req.ToCardNumber {
		return fmt.Errorf("cannot transfer to the same card: %w", ErrInvalidOperation)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive: %w", ErrInvalidOperation)
	}
	if !req.Amount.Equal(req.Amount.Truncate(2)) {
		return fmt.Errorf("amount must have at most 2 decimal places: %w", ErrInvalidOperation)
	}
	if req.Amount.GreaterThan(maxBalance) {
		return fmt.Errorf("amount exceeds %s: %w", maxBalance.StringFixed(2), ErrInvalidOperation)
	}
	return nil
}

func pickCard(cards []*models.Card, number string) *models.Card {
	for _, c := range cards {
		if c.Number == number {
			return c
		}
	}
	return nil
}
