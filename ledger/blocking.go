package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

const (
	msgAlreadyBlocked  = "Your card already blocked"
	msgBlockingSent    = "Request for blocking your card was sent"
	maxBlockingComment = 1000
)

// RequestBlocking records a pending request to block a card.
//
// Checks run in a fixed order: an existing request wins over a missing card,
// which wins over ownership. A card that is already BLOCKED is acknowledged
// without creating a request.
func (s *Service) RequestBlocking(ctx context.Context, p Principal, req models.RequestBlocking) (*models.Ack, error) {
	ack, err := s.requestBlocking(ctx, p, req)
	blockingRequestsTotal.WithLabelValues("request", resultLabel(err)).Inc()
	return ack, err
}

func (s *Service) requestBlocking(ctx context.Context, p Principal, req models.RequestBlocking) (*models.Ack, error) {
	if err := cardgen.ValidateCardNumber(req.CardNumber); err != nil {
		return nil, fmt.Errorf("cardNumber: %v: %w", err, ErrInvalidOperation)
	}
	comment := strings.TrimSpace(req.Comment)
	if comment == "" {
		return nil, fmt.Errorf("comment must not be blank: %w", ErrInvalidOperation)
	}
	if len(comment) > maxBlockingComment {
		return nil, fmt.Errorf("comment must be at most %d characters: %w", maxBlockingComment, ErrInvalidOperation)
	}

	masked := cardgen.MaskPAN(req.CardNumber)
	var ack *models.Ack
	err := s.repo.InTx(ctx, func(tx Tx) error {
		// The card row lock serialises concurrent requests for the same card.
		cards, err := tx.LockCardsByNumber(ctx, req.CardNumber)
		if err != nil {
			return fmt.Errorf("locking card: %w", err)
		}

		_, err = tx.LockBlockingRequest(ctx, req.CardNumber)
		switch {
		case err == nil:
			return fmt.Errorf("card %s already has a pending blocking request: %w", masked, ErrDuplicateRequest)
		case !errors.Is(err, ErrRequestNotFound):
			return fmt.Errorf("checking pending request: %w", err)
		}

		card := pickCard(cards, req.CardNumber)
		if card == nil {
			return fmt.Errorf("card %s not found: %w", masked, ErrCardNotFound)
		}
		if card.OwnerID != p.ID && !p.IsAdmin() {
			return fmt.Errorf("you can request blocking only for your own cards: %w", ErrAccessDenied)
		}
		if card.Status == models.CardStatusBlocked {
			ack = &models.Ack{Message: msgAlreadyBlocked}
			return nil
		}

		err = tx.CreateBlockingRequest(ctx, &models.BlockingRequest{
			ID:         uuid.New().String(),
			CardNumber: card.Number,
			Comment:    comment,
			CreatedAt:  s.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("creating blocking request: %w", err)
		}
		ack = &models.Ack{Message: msgBlockingSent}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("blocking requested", slog.String("user", p.ID), slog.String("card", masked), slog.String("result", ack.Message))
	return ack, nil
}

// ApproveBlocking blocks the card and consumes its pending request in one transaction.
func (s *Service) ApproveBlocking(ctx context.Context, p Principal, cardNumber string) (*models.Ack, error) {
	ack, err := s.approveBlocking(ctx, p, cardNumber)
	blockingRequestsTotal.WithLabelValues("approve", resultLabel(err)).Inc()
	return ack, err
}

func (s *Service) approveBlocking(ctx context.Context, p Principal, cardNumber string) (*models.Ack, error) {
	if !p.IsAdmin() {
		return nil, fmt.Errorf("only administrators can approve blocking: %w", ErrAccessDenied)
	}
	if err := cardgen.ValidateCardNumber(cardNumber); err != nil {
		return nil, fmt.Errorf("cardNumber: %v: %w", err, ErrInvalidOperation)
	}

	masked := cardgen.MaskPAN(cardNumber)
	err := s.repo.InTx(ctx, func(tx Tx) error {
		cards, err := tx.LockCardsByNumber(ctx, cardNumber)
		if err != nil {
			return fmt.Errorf("locking card: %w", err)
		}
		req, err := tx.LockBlockingRequest(ctx, cardNumber)
		if err != nil {
			if errors.Is(err, ErrRequestNotFound) {
				return fmt.Errorf("no pending blocking request for card %s: %w", masked, ErrRequestNotFound)
			}
			return fmt.Errorf("loading pending request: %w", err)
		}
		card := pickCard(cards, cardNumber)
		if card == nil {
			return fmt.Errorf("card %s not found: %w", masked, ErrCardNotFound)
		}
		if err := tx.UpdateCardStatus(ctx, card.ID, models.CardStatusBlocked); err != nil {
			return fmt.Errorf("blocking card: %w", err)
		}
		if err := tx.DeleteBlockingRequest(ctx, req.ID); err != nil {
			return fmt.Errorf("consuming blocking request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("blocking approved", slog.String("admin", p.ID), slog.String("card", masked))
	return &models.Ack{Message: fmt.Sprintf("Card with number %s has been blocked", masked)}, nil
}

// ListBlockingRequests returns pending requests, oldest first. Administrators only.
func (s *Service) ListBlockingRequests(ctx context.Context, p Principal) ([]*models.BlockingRequest, error) {
	if !p.IsAdmin() {
		return nil, fmt.Errorf("only administrators can list blocking requests: %w", ErrAccessDenied)
	}
	reqs, err := s.repo.ListBlockingRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing blocking requests: %w", err)
	}
	return reqs, nil
}
