package models

import (
	"time"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/internal/expiry"
	"github.com/shopspring/decimal"
)

// reissueWindowDays flags cards whose expiration falls within this many days.
const reissueWindowDays = 30

// CreateCard is the administrative payload for issuing a card.
// CardNumber and ExpirationDate are optional; the service fills them in.
type CreateCard struct {
	CardNumber     string          `json:"cardNumber"`
	OwnerID        string          `json:"ownerId"`
	ExpirationDate string          `json:"expirationDate"`
	Status         CardStatus      `json:"status"`
	Balance        decimal.Decimal `json:"balance"`
}

type CardResponse struct {
	ID             string     `json:"id"`
	CardNumber     string     `json:"cardNumber"`
	OwnerID        string     `json:"ownerId"`
	ExpirationDate string     `json:"expirationDate"`
	CardFace       string     `json:"cardFace"`
	Status         CardStatus `json:"status"`
	Balance        string     `json:"balance"`
	ReissueDue     bool       `json:"reissueDue"`
}

// ToCardResponse converts a card for the API; masked hides all but the last four digits.
func ToCardResponse(c Card, masked bool, now time.Time) CardResponse {
	number := c.Number
	if masked {
		number = cardgen.MaskPAN(number)
	}
	return CardResponse{
		ID:             c.ID,
		CardNumber:     number,
		OwnerID:        c.OwnerID,
		ExpirationDate: c.ExpirationDate.Format(expiry.DateLayout),
		CardFace:       expiry.CardFace(c.ExpirationDate),
		Status:         c.Status,
		Balance:        c.Balance.StringFixed(2),
		ReissueDue:     expiry.ReissueDue(c.ExpirationDate, now, reissueWindowDays),
	}
}

// CardPage is one page of a cardholder's cards.
type CardPage struct {
	Items         []CardResponse `json:"content"`
	Page          int            `json:"page"`
	Size          int            `json:"size"`
	TotalElements int            `json:"totalElements"`
	TotalPages    int            `json:"totalPages"`
}
