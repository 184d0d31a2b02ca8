package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
)

// Valid reports whether s is a known card status.
func (s CardStatus) Valid() bool {
	return s == CardStatusActive || s == CardStatusBlocked
}

// Card is a payment card owned by exactly one user.
// Balance is never negative and Number never changes after creation.
type Card struct {
	ID             string
	Number         string
	OwnerID        string
	ExpirationDate time.Time
	Status         CardStatus
	Balance        decimal.Decimal
}

// CardFilter selects cards for listing. Zero values mean "no filter".
type CardFilter struct {
	OwnerID string
	Search  string
	Offset  int
	Limit   int
}
