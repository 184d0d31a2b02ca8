package ledger

import (
	"errors"

	"github.com/alovak/bankcards/ledger/models"
)

// The ledger errors are defined next to the models so transports that only
// see models can classify them.
var (
	ErrCardNotFound        = models.ErrCardNotFound
	ErrAccessDenied        = models.ErrAccessDenied
	ErrInsufficientBalance = models.ErrInsufficientBalance
	ErrInvalidOperation    = models.ErrInvalidOperation
	ErrDuplicateRequest    = models.ErrDuplicateRequest
	ErrRequestNotFound     = models.ErrRequestNotFound
	ErrCardBlocked         = models.ErrCardBlocked
	ErrCardExpired         = models.ErrCardExpired
	ErrConflict            = models.ErrConflict
	ErrTransient           = models.ErrTransient
)

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
