package models

import "errors"

// Business errors are returned wrapped with context; test them with errors.Is.
var (
	ErrCardNotFound        = errors.New("card not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrDuplicateRequest    = errors.New("blocking request already exists")
	ErrRequestNotFound     = errors.New("blocking request not found")
	ErrCardBlocked         = errors.New("card is blocked")
	ErrCardExpired         = errors.New("card is expired")
	ErrConflict            = errors.New("conflict")
)

// ErrTransient marks store failures (lock timeout, deadlock, serialization failure)
// that may succeed when retried. It is never a business outcome.
var ErrTransient = errors.New("transient store failure")
