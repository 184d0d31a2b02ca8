package models

import "time"

// BlockingRequest is a pending ask to move a card to BLOCKED.
// At most one exists per card number.
type BlockingRequest struct {
	ID         string
	CardNumber string
	Comment    string
	CreatedAt  time.Time
}

type RequestBlocking struct {
	CardNumber string `json:"cardNumber"`
	Comment    string `json:"comment"`
}

// Ack is a plain confirmation message, returned by both blocking steps and by card deletion.
type Ack struct {
	Message string `json:"message"`
}

type BlockingRequestResponse struct {
	ID         string    `json:"id"`
	CardNumber string    `json:"cardNumber"`
	Comment    string    `json:"comment"`
	CreatedAt  time.Time `json:"createdAt"`
}

func ToBlockingRequestResponse(r BlockingRequest) BlockingRequestResponse {
	return BlockingRequestResponse{
		ID:         r.ID,
		CardNumber: r.CardNumber,
		Comment:    r.Comment,
		CreatedAt:  r.CreatedAt,
	}
}
