package models

import "github.com/shopspring/decimal"

// TransferRequest moves Amount from FromCardNumber to ToCardNumber.
type TransferRequest struct {
	FromCardNumber string          `json:"fromCardNumber"`
	ToCardNumber   string          `json:"toCardNumber"`
	Amount         decimal.Decimal `json:"amount"`
}

// TransferResult carries the balances of both cards after a committed transfer.
type TransferResult struct {
	FromCardNumber string
	FromBalance    decimal.Decimal
	ToCardNumber   string
	ToBalance      decimal.Decimal
	Message        string
}

type TransferResponse struct {
	FromCardNumber string `json:"fromCardNumber"`
	FromBalance    string `json:"fromBalance"`
	ToCardNumber   string `json:"toCardNumber"`
	ToBalance      string `json:"toBalance"`
	Message        string `json:"message"`
}

func ToTransferResponse(r TransferResult) TransferResponse {
	return TransferResponse{
		FromCardNumber: r.FromCardNumber,
		FromBalance:    r.FromBalance.StringFixed(2),
		ToCardNumber:   r.ToCardNumber,
		ToBalance:      r.ToBalance.StringFixed(2),
		Message:        r.Message,
	}
}
