package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfers by outcome",
	}, []string{"result"})

	transferLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_transfer_duration_seconds",
		Help:    "Transfer latency including lock waits",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	blockingRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_blocking_requests_total",
		Help: "Blocking workflow calls by step and outcome",
	}, []string{"step", "result"})
)

// resultLabel maps an operation error onto a low-cardinality metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrCardNotFound):
		return "card_not_found"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrCardBlocked):
		return "card_blocked"
	case errors.Is(err, ErrCardExpired):
		return "card_expired"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrRequestNotFound):
		return "request_not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
