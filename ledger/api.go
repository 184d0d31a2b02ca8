package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/alovak/bankcards/internal/middleware"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

// API is a HTTP API for the ledger service
type API struct {
	ledger  *Service
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	logger  *slog.Logger
}

// NewAPI builds the API. limiter may be nil.
func NewAPI(ledger *Service, auth *middleware.Authenticator, limiter *middleware.RateLimiter) *API {
	return &API{
		ledger:  ledger,
		auth:    auth,
		limiter: limiter,
		logger:  ledger.logger.With(slog.String("component", "api")),
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.auth.Handler)
		if a.limiter != nil {
			r.Use(a.limiter.Handler)
		}

		r.Post("/transfer", a.transfer)
		r.Post("/cards/blocking/request", a.requestBlocking)
		r.Post("/cards/blocking/approve/{cardNumber}", a.approveBlocking)

		r.Route("/api", func(r chi.Router) {
			r.Post("/transactions/transfer", a.transfer)
			r.Route("/cards", func(r chi.Router) {
				r.Post("/", a.createCard)
				r.Get("/", a.listCards)
				r.Get("/my", a.myCards)
				r.Get("/blocking", a.listBlockingRequests)
				r.Post("/blocking/request", a.requestBlocking)
				r.Post("/blocking/approve/{cardNumber}", a.approveBlocking)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.getCard)
					r.Delete("/", a.deleteCard)
					r.Patch("/block", a.blockCard)
					r.Patch("/status", a.changeCardStatus)
				})
			})
		})
	})
}

// principal converts the verified token claims of r into a Principal.
func principal(r *http.Request) (Principal, bool) {
	c, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		return Principal{}, false
	}
	role := RoleUser
	if strings.TrimPrefix(strings.ToUpper(c.Role), "ROLE_") == string(RoleAdmin) {
		role = RoleAdmin
	}
	return Principal{ID: c.UserID(), Username: c.Username, Role: role}, true
}

// call runs fn with the caller's principal, retrying transient store failures.
// It writes the error response itself and reports whether fn succeeded.
func (a *API) call(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, p Principal) error) bool {
	p, ok := principal(r)
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	cfg := a.ledger.cfg
	err := RetryTransient(r.Context(), cfg.TransientRetries, cfg.TransientBackoff, func() error {
		return fn(r.Context(), p)
	})
	if err != nil {
		a.writeError(w, r, err)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	var result *models.TransferResult
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		result, err = a.ledger.Transfer(ctx, p, req)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, models.ToTransferResponse(*result))
	}
}

func (a *API) requestBlocking(w http.ResponseWriter, r *http.Request) {
	var req models.RequestBlocking
	if !decode(w, r, &req) {
		return
	}
	var ack *models.Ack
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		ack, err = a.ledger.RequestBlocking(ctx, p, req)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, ack)
	}
}

func (a *API) approveBlocking(w http.ResponseWriter, r *http.Request) {
	cardNumber := chi.URLParam(r, "cardNumber")
	var ack *models.Ack
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		ack, err = a.ledger.ApproveBlocking(ctx, p, cardNumber)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, ack)
	}
}

func (a *API) listBlockingRequests(w http.ResponseWriter, r *http.Request) {
	var reqs []*models.BlockingRequest
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		reqs, err = a.ledger.ListBlockingRequests(ctx, p)
		return err
	})
	if !ok {
		return
	}
	out := make([]models.BlockingRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, models.ToBlockingRequestResponse(*req))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (a *API) createCard(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCard
	if !decode(w, r, &req) {
		return
	}
	var card *models.Card
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		card, err = a.ledger.CreateCard(ctx, p, req)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusCreated, models.ToCardResponse(*card, false, a.ledger.now()))
	}
}

func (a *API) listCards(w http.ResponseWriter, r *http.Request) {
	var cards []*models.Card
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		cards, err = a.ledger.ListCards(ctx, p)
		return err
	})
	if !ok {
		return
	}
	now := a.ledger.now()
	out := make([]models.CardResponse, 0, len(cards))
	for _, c := range cards {
		out = append(out, models.ToCardResponse(*c, false, now))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (a *API) myCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 0)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	size, err := intParam(q.Get("size"), defaultPageSize)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "size must be an integer")
		return
	}
	var out *models.CardPage
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		out, err = a.ledger.MyCards(ctx, p, q.Get("search"), page, size)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, out)
	}
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var card *models.Card
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		card, err = a.ledger.GetCard(ctx, p, id)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, models.ToCardResponse(*card, false, a.ledger.now()))
	}
}

func (a *API) blockCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var card *models.Card
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		card, err = a.ledger.BlockCard(ctx, p, id)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, models.ToCardResponse(*card, false, a.ledger.now()))
	}
}

// changeCardStatus accepts {"status": "BLOCKED"}; re-activation is refused by the service.
func (a *API) changeCardStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status models.CardStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	var card *models.Card
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		card, err = a.ledger.ChangeCardStatus(ctx, p, id, body.Status)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, models.ToCardResponse(*card, false, a.ledger.now()))
	}
}

func (a *API) deleteCard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var ack *models.Ack
	ok := a.call(w, r, func(ctx context.Context, p Principal) (err error) {
		ack, err = a.ledger.DeleteCard(ctx, p, id)
		return err
	})
	if ok {
		middleware.WriteJSON(w, http.StatusOK, ack)
	}
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{ErrInvalidOperation, http.StatusBadRequest},
	{ErrAccessDenied, http.StatusForbidden},
	{ErrCardNotFound, http.StatusNotFound},
	{ErrRequestNotFound, http.StatusNotFound},
	{ErrDuplicateRequest, http.StatusConflict},
	{ErrConflict, http.StatusConflict},
	{ErrInsufficientBalance, http.StatusUnprocessableEntity},
	{ErrCardBlocked, http.StatusUnprocessableEntity},
	{ErrCardExpired, http.StatusUnprocessableEntity},
	{ErrTransient, http.StatusServiceUnavailable},
}

// ErrorStatus maps a ledger error to its HTTP status code.
func ErrorStatus(err error) int {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorMessage drops the trailing sentinel text so clients read
// "source card ************1111 not found" rather than the wrapped chain.
func errorMessage(err error) string {
	msg := err.Error()
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return strings.TrimSuffix(msg, ": "+s.err.Error())
		}
	}
	return msg
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := ErrorStatus(err)
	attrs := []any{slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err)}

	switch {
	case status == http.StatusInternalServerError:
		a.logger.Error("request failed", attrs...)
		middleware.WriteError(w, status, "internal error")
		return
	case status == http.StatusServiceUnavailable:
		a.logger.Warn("store busy, retries exhausted", attrs...)
		w.Header().Set("Retry-After", "1")
		middleware.WriteError(w, status, "the ledger is busy, try again")
		return
	default:
		a.logger.Warn("request rejected", attrs...)
		middleware.WriteError(w, status, errorMessage(err))
	}
}
