// Package ledgerclient is a small typed client for the ledger HTTP API,
// used by the command line tools.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alovak/bankcards/internal/middleware"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/shopspring/decimal"
)

type Client struct {
	Base  string
	HTTP  *http.Client
	Token string
}

func New(base, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc, Token: token}
}

// WithToken returns a copy of c authenticating as another principal.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.Token = token
	return &cp
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       middleware.ErrorBody
	Raw        string
}

func (e *APIError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("status=%d %s: %s", e.StatusCode, e.Body.Error, e.Body.Message)
	}
	return fmt.Sprintf("status=%d body=%s", e.StatusCode, e.Raw)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Raw: strings.TrimSpace(string(raw))}
		_ = json.Unmarshal(raw, &apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) CreateCard(ctx context.Context, req models.CreateCard) (*models.CardResponse, error) {
	var out models.CardResponse
	if err := c.do(ctx, http.MethodPost, "/api/cards", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (*models.TransferResponse, error) {
	var out models.TransferResponse
	req := models.TransferRequest{FromCardNumber: from, ToCardNumber: to, Amount: amount}
	if err := c.do(ctx, http.MethodPost, "/api/transactions/transfer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestBlocking(ctx context.Context, cardNumber, comment string) (*models.Ack, error) {
	var out models.Ack
	req := models.RequestBlocking{CardNumber: cardNumber, Comment: comment}
	if err := c.do(ctx, http.MethodPost, "/api/cards/blocking/request", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApproveBlocking(ctx context.Context, cardNumber string) (*models.Ack, error) {
	var out models.Ack
	if err := c.do(ctx, http.MethodPost, "/api/cards/blocking/approve/"+url.PathEscape(cardNumber), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetCard(ctx context.Context, id string) (*models.CardResponse, error) {
	var out models.CardResponse
	if err := c.do(ctx, http.MethodGet, "/api/cards/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MyCards(ctx context.Context, search string, page, size int) (*models.CardPage, error) {
	q := url.Values{}
	if search != "" {
		q.Set("search", search)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out models.CardPage
	if err := c.do(ctx, http.MethodGet, "/api/cards/my?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
