package iso8583

import (
	"fmt"
	"sync/atomic"
	"time"

	connection "github.com/moov-io/iso8583-connection"
	"github.com/shopspring/decimal"
)

// Client sends transfer requests over one multiplexed connection.
// Responses are matched to requests by STAN.
type Client struct {
	conn *connection.Connection
	stan atomic.Uint32
}

func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := connection.New(addr, Spec, ReadMessageLength, WriteMessageLength,
		connection.SendTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// TransferResponse is the decoded 0210.
type TransferResponse struct {
	Code   string
	AuthID string
	STAN   string
}

func (r TransferResponse) Approved() bool {
	return r.Code == CodeApproved
}

// Transfer sends a 0200 and waits for the matching 0210.
func (c *Client) Transfer(from, to string, amount decimal.Decimal, userID string) (*TransferResponse, error) {
	stan := fmt.Sprintf("%06d", c.stan.Add(1)%1_000_000)
	msg, err := NewTransferRequest(from, to, amount, stan, userID)
	if err != nil {
		return nil, err
	}

	resp, err := c.conn.Send(msg)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	out := &TransferResponse{}
	if out.Code, err = resp.GetString(39); err != nil {
		return nil, fmt.Errorf("reading response code: %w", err)
	}
	out.AuthID, _ = resp.GetString(38)
	out.STAN, _ = resp.GetString(11)
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
