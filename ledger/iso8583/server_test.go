package iso8583

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alovak/bankcards/ledger/models"
	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

const (
	from = "4000001234567891"
	to   = "4000001234567892"
)

func TestResponseCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, CodeApproved},
		{fmt.Errorf("x: %w", models.ErrInsufficientBalance), CodeInsufficientFunds},
		{fmt.Errorf("x: %w", models.ErrCardNotFound), CodeNoSuchCard},
		{fmt.Errorf("x: %w", models.ErrAccessDenied), CodeNotPermitted},
		{fmt.Errorf("x: %w", models.ErrCardBlocked), CodeRestrictedCard},
		{fmt.Errorf("x: %w", models.ErrCardExpired), CodeExpiredCard},
		{fmt.Errorf("x: %w", models.ErrInvalidOperation), CodeInvalidTxn},
		{fmt.Errorf("x: %w", models.ErrTransient), CodeSystemBusy},
		{io.ErrUnexpectedEOF, CodeSystemError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ResponseCode(tt.err))
	}
}

func TestTransferMessage(t *testing.T) {
	msg, err := NewTransferRequest(from, to, decimal.RequireFromString("12.34"), "000042", "alice")
	require.NoError(t, err)

	packed, err := msg.Pack()
	require.NoError(t, err)

	unpacked := iso8583.NewMessage(Spec)
	require.NoError(t, unpacked.Unpack(packed))

	amount, err := unpacked.GetString(4)
	require.NoError(t, err)
	require.Equal(t, "000000001234", amount)

	target, err := unpacked.GetString(103)
	require.NoError(t, err)
	require.Equal(t, to, target)

	req, userID, err := transferFromMessage(unpacked)
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
	require.Equal(t, from, req.FromCardNumber)
	require.Equal(t, to, req.ToCardNumber)
	require.True(t, req.Amount.Equal(decimal.RequireFromString("12.34")))

	_, err = NewTransferRequest(from, to, decimal.RequireFromString("0.001"), "000043", "alice")
	require.Error(t, err)
}

func TestSpecAccountIdentification2(t *testing.T) {
	require.Contains(t, Spec.Fields, 103)
	for id := range iso8583.Spec87.Fields {
		require.Contains(t, Spec.Fields, id)
	}
	require.NotContains(t, iso8583.Spec87.Fields, 103)

	msg := iso8583.NewMessage(Spec)
	msg.MTI(MTITransferRequest)
	require.NoError(t, msg.Field(11, "000001"))
	require.NoError(t, msg.Field(103, "0000001234567892"))
	packed, err := msg.Pack()
	require.NoError(t, err)

	unpacked := iso8583.NewMessage(Spec)
	require.NoError(t, unpacked.Unpack(packed))
	v, err := unpacked.GetString(103)
	require.NoError(t, err)
	require.Equal(t, "0000001234567892", v)

	require.NoError(t, msg.Field(103, strings.Repeat("1", 29)))
	_, err = msg.Pack()
	require.Error(t, err)
}

func TestTransferMessageWithoutUser(t *testing.T) {
	msg, err := NewTransferRequest(from, to, decimal.NewFromInt(1), "000001", "")
	require.NoError(t, err)

	_, _, err = transferFromMessage(msg)
	require.ErrorIs(t, err, models.ErrAccessDenied)
}

func TestMessageLength(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteMessageLength(&buf, 300)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x2C}, buf.Bytes())

	n, err := ReadMessageLength(&buf)
	require.NoError(t, err)
	require.Equal(t, 300, n)

	_, err = WriteMessageLength(&buf, 70000)
	require.Error(t, err)
}

type recordedTransfer struct {
	userID string
	req    models.TransferRequest
}

func TestServer(t *testing.T) {
	var mu sync.Mutex
	var seen []recordedTransfer
	transfer := func(ctx context.Context, userID string, req models.TransferRequest) (*models.TransferResult, error) {
		mu.Lock()
		seen = append(seen, recordedTransfer{userID: userID, req: req})
		mu.Unlock()
		if req.Amount.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("balance 100.00 is less than %s: %w", req.Amount.StringFixed(2), models.ErrInsufficientBalance)
		}
		return &models.TransferResult{}, nil
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(logger, "127.0.0.1:0", transfer)
	require.NoError(t, server.Start())
	defer server.Close()

	client, err := NewClient(server.Addr, 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Transfer(from, to, decimal.RequireFromString("25.00"), "alice")
	require.NoError(t, err)
	require.True(t, resp.Approved())
	require.Len(t, resp.AuthID, 6)

	resp, err = client.Transfer(from, to, decimal.RequireFromString("250.00"), "alice")
	require.NoError(t, err)
	require.False(t, resp.Approved())
	require.Equal(t, CodeInsufficientFunds, resp.Code)
	require.Empty(t, resp.AuthID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.Equal(t, "alice", seen[0].userID)
	require.Equal(t, from, seen[0].req.FromCardNumber)
	require.Equal(t, to, seen[0].req.ToCardNumber)
	require.True(t, seen[0].req.Amount.Equal(decimal.NewFromInt(25)))
}

func TestServerDeclinesUnsupportedProcessingCode(t *testing.T) {
	called := false
	transfer := func(ctx context.Context, userID string, req models.TransferRequest) (*models.TransferResult, error) {
		called = true
		return &models.TransferResult{}, nil
	}
	server := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1:0", transfer)
	require.NoError(t, server.Start())
	defer server.Close()

	conn, err := connection.New(server.Addr, Spec, ReadMessageLength, WriteMessageLength,
		connection.SendTimeout(5*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, conn.Connect())
	defer conn.Close()

	msg, err := NewTransferRequest(from, to, decimal.NewFromInt(1), "000077", "alice")
	require.NoError(t, err)
	require.NoError(t, msg.Field(3, "300000"))

	resp, err := conn.Send(msg)
	require.NoError(t, err)

	mti, err := resp.GetMTI()
	require.NoError(t, err)
	require.Equal(t, MTITransferResponse, mti)

	code, err := resp.GetString(39)
	require.NoError(t, err)
	require.Equal(t, CodeInvalidTxn, code)

	stan, err := resp.GetString(11)
	require.NoError(t, err)
	require.Equal(t, "000077", stan)
	require.False(t, called)
}

func TestServerConcurrentClients(t *testing.T) {
	transfer := func(ctx context.Context, userID string, req models.TransferRequest) (*models.TransferResult, error) {
		return &models.TransferResult{}, nil
	}
	server := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)), "127.0.0.1:0", transfer)
	require.NoError(t, server.Start())
	defer server.Close()

	client, err := NewClient(server.Addr, 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Transfer(from, to, decimal.NewFromInt(1), "alice")
			if err != nil {
				errs <- err
				return
			}
			if !resp.Approved() {
				errs <- fmt.Errorf("declined with %s", resp.Code)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}
