package iso8583

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alovak/bankcards/internal/cardgen"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/moov-io/iso8583"
	connection "github.com/moov-io/iso8583-connection"
	"github.com/moov-io/iso8583-connection/server"
	"golang.org/x/exp/slog"
)

// TransferFunc executes a transfer on behalf of userID.
type TransferFunc func(ctx context.Context, userID string, req models.TransferRequest) (*models.TransferResult, error)

// Server answers 0200 transfer requests with 0210 responses.
type Server struct {
	Addr string

	listenAddr string
	logger     *slog.Logger
	transfer   TransferFunc
	timeout    time.Duration

	srv *server.Server
}

func NewServer(logger *slog.Logger, addr string, transfer TransferFunc) *Server {
	s := &Server{
		listenAddr: addr,
		logger:     logger.With(slog.String("component", "iso8583")),
		transfer:   transfer,
		timeout:    30 * time.Second,
	}
	s.srv = server.New(Spec, ReadMessageLength, WriteMessageLength,
		connection.InboundMessageHandler(s.handle),
		connection.ErrorHandler(func(err error) {
			s.logger.Warn("connection error", slog.Any("err", err))
		}),
	)
	return s
}

func (s *Server) Start() error {
	if err := s.srv.Start(s.listenAddr); err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}
	s.Addr = s.srv.Addr
	s.logger.Info("iso8583 server started", slog.String("addr", s.Addr))
	return nil
}

// Close stops accepting and closes open connections.
func (s *Server) Close() error {
	s.srv.Close()
	s.logger.Info("iso8583 server stopped")
	return nil
}

// handle answers one inbound request on c. It runs in its own goroutine.
func (s *Server) handle(c *connection.Connection, msg *iso8583.Message) {
	code, authID := s.process(msg)

	resp, err := newResponse(msg, code, authID)
	if err != nil {
		s.logger.Error("building response", slog.Any("err", err))
		return
	}
	if err := c.Reply(resp); err != nil {
		s.logger.Warn("replying", slog.String("remote", c.Addr()), slog.Any("err", err))
	}
}

func (s *Server) process(msg *iso8583.Message) (code, authID string) {
	req, userID, err := transferFromMessage(msg)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		_, err = s.transfer(ctx, userID, req)
	}

	stan, _ := msg.GetString(11)
	code = ResponseCode(err)
	attrs := []any{
		slog.String("stan", stan),
		slog.String("from", cardgen.MaskPAN(req.FromCardNumber)),
		slog.String("to", cardgen.MaskPAN(req.ToCardNumber)),
		slog.String("code", code),
	}
	if err != nil {
		s.logger.Warn("transfer declined", append(attrs, slog.Any("err", err))...)
		return code, ""
	}
	authID = fmt.Sprintf("%06d", rand.IntN(1_000_000))
	s.logger.Info("transfer approved", append(attrs, slog.String("auth_id", authID))...)
	return code, authID
}
