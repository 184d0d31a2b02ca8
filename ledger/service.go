package ledger

import (
	"time"

	"golang.org/x/exp/slog"
)

// Service implements the ledger operations: transfers, the blocking
// workflow and card administration. It keeps no balance state of its own;
// every decision is taken on rows read inside a Repository transaction.
type Service struct {
	repo   Repository
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ledger")),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for expiry checks and timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}
