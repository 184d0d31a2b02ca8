package ledger_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alovak/bankcards/ledger"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var (
	testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	alice = ledger.Principal{ID: "alice", Username: "alice", Role: ledger.RoleUser}
	bob   = ledger.Principal{ID: "bob", Username: "bob", Role: ledger.RoleUser}
	admin = ledger.Principal{ID: "root", Username: "root", Role: ledger.RoleAdmin}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*ledger.Service, *ledger.MemRepository) {
	t.Helper()
	repo := ledger.NewRepository()
	svc := ledger.NewService(repo, ledger.DefaultConfig(), discardLogger())
	svc.SetClock(func() time.Time { return testNow })
	return svc, repo
}

type cardOpt func(*models.Card)

func blocked(c *models.Card) { c.Status = models.CardStatusBlocked }

func expiresOn(date string) cardOpt {
	return func(c *models.Card) {
		c.ExpirationDate = time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
		d, err := time.Parse("2006-01-02", date)
		if err == nil {
			c.ExpirationDate = d
		}
	}
}

func seedCard(t *testing.T, repo ledger.Repository, number, owner, balance string, opts ...cardOpt) *models.Card {
	t.Helper()
	c := &models.Card{
		ID:             uuid.New().String(),
		Number:         number,
		OwnerID:        owner,
		ExpirationDate: time.Date(2030, 1, 31, 0, 0, 0, 0, time.UTC),
		Status:         models.CardStatusActive,
		Balance:        decimal.RequireFromString(balance),
	}
	for _, o := range opts {
		o(c)
	}
	require.NoError(t, repo.CreateCard(context.Background(), c))
	return c
}

func balanceOf(t *testing.T, repo ledger.Repository, number string) decimal.Decimal {
	t.Helper()
	c, err := repo.CardByNumber(context.Background(), number)
	require.NoError(t, err)
	return c.Balance
}

func requireBalance(t *testing.T, repo ledger.Repository, number, want string) {
	t.Helper()
	got := balanceOf(t, repo, number)
	require.Truef(t, got.Equal(decimal.RequireFromString(want)), "balance of %s = %s, want %s", number, got, want)
}
