package ledger_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alovak/bankcards/ledger"
	"github.com/alovak/bankcards/ledger/models"
	"github.com/stretchr/testify/require"
)

func blockReq(number string) models.RequestBlocking {
	return models.RequestBlocking{CardNumber: number, Comment: "lost it on the train"}
}

func TestRequestBlocking(t *testing.T) {
	ctx := context.Background()

	t.Run("creates one pending request", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")

		ack, err := svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.NoError(t, err)
		require.Equal(t, "Request for blocking your card was sent", ack.Message)

		reqs, err := svc.ListBlockingRequests(ctx, admin)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		require.Equal(t, cardA, reqs[0].CardNumber)
		require.Equal(t, "lost it on the train", reqs[0].Comment)

		// the card stays usable until an administrator approves
		card, err := repo.CardByNumber(ctx, cardA)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusActive, card.Status)
	})

	t.Run("second request for the same card is a duplicate", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")

		_, err := svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.NoError(t, err)

		_, err = svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.ErrorIs(t, err, ledger.ErrDuplicateRequest)

		// duplicate wins over ownership
		_, err = svc.RequestBlocking(ctx, bob, blockReq(cardA))
		require.ErrorIs(t, err, ledger.ErrDuplicateRequest)
	})

	t.Run("already blocked card is acknowledged without a request", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10", blocked)

		ack, err := svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.NoError(t, err)
		require.Equal(t, "Your card already blocked", ack.Message)

		reqs, err := svc.ListBlockingRequests(ctx, admin)
		require.NoError(t, err)
		require.Empty(t, reqs)
	})

	t.Run("unknown card", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.ErrorIs(t, err, ledger.ErrCardNotFound)
	})

	t.Run("only the owner or an administrator", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")
		seedCard(t, repo, cardB, alice.ID, "10")

		_, err := svc.RequestBlocking(ctx, bob, blockReq(cardA))
		require.ErrorIs(t, err, ledger.ErrAccessDenied)

		_, err = svc.RequestBlocking(ctx, admin, blockReq(cardB))
		require.NoError(t, err)
	})

	t.Run("validates input", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")

		_, err := svc.RequestBlocking(ctx, alice, models.RequestBlocking{CardNumber: cardA, Comment: "   "})
		require.ErrorIs(t, err, ledger.ErrInvalidOperation)

		_, err = svc.RequestBlocking(ctx, alice, models.RequestBlocking{CardNumber: cardA, Comment: strings.Repeat("x", 1001)})
		require.ErrorIs(t, err, ledger.ErrInvalidOperation)

		_, err = svc.RequestBlocking(ctx, alice, models.RequestBlocking{CardNumber: "12", Comment: "lost"})
		require.ErrorIs(t, err, ledger.ErrInvalidOperation)
	})

	t.Run("concurrent requests create exactly one", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")

		const n = 16
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.RequestBlocking(ctx, alice, blockReq(cardA))
			}(i)
		}
		wg.Wait()

		var ok, dup int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case ledger.ErrorStatus(err) == 409:
				dup++
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, n-1, dup)
	})
}

func TestApproveBlocking(t *testing.T) {
	ctx := context.Background()

	t.Run("blocks the card and consumes the request", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")
		seedCard(t, repo, cardB, alice.ID, "10")

		_, err := svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.NoError(t, err)

		ack, err := svc.ApproveBlocking(ctx, admin, cardA)
		require.NoError(t, err)
		require.Equal(t, "Card with number ************7891 has been blocked", ack.Message)

		card, err := repo.CardByNumber(ctx, cardA)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusBlocked, card.Status)

		reqs, err := svc.ListBlockingRequests(ctx, admin)
		require.NoError(t, err)
		require.Empty(t, reqs)

		// approval is final
		_, err = svc.ApproveBlocking(ctx, admin, cardA)
		require.ErrorIs(t, err, ledger.ErrRequestNotFound)

		_, err = svc.Transfer(ctx, alice, transferReq(cardA, cardB, "1"))
		require.ErrorIs(t, err, ledger.ErrCardBlocked)

		ack, err = svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.NoError(t, err)
		require.Equal(t, "Your card already blocked", ack.Message)
	})

	t.Run("without a pending request", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")

		_, err := svc.ApproveBlocking(ctx, admin, cardA)
		require.ErrorIs(t, err, ledger.ErrRequestNotFound)

		card, err := repo.CardByNumber(ctx, cardA)
		require.NoError(t, err)
		require.Equal(t, models.CardStatusActive, card.Status)
	})

	t.Run("administrators only", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedCard(t, repo, cardA, alice.ID, "10")
		_, err := svc.RequestBlocking(ctx, alice, blockReq(cardA))
		require.NoError(t, err)

		_, err = svc.ApproveBlocking(ctx, alice, cardA)
		require.ErrorIs(t, err, ledger.ErrAccessDenied)

		_, err = svc.ListBlockingRequests(ctx, alice)
		require.ErrorIs(t, err, ledger.ErrAccessDenied)

		reqs, err := svc.ListBlockingRequests(ctx, admin)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
	})
}
