package core

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// payment builds a signed payment request whose transfer pays amount to the
// test recipient.
func (h *harness) payment(t *testing.T, payer *ecdsa.PrivateKey, nonce string, amount uint64) types.PaymentRequest {
	t.Helper()

	p := NewPayload(amount, testRecipient, testResourceID, testResourceURL, nonce, 1, time.Now())
	req := signedRequest(t, h.verifier.Domain(), payer, p)

	st := testTransfer(t, payer, h.asset, common.HexToAddress(testRecipient), int64(amount), time.Now())
	req.SignedTransfer = encodeTransfer(t, st)
	return req
}

func TestSettle(t *testing.T) {

	ctx := context.Background()
	recipient := common.HexToAddress(testRecipient)

	t.Run("verify then settle", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		from := h.fund(payer, 5000)
		req := h.payment(t, payer, "n-verified", 1000)

		_, err := h.verifier.Verify(ctx, req)
		require.NoError(t, err)

		hash, err := h.engine.Settle(ctx, req)
		require.NoError(t, err)

		record, err := h.store.GetNonce(ctx, "n-verified")
		require.NoError(t, err)
		assert.True(t, record.Used())
		assert.Equal(t, hash, record.SettlementSignature)

		assert.Equal(t, int64(4000), h.tokenBalance(from))
		assert.Equal(t, int64(1000), h.tokenBalance(recipient))
	})

	t.Run("settle without a prior verify", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)

		_, err := h.engine.Settle(ctx, h.payment(t, payer, "n-direct", 1000))
		require.NoError(t, err)

		status, err := h.store.IsUsed(ctx, "n-direct")
		require.NoError(t, err)
		assert.True(t, status.Used)
	})

	t.Run("replay is rejected", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)
		req := h.payment(t, payer, "n-replay", 1000)

		_, err := h.engine.Settle(ctx, req)
		require.NoError(t, err)

		_, err = h.engine.Settle(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindNonce))
		assert.Len(t, h.fake.Sent(), 1)

		_, err = h.verifier.Verify(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindNonce))
	})

	t.Run("definite failure releases the nonce", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 10)
		req := h.payment(t, payer, "n-retry", 1000)

		_, err := h.engine.Settle(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindInsufficientBalance))

		record, err := h.store.GetNonce(ctx, "n-retry")
		require.NoError(t, err)
		assert.Nil(t, record.ClaimedAt)
		assert.False(t, record.Used())

		// The payer tops up and retries the same authorization
		h.fund(payer, 5000)
		_, err = h.engine.Settle(ctx, req)
		require.NoError(t, err)
	})

	t.Run("indeterminate failure keeps the claim", func(t *testing.T) {
		h := newHarness(t, WithConfirmTimeout(50*time.Millisecond))
		h.fake.TransactionReceiptFn = func(context.Context, common.Hash) (*ethtypes.Receipt, error) {
			return nil, ethereum.NotFound
		}
		payer := newKey(t)
		h.fund(payer, 5000)
		req := h.payment(t, payer, "n-unknown", 1000)

		_, err := h.engine.Settle(ctx, req)
		require.True(t, utils.IsIndeterminate(err))

		record, err := h.store.GetNonce(ctx, "n-unknown")
		require.NoError(t, err)
		assert.NotNil(t, record.ClaimedAt)

		_, err = h.engine.Settle(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindNonce))
		assert.Len(t, h.fake.Sent(), 1)
	})

	t.Run("transfer must match the payload", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)
		req := h.payment(t, payer, "n-mismatch", 1000)

		st := testTransfer(t, payer, h.asset, common.HexToAddress(testRecipient), 999, time.Now())
		req.SignedTransfer = encodeTransfer(t, st)

		_, err := h.engine.Settle(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindVerification))
		assert.Empty(t, h.fake.Sent())

		record, err := h.store.GetNonce(ctx, "n-mismatch")
		require.NoError(t, err)
		assert.Nil(t, record.ClaimedAt)
	})

	t.Run("missing signed transfer", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		req := h.payment(t, payer, "n-bare", 1000)
		req.SignedTransfer = ""

		_, err := h.engine.Settle(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))
	})

	t.Run("nonce reserved for another payment", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)

		_, err := h.verifier.Verify(ctx, h.payment(t, payer, "n-taken", 1000))
		require.NoError(t, err)

		_, err = h.engine.Settle(ctx, h.payment(t, payer, "n-taken", 2000))
		assert.True(t, utils.IsKind(err, utils.KindNonce))
		assert.Empty(t, h.fake.Sent())
	})

	t.Run("invalid signature never reaches the ledger", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)
		req := h.payment(t, payer, "n-forged", 1000)
		req.Payload.Amount = 1

		_, err := h.engine.Settle(ctx, req)
		assert.True(t, utils.IsKind(err, utils.KindVerification))

		_, err = h.store.GetNonce(ctx, "n-forged")
		assert.True(t, utils.IsKind(err, utils.KindNonce))
	})
}

func TestSettle_RequiresVerifier(t *testing.T) {

	h := newHarness(t)
	e := NewEngine(h.ledger, nil)

	_, err := e.Settle(context.Background(), types.PaymentRequest{})
	assert.True(t, utils.IsKind(err, utils.KindSettlement))
	assert.Equal(t, int64(testChainID), e.ChainID())
}
