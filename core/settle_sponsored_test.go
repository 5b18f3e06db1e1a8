package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

func encodeTransfer(t *testing.T, st types.SignedTransfer) string {
	t.Helper()

	serialized, err := EncodeSignedTransfer(st)
	require.NoError(t, err)
	return serialized
}

func TestSettleSponsored(t *testing.T) {

	ctx := context.Background()
	recipient := common.HexToAddress(testRecipient)

	t.Run("payer funds move, facilitator pays the fee", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		from := h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		hash, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		require.NoError(t, err)

		sent := h.fake.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, sent[0].Hash().Hex(), hash)
		assert.Equal(t, h.asset, *sent[0].To())

		sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(sent[0].ChainId()), sent[0])
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(h.facilitator.PublicKey), sender)

		assert.Equal(t, int64(4000), h.tokenBalance(from))
		assert.Equal(t, int64(1000), h.tokenBalance(recipient))
	})

	t.Run("explicit facilitator key", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 1000)
		key := newKey(t)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		_, err := h.engine.SettleSponsored(ctx, key, encodeTransfer(t, st))
		require.NoError(t, err)

		sent := h.fake.Sent()
		require.Len(t, sent, 1)
		sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(sent[0].ChainId()), sent[0])
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
	})

	t.Run("no facilitator key", func(t *testing.T) {
		h := newHarness(t)
		h.engine.facilitatorKey = nil
		payer := newKey(t)
		h.fund(payer, 1000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))
		assert.Empty(t, h.fake.Sent())
	})

	t.Run("signature from someone else is rejected before broadcast", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		require.NoError(t, SignTransfer(&st, newKey(t)))

		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindVerification))
		assert.Empty(t, h.fake.Sent())
	})

	t.Run("missing signature", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		st.Signature = ""

		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindVerification))
		assert.Empty(t, h.fake.Sent())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 999)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindInsufficientBalance))
		assert.Empty(t, h.fake.Sent())
	})

	t.Run("malformed transaction", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.SettleSponsored(ctx, nil, "not base64!")
		assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))
	})

	t.Run("other chain", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		st.ChainID = 1
		require.NoError(t, SignTransfer(&st, payer))

		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))
	})

	t.Run("authorization window", func(t *testing.T) {
		h := newHarness(t)
		payer := newKey(t)
		h.fund(payer, 5000)

		expired := testTransfer(t, payer, h.asset, recipient, 1000, time.Now().Add(-2*time.Hour))
		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, expired))
		assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))

		future := testTransfer(t, payer, h.asset, recipient, 1000, time.Now().Add(time.Hour))
		_, err = h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, future))
		assert.True(t, utils.IsKind(err, utils.KindInvalidRequest))

		assert.Empty(t, h.fake.Sent())
	})

	t.Run("reverted transaction is a definite failure", func(t *testing.T) {
		h := newHarness(t)
		h.fake.Revert = true
		payer := newKey(t)
		from := h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindSettlement))
		assert.False(t, utils.IsIndeterminate(err))
		assert.Equal(t, 402, utils.StatusOf(err))
		assert.Equal(t, int64(5000), h.tokenBalance(from))
	})

	t.Run("broadcast error keeps its cause", func(t *testing.T) {
		h := newHarness(t)
		cause := errors.New("nonce too low")
		h.fake.SendTransactionFn = func(context.Context, *ethtypes.Transaction) error { return cause }
		payer := newKey(t)
		h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsKind(err, utils.KindSettlement))
		assert.False(t, utils.IsIndeterminate(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("confirmation timeout is indeterminate", func(t *testing.T) {
		h := newHarness(t, WithConfirmTimeout(50*time.Millisecond))
		h.fake.TransactionReceiptFn = func(context.Context, common.Hash) (*ethtypes.Receipt, error) {
			return nil, ethereum.NotFound
		}
		payer := newKey(t)
		h.fund(payer, 5000)

		st := testTransfer(t, payer, h.asset, recipient, 1000, time.Now())
		_, err := h.engine.SettleSponsored(ctx, nil, encodeTransfer(t, st))
		assert.True(t, utils.IsIndeterminate(err))
		assert.Equal(t, 500, utils.StatusOf(err))
	})
}
