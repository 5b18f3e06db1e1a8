package watcher

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

func TestSupervisor(t *testing.T) {

	f := newFixture(t)

	otherKey := newKey(t)
	other := storage.Beneficiary{
		ID:                "cafe",
		CollectionAccount: crypto.PubkeyToAddress(otherKey.PublicKey).Hex(),
		PayoutAccount:     testPayout.Hex(),
		PlatformRateBps:   500,
	}
	require.NoError(t, f.store.UpsertBeneficiary(context.Background(), other))

	shop := f.newWatcher(t, nil)
	cafe := f.newWatcher(t, func(c *Config) {
		c.Beneficiary = other
		c.CollectionKey = otherKey
	})
	s := NewSupervisor(shop, cafe)

	assert.Equal(t, map[string]State{"shop": StateIdle, "cafe": StateIdle}, s.States())

	source := f.pay(100, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool {
		has, err := f.store.HasSplit(context.Background(), source)
		return err == nil && has
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, s.Shutdown(shutdownCtx))

	assert.Equal(t, map[string]State{"shop": StateIdle, "cafe": StateIdle}, s.States())
}

// heldSplitter holds each split until released or its context ends.
type heldSplitter struct {
	next    Splitter
	entered chan struct{}
	release chan struct{}
}

func newHeldSplitter(next Splitter) *heldSplitter {
	return &heldSplitter{next: next, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (h *heldSplitter) SettleSplit(ctx context.Context, key *ecdsa.PrivateKey, asset string, recipients []types.SplitRecipient) (types.SplitResult, error) {
	select {
	case h.entered <- struct{}{}:
	default:
	}
	select {
	case <-h.release:
		return h.next.SettleSplit(ctx, key, asset, recipients)
	case <-ctx.Done():
		return types.SplitResult{}, utils.IndeterminateSettlement("confirmation did not complete", ctx.Err())
	}
}

func waitEntered(t *testing.T, h *heldSplitter) {
	t.Helper()

	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("split never started")
	}
}

func TestSupervisor_SignalDoesNotAbortSplit(t *testing.T) {

	f := newFixture(t)
	held := newHeldSplitter(f.engine)
	f.splitter = held
	s := NewSupervisor(f.newWatcher(t, nil))

	source := f.pay(100, "")
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitEntered(t, held)

	// The process context ends while the split is in flight
	cancel()
	close(held.release)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, s.Shutdown(shutdownCtx))

	rec := f.split(t, source)
	assert.Equal(t, types.SplitStatusCompleted, rec.Status)
	assert.Equal(t, int64(95), f.balance(testPayout))
}

func TestSupervisor_ShutdownGraceExpires(t *testing.T) {

	f := newFixture(t)
	held := newHeldSplitter(f.engine)
	f.splitter = held
	s := NewSupervisor(f.newWatcher(t, nil))

	source := f.pay(100, "")
	s.Start(context.Background())
	waitEntered(t, held)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	err := s.Shutdown(shutdownCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled split is still recorded
	rec := f.split(t, source)
	assert.Equal(t, types.SplitStatusPending, rec.Status)
	assert.Empty(t, f.fake.Sent())
}
