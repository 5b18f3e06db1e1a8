package core

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/raid-guild/split-facilitator-go/clients"
	"github.com/raid-guild/split-facilitator-go/clients/clientstest"
	"github.com/raid-guild/split-facilitator-go/storage"
)

// harness wires an engine to an in-memory chain and a sqlite nonce ledger.
type harness struct {
	fake        *clientstest.FakeClient
	ledger      *clients.Ledger
	store       *storage.Store
	verifier    *Verifier
	engine      *Engine
	facilitator *ecdsa.PrivateKey
	asset       common.Address
	disperse    common.Address
}

func newHarness(t *testing.T, opts ...EngineOption) *harness {
	t.Helper()

	store, err := storage.Open(context.Background(), storage.DriverSQLite, filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		fake:        clientstest.NewFakeClient(testChainID),
		store:       store,
		facilitator: newKey(t),
		asset:       common.HexToAddress("0x00000000000000000000000000000000000000a5"),
		disperse:    common.HexToAddress("0x00000000000000000000000000000000000000d1"),
	}
	h.ledger = clients.NewLedger(h.fake, big.NewInt(testChainID), clients.WithReceiptPollInterval(5*time.Millisecond))
	h.verifier = NewVerifier(DefaultDomain(testChainID), store)

	engineOpts := append([]EngineOption{
		WithFacilitatorKey(h.facilitator),
		WithDisperseContract(h.disperse),
		WithConfirmTimeout(time.Second),
	}, opts...)
	h.engine = NewEngine(h.ledger, h.verifier, engineOpts...)
	return h
}

// fund gives the key holder a token balance.
func (h *harness) fund(key *ecdsa.PrivateKey, amount int64) common.Address {
	account := crypto.PubkeyToAddress(key.PublicKey)
	h.fake.SetTokenBalance(h.asset, account, big.NewInt(amount))
	return account
}

func (h *harness) tokenBalance(account common.Address) int64 {
	return h.fake.TokenBalance(h.asset, account).Int64()
}
