package core

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/raid-guild/split-facilitator-go/metrics"
	"github.com/raid-guild/split-facilitator-go/utils"
)

const defaultConfirmTimeout = 60 * time.Second

// Ledger is the set of network calls the settlement engine depends on.
type Ledger interface {
	ChainID() *big.Int
	Balance(ctx context.Context, asset string, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, asset string, owner, spender common.Address) (*big.Int, error)
	SignTx(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, error)
	Send(ctx context.Context, tx *ethtypes.Transaction) error
	WaitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// Engine executes verified payments on the ledger.
type Engine struct {
	ledger         Ledger
	verifier       *Verifier
	nonces         NonceLedger
	facilitatorKey *ecdsa.PrivateKey
	disperse       common.Address
	confirmTimeout time.Duration
	metrics        *metrics.FacilitatorMetrics
	logger         *slog.Logger
	now            func() time.Time
}

// EngineOption customises the settlement engine.
type EngineOption func(*Engine)

// WithFacilitatorKey sets the default fee payer key for sponsored settlement.
func WithFacilitatorKey(key *ecdsa.PrivateKey) EngineOption {
	return func(e *Engine) { e.facilitatorKey = key }
}

// WithDisperseContract sets the contract split settlements are sent to.
func WithDisperseContract(addr common.Address) EngineOption {
	return func(e *Engine) { e.disperse = addr }
}

// WithConfirmTimeout bounds how long a broadcast transaction is waited on.
func WithConfirmTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// WithEngineMetrics records settlement outcomes.
func WithEngineMetrics(m *metrics.FacilitatorMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineClock overrides the clock used for authorization windows.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a settlement engine. The verifier supplies the payload
// domain and the nonce ledger used by Settle.
func NewEngine(ledger Ledger, verifier *Verifier, opts ...EngineOption) *Engine {
	e := &Engine{
		ledger:         ledger,
		verifier:       verifier,
		confirmTimeout: defaultConfirmTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:            time.Now,
	}
	if verifier != nil {
		e.nonces = verifier.nonces
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChainID returns the chain the engine settles on.
func (e *Engine) ChainID() int64 {
	return e.ledger.ChainID().Int64()
}

// DisperseContract returns the split contract, or the zero address.
func (e *Engine) DisperseContract() common.Address {
	return e.disperse
}

// broadcast sends a signed transaction and waits for its receipt. Errors
// after the transaction may have reached the network are indeterminate.
func (e *Engine) broadcast(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {

	hash := tx.Hash().Hex()

	// Send the transaction
	if err := e.ledger.Send(ctx, tx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			serr := utils.IndeterminateSettlement(fmt.Sprintf("broadcast of %s timed out", hash), err)
			serr.Signature = hash
			return nil, serr
		}
		return nil, utils.SettlementError("failed to broadcast transaction", err)
	}

	// Wait for the transaction to be mined
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	receipt, err := e.ledger.WaitMined(waitCtx, tx.Hash())
	if err != nil {
		serr := utils.IndeterminateSettlement(fmt.Sprintf("confirmation of %s did not complete", hash), err)
		serr.Signature = hash
		return nil, serr
	}

	// Verify the transaction succeeded
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		serr := utils.SettlementError(fmt.Sprintf("transaction %s reverted", hash), nil)
		serr.Signature = hash
		return receipt, serr
	}

	return receipt, nil
}
