package core

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/raid-guild/split-facilitator-go/clients"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// SettleSplit moves funds from the source account to every recipient in one
// disperse transaction signed once by the source. Amounts are sent exactly as
// given. Either every transfer lands or none does.
func (e *Engine) SettleSplit(ctx context.Context, sourceKey *ecdsa.PrivateKey, assetID string, recipients []types.SplitRecipient) (result types.SplitResult, err error) {

	start := time.Now()
	defer func() { e.metrics.ObserveSettlement(string(types.SettlementModeSplit), err, time.Since(start)) }()

	if sourceKey == nil {
		return types.SplitResult{}, utils.InvalidRequest("source key is required")
	}

	// Validate the recipient list
	accounts, values, total, err := parseSplitRecipients(recipients)
	if err != nil {
		return types.SplitResult{}, err
	}
	attempted := describeRecipients(recipients)

	// Validate the asset
	native := clients.IsNative(assetID)
	if !native && !common.IsHexAddress(assetID) {
		return types.SplitResult{}, utils.InvalidRequest(fmt.Sprintf("invalid asset id %q", assetID))
	}

	// Verify the disperse contract is configured
	if e.disperse == (common.Address{}) {
		return types.SplitResult{}, splitFailure(utils.SettlementError("split contract is not configured", nil), attempted)
	}

	source := crypto.PubkeyToAddress(sourceKey.PublicKey)
	totalBig := total.ToBig()

	// Verify the source has enough funds
	balance, err := e.ledger.Balance(ctx, assetID, source)
	if err != nil {
		return types.SplitResult{}, splitFailure(utils.SettlementError("failed to get source balance", err), attempted)
	}
	if balance.Cmp(totalBig) < 0 {
		return types.SplitResult{}, splitFailure(
			utils.InsufficientBalance(fmt.Sprintf("source balance %s is below split total %s", balance, totalBig)), attempted)
	}

	// Pack the disperse call
	var (
		data  []byte
		value *big.Int
	)
	if native {
		value = totalBig
		data, err = clients.DisperseABI.Pack("disperseEther", accounts, values)
	} else {

		// Verify the disperse contract may spend the total
		allowance, aerr := e.ledger.Allowance(ctx, assetID, source, e.disperse)
		if aerr != nil {
			return types.SplitResult{}, splitFailure(utils.SettlementError("failed to get source allowance", aerr), attempted)
		}
		if allowance.Cmp(totalBig) < 0 {
			return types.SplitResult{}, splitFailure(
				utils.InsufficientBalance(fmt.Sprintf("split contract allowance %s is below split total %s", allowance, totalBig)), attempted)
		}

		data, err = clients.DisperseABI.Pack("disperseToken", common.HexToAddress(assetID), accounts, values)
	}
	if err != nil {
		return types.SplitResult{}, splitFailure(utils.SettlementError("failed to pack split call data", err), attempted)
	}

	// Build and sign the split transaction
	tx, err := e.ledger.SignTx(ctx, sourceKey, e.disperse, value, data)
	if err != nil {
		return types.SplitResult{}, splitFailure(utils.SettlementError("failed to build split transaction", err), attempted)
	}

	// Broadcast and confirm
	if _, err := e.broadcast(ctx, tx); err != nil {
		e.logger.Warn("split settlement failed",
			"tx", tx.Hash().Hex(),
			"source", source.Hex(),
			"recipients", attempted,
			"indeterminate", utils.IsIndeterminate(err),
			"error", err,
		)
		return types.SplitResult{}, splitFailure(err, attempted)
	}

	e.logger.Info("split settlement confirmed",
		"tx", tx.Hash().Hex(),
		"source", source.Hex(),
		"recipients", len(recipients),
		"total", total.Dec(),
	)

	return types.SplitResult{
		Signature:   tx.Hash().Hex(),
		Recipients:  len(recipients),
		TotalAmount: total.Uint64(),
	}, nil
}

func parseSplitRecipients(recipients []types.SplitRecipient) ([]common.Address, []*big.Int, *uint256.Int, error) {

	// Verify the recipient count
	if len(recipients) < types.MinSplitRecipients || len(recipients) > types.MaxSplitRecipients {
		return nil, nil, nil, utils.InvalidRequest(fmt.Sprintf("split requires between %d and %d recipients, got %d",
			types.MinSplitRecipients, types.MaxSplitRecipients, len(recipients)))
	}

	var problems []string
	accounts := make([]common.Address, 0, len(recipients))
	values := make([]*big.Int, 0, len(recipients))
	total := new(uint256.Int)

	for i, r := range recipients {
		if !common.IsHexAddress(r.Account) {
			problems = append(problems, fmt.Sprintf("recipient %d: invalid account %q", i, r.Account))
		}
		if r.Amount == 0 {
			problems = append(problems, fmt.Sprintf("recipient %d: amount must be positive", i))
		}
		accounts = append(accounts, common.HexToAddress(r.Account))
		values = append(values, new(big.Int).SetUint64(r.Amount))

		var overflow bool
		total, overflow = total.AddOverflow(total, uint256.NewInt(r.Amount))
		if overflow {
			problems = append(problems, "split total overflows")
		}
	}
	if len(problems) > 0 {
		return nil, nil, nil, utils.InvalidRequest("malformed recipient list", problems...)
	}

	// The result reports the total as a uint64
	if !total.IsUint64() {
		return nil, nil, nil, utils.InvalidRequest("malformed recipient list", "split total exceeds 64 bits")
	}

	return accounts, values, total, nil
}

func describeRecipients(recipients []types.SplitRecipient) []string {
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, fmt.Sprintf("%s:%d", r.Account, r.Amount))
	}
	return out
}

// splitFailure attaches the attempted recipient list to err.
func splitFailure(err error, attempted []string) error {
	var e *utils.Error
	if errors.As(err, &e) {
		e.Recipients = attempted
	}
	return err
}
