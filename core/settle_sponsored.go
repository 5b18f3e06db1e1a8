package core

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/raid-guild/split-facilitator-go/clients"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// SettleSponsored broadcasts a transfer the payer already signed, with the
// facilitator paying the network fee. The facilitator transaction only calls
// transferWithAuthorization, so the payer's signature alone authorizes the
// movement of funds. A nil key falls back to the configured facilitator key.
func (e *Engine) SettleSponsored(ctx context.Context, facilitatorKey *ecdsa.PrivateKey, serialized string) (hash string, err error) {

	start := time.Now()
	defer func() { e.metrics.ObserveSettlement(string(types.SettlementModeSponsored), err, time.Since(start)) }()

	// Resolve the fee payer key
	if facilitatorKey == nil {
		facilitatorKey = e.facilitatorKey
	}
	if facilitatorKey == nil {
		return "", utils.InvalidRequest("facilitator key is required")
	}

	// Decode the signed transfer
	st, err := DecodeSignedTransfer(serialized)
	if err != nil {
		return "", utils.InvalidRequest("malformed signed transaction", err.Error())
	}

	// Parse the authorization
	auth, err := parseAuthorization(st.Authorization)
	if err != nil {
		return "", utils.InvalidRequest("malformed transfer authorization", err.Error())
	}
	if !common.IsHexAddress(st.Asset) {
		return "", utils.InvalidRequest("malformed transfer authorization", fmt.Sprintf("invalid asset address %q", st.Asset))
	}

	// Verify the transfer targets this chain
	if st.ChainID != e.ChainID() {
		return "", utils.InvalidRequest(fmt.Sprintf("signed transfer is for chain %d, facilitator settles on %d", st.ChainID, e.ChainID()))
	}

	// Verify the authorization window is open
	now := e.now().Unix()
	if !auth.validAfter.IsInt64() || auth.validAfter.Int64() >= now {
		return "", utils.InvalidRequest("transfer authorization is not yet valid")
	}
	if auth.validBefore.IsInt64() && auth.validBefore.Int64() <= now {
		return "", utils.InvalidRequest("transfer authorization expired")
	}

	// Verify the payer's signature before anything is submitted
	signer, err := RecoverTransferSigner(st)
	if err != nil {
		return "", utils.VerificationError("invalid payer signature", err)
	}
	if signer != auth.from {
		return "", utils.VerificationError(
			fmt.Sprintf("payer signature is from %s, authorization is from %s", signer.Hex(), auth.from.Hex()), nil)
	}

	// Verify the payer has enough funds
	balance, err := e.ledger.Balance(ctx, st.Asset, auth.from)
	if err != nil {
		return "", utils.SettlementError("failed to get payer balance", err)
	}
	if balance.Cmp(auth.value) < 0 {
		return "", utils.InsufficientBalance(fmt.Sprintf("payer balance %s is below %s", balance, auth.value))
	}

	// Extract R, S, and V from the payer signature
	sig, err := decodeSignature(st.Signature)
	if err != nil {
		return "", utils.VerificationError("invalid payer signature", err)
	}
	var r, s [32]byte
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v := sig[64] + 27

	// Pack the function call data
	data, err := clients.TokenABI.Pack(
		"transferWithAuthorization",
		auth.from,
		auth.to,
		auth.value,
		auth.validAfter,
		auth.validBefore,
		auth.nonce,
		v,
		r,
		s,
	)
	if err != nil {
		return "", utils.InvalidRequest("failed to pack transfer call data", err.Error())
	}

	// Build and sign the fee payer transaction
	tx, err := e.ledger.SignTx(ctx, facilitatorKey, common.HexToAddress(st.Asset), nil, data)
	if err != nil {
		return "", utils.SettlementError("failed to build sponsored transaction", err)
	}

	// Broadcast and confirm
	if _, err := e.broadcast(ctx, tx); err != nil {
		e.logger.Warn("sponsored settlement failed",
			"tx", tx.Hash().Hex(),
			"payer", auth.from.Hex(),
			"indeterminate", utils.IsIndeterminate(err),
			"error", err,
		)
		return "", err
	}

	e.logger.Info("sponsored settlement confirmed",
		"tx", tx.Hash().Hex(),
		"payer", auth.from.Hex(),
		"to", auth.to.Hex(),
		"value", auth.value.String(),
	)
	return tx.Hash().Hex(), nil
}
