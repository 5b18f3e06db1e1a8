package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// Settle verifies the payment request and settles its signed transfer. The
// nonce is reserved on first sight, claimed for the duration of settlement
// and marked used with the settlement signature once the transfer is
// confirmed. A definite failure releases the claim so the payer can retry; an
// indeterminate one keeps it until the transaction has been reconciled.
func (e *Engine) Settle(ctx context.Context, req types.PaymentRequest) (string, error) {

	if e.verifier == nil || e.nonces == nil {
		return "", utils.SettlementError("settlement requires a verifier and nonce ledger", nil)
	}

	// Verify the payload and signature
	payer, err := e.verifier.Check(req)
	if err != nil {
		return "", err
	}

	// Reserve the nonce, accepting a reservation made by an earlier verify
	if err := e.reserve(ctx, req); err != nil {
		return "", err
	}

	// Claim the nonce for this settlement
	if err := e.nonces.ClaimNonce(ctx, req.Payload.Nonce); err != nil {
		return "", err
	}

	hash, err := e.settleClaimed(ctx, req, payer)
	if err != nil {
		if utils.IsIndeterminate(err) {
			e.logger.Error("settlement outcome unknown, nonce kept claimed",
				"nonce", req.Payload.Nonce,
				"payer", payer.Hex(),
				"error", err,
			)
			return "", err
		}
		if rerr := e.nonces.ReleaseNonce(ctx, req.Payload.Nonce); rerr != nil {
			e.logger.Error("failed to release nonce", "nonce", req.Payload.Nonce, "error", rerr)
		}
		return "", err
	}

	// Mark the nonce used
	if err := e.nonces.MarkUsed(ctx, req.Payload.Nonce, hash); err != nil {
		// The transfer landed and the claim still blocks reuse
		e.logger.Error("failed to mark nonce used",
			"nonce", req.Payload.Nonce,
			"tx", hash,
			"error", err,
		)
	}

	return hash, nil
}

func (e *Engine) reserve(ctx context.Context, req types.PaymentRequest) error {

	err := e.nonces.StoreNonce(ctx, types.NewNonceRecord(req, e.now()))
	if err == nil || !utils.IsKind(err, utils.KindNonce) {
		return err
	}

	// The nonce exists: it must be an unused reservation of this same payload
	record, gerr := e.nonces.GetNonce(ctx, req.Payload.Nonce)
	if gerr != nil {
		return gerr
	}
	if record.Used() {
		return utils.NonceError("nonce already used", nil)
	}
	if !sameAuthorization(record, req) {
		return utils.NonceError("nonce already reserved for a different payment", nil)
	}
	return nil
}

func sameAuthorization(record types.NonceRecord, req types.PaymentRequest) bool {
	return strings.EqualFold(record.PayerPublicKey, req.PayerPublicKey) &&
		record.Amount == req.Payload.Amount &&
		record.Recipient == req.Payload.Recipient &&
		record.ResourceID == req.Payload.ResourceID &&
		record.ResourceURL == req.Payload.ResourceURL
}

// settleClaimed checks that the signed transfer moves exactly what the
// payload authorizes and settles it.
func (e *Engine) settleClaimed(ctx context.Context, req types.PaymentRequest, payer common.Address) (string, error) {

	if req.SignedTransfer == "" {
		return "", utils.InvalidRequest("signedTransfer is required for settlement")
	}

	// Decode the signed transfer
	st, err := DecodeSignedTransfer(req.SignedTransfer)
	if err != nil {
		return "", utils.InvalidRequest("malformed signed transfer", err.Error())
	}
	auth, err := parseAuthorization(st.Authorization)
	if err != nil {
		return "", utils.InvalidRequest("malformed transfer authorization", err.Error())
	}

	// Verify the transfer matches the authorized payload
	var mismatches []string
	if auth.from != payer {
		mismatches = append(mismatches, fmt.Sprintf("transfer from %s, payer is %s", auth.from.Hex(), payer.Hex()))
	}
	if !common.IsHexAddress(req.Payload.Recipient) || auth.to != common.HexToAddress(req.Payload.Recipient) {
		mismatches = append(mismatches, fmt.Sprintf("transfer to %s, payload recipient is %s", auth.to.Hex(), req.Payload.Recipient))
	}
	if !auth.value.IsUint64() || auth.value.Uint64() != req.Payload.Amount {
		mismatches = append(mismatches, fmt.Sprintf("transfer value %s, payload amount is %d", auth.value, req.Payload.Amount))
	}
	if len(mismatches) > 0 {
		return "", utils.VerificationError("signed transfer does not match the authorized payload: "+strings.Join(mismatches, "; "), nil)
	}

	return e.SettleSponsored(ctx, nil, req.SignedTransfer)
}
