package api

import (
	"crypto/ecdsa"
	"net/http"
	"strings"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// Settle verifies a payment request and settles its signed transfer.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {

	// Decode the request body
	var requestBody types.RequestBody
	if err := decodeBody(r, &requestBody); err != nil {
		h.writeError(w, err, 0)
		return
	}

	// Check the payment request
	if requestBody.PaymentRequest == nil {
		h.writeError(w, utils.InvalidRequest("paymentRequest is required"), 0)
		return
	}

	// Settle the payment
	hash, err := h.settler.Settle(r.Context(), *requestBody.PaymentRequest)
	if err != nil {
		h.writeJSON(w, utils.StatusOf(err), types.SettleResponse{
			Status:               types.SettleStatusError,
			TransactionSignature: utils.SignatureOf(err),
			Error:                err.Error(),
			Indeterminate:        utils.IsIndeterminate(err),
		})
		return
	}

	// Write http ok response
	h.writeJSON(w, http.StatusOK, types.SettleResponse{
		Status:               types.SettleStatusSettled,
		TransactionSignature: hash,
	})
}

// SettleSponsored broadcasts a pre-signed transfer with the facilitator
// paying the network fee.
func (h *Handler) SettleSponsored(w http.ResponseWriter, r *http.Request) {

	// Decode the request body
	var requestBody types.SponsoredSettleRequest
	if err := decodeBody(r, &requestBody); err != nil {
		h.writeError(w, err, 0)
		return
	}

	// Check the serialized transaction
	if strings.TrimSpace(requestBody.SerializedSignedTransaction) == "" {
		h.writeError(w, utils.InvalidRequest("serializedSignedTransaction is required"), 0)
		return
	}

	// Parse the facilitator key, falling back to the configured one
	var facilitatorKey *ecdsa.PrivateKey
	if requestBody.FacilitatorPrivateKey != "" {
		key, err := parsePrivateKey("facilitatorPrivateKey", requestBody.FacilitatorPrivateKey)
		if err != nil {
			h.writeError(w, err, 0)
			return
		}
		facilitatorKey = key
	}

	// Settle the transfer
	hash, err := h.settler.SettleSponsored(r.Context(), facilitatorKey, requestBody.SerializedSignedTransaction)
	if err != nil {
		h.writeError(w, err, 0)
		return
	}

	// Write http ok response
	h.writeJSON(w, http.StatusOK, types.SponsoredSettleResponse{
		TransactionSignature: hash,
	})
}

// SettleSplit sends one atomic transaction paying every recipient.
func (h *Handler) SettleSplit(w http.ResponseWriter, r *http.Request) {

	// Decode the request body
	var requestBody types.SplitSettleRequest
	if err := decodeBody(r, &requestBody); err != nil {
		h.writeError(w, err, 0)
		return
	}

	// Parse the source key
	if requestBody.SourcePrivateKey == "" {
		h.writeError(w, utils.InvalidRequest("sourcePrivateKey is required"), 0)
		return
	}
	sourceKey, err := parsePrivateKey("sourcePrivateKey", requestBody.SourcePrivateKey)
	if err != nil {
		h.writeError(w, err, 0)
		return
	}

	// Settle the split
	result, err := h.settler.SettleSplit(r.Context(), sourceKey, requestBody.AssetID, requestBody.Recipients)
	if err != nil {
		status := 0
		if utils.IsKind(err, utils.KindSettlement) {
			// Network and settlement failures of a split are server errors
			status = http.StatusInternalServerError
		}
		h.writeError(w, err, status)
		return
	}

	// Write http ok response
	h.writeJSON(w, http.StatusOK, result)
}
