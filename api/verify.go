package api

import (
	"errors"
	"net/http"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// Verify checks a signed payment request and reserves its nonce.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {

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

	// Verify the payment request
	payer, err := h.verifier.Verify(r.Context(), *requestBody.PaymentRequest)
	if err != nil {

		// Storage failures are not a verdict on the payment
		if utils.IsKind(err, utils.KindStorage) || utils.KindOf(err) == 0 {
			h.writeError(w, err, 0)
			return
		}

		// Write the invalid verify response with its failure reasons
		response := types.VerifyResponse{IsValid: false, Error: err.Error()}
		var e *utils.Error
		if errors.As(err, &e) {
			response.Error = e.Message
			response.Errors = e.Details
		}
		h.writeJSON(w, utils.StatusOf(err), response)
		return
	}

	// Write http ok response
	h.writeJSON(w, http.StatusOK, types.VerifyResponse{
		IsValid: true,
		Payer:   payer.Hex(),
	})
}
