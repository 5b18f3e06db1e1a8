package api

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// writeJSON writes the response to the response body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, response any) {

	// Marshal the response into JSON bytes
	responseBytes, err := json.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Set the content type and write the status code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Write the response bytes to the response body
	if _, err := w.Write(responseBytes); err != nil {
		// Header already written so we log the error
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeError writes err as an error response. A zero status uses the status
// of the error kind.
func (h *Handler) writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = utils.StatusOf(err)
	}

	response := types.ErrorResponse{Error: err.Error()}
	var e *utils.Error
	if errors.As(err, &e) {
		response.Error = e.Message
		response.Kind = e.Kind.String()
		response.Details = e.Details
		response.Recipients = e.Recipients
		response.Indeterminate = e.Indeterminate
		response.TransactionSignature = e.Signature
		if e.Cause != nil && status >= http.StatusInternalServerError {
			h.logger.Error("request failed", "kind", response.Kind, "error", err)
		}
	}

	h.writeJSON(w, status, response)
}

// decodeBody decodes the JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return utils.InvalidRequest("invalid request body", err.Error())
	}
	return nil
}

// parsePrivateKey parses a hex private key with or without the 0x prefix.
func parsePrivateKey(field, hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, utils.InvalidRequest("invalid " + field)
	}
	return key, nil
}
