package types

import "time"

// AuthorizationPayload is the payload the payer signs to authorize a transfer.
type AuthorizationPayload struct {
	Amount      uint64 `json:"amount,string"`
	Recipient   string `json:"recipient"`
	ResourceID  string `json:"resourceId"`
	ResourceURL string `json:"resourceUrl"`
	Nonce       string `json:"nonce"`
	Timestamp   int64  `json:"timestamp"`
	Expiry      int64  `json:"expiry"`
}

// ExpiresAt returns the expiry as a time.
func (p AuthorizationPayload) ExpiresAt() time.Time {
	return time.Unix(p.Expiry, 0)
}

// PaymentRequest is the signed payload sent to the facilitator.
type PaymentRequest struct {
	Payload        AuthorizationPayload `json:"payload"`
	Signature      string               `json:"signature"`
	PayerPublicKey string               `json:"payerPublicKey"`
	SignedTransfer string               `json:"signedTransfer,omitempty"`
}

// SignedTransfer is a transfer instruction already signed by the payer.
type SignedTransfer struct {
	Asset         string        `json:"asset"`
	ChainID       int64         `json:"chainId"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"`
}

// Authorization is the transfer authorization of a signed transfer.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SplitRecipient is one destination of a split settlement.
type SplitRecipient struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount,string"`
}

// SplitResult is the result of a split settlement.
type SplitResult struct {
	Signature   string `json:"signature"`
	Recipients  int    `json:"recipients"`
	TotalAmount uint64 `json:"totalAmount,string"`
}

// ValidationResult is the result of payload validation.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}

// RequestBody is the request body of the verify and settle operations.
type RequestBody struct {
	PaymentRequest *PaymentRequest `json:"paymentRequest"`
}

// VerifyResponse is the response of the verify operation.
type VerifyResponse struct {
	IsValid bool     `json:"isValid"`
	Payer   string   `json:"payer,omitempty"`
	Error   string   `json:"error,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// SettleResponse is the response of the settle operation.
type SettleResponse struct {
	Status               SettleStatus `json:"status"`
	TransactionSignature string       `json:"transactionSignature,omitempty"`
	Error                string       `json:"error,omitempty"`
	Indeterminate        bool         `json:"indeterminate,omitempty"`
}

// SponsoredSettleRequest is the request body of the sponsored settle operation.
type SponsoredSettleRequest struct {
	FacilitatorPrivateKey       string `json:"facilitatorPrivateKey,omitempty"`
	SerializedSignedTransaction string `json:"serializedSignedTransaction"`
}

// SponsoredSettleResponse is the response of the sponsored settle operation.
type SponsoredSettleResponse struct {
	TransactionSignature string `json:"transactionSignature"`
}

// SplitSettleRequest is the request body of the split settle operation.
type SplitSettleRequest struct {
	SourcePrivateKey string           `json:"sourcePrivateKey"`
	AssetID          string           `json:"assetId"`
	Recipients       []SplitRecipient `json:"recipients"`
}

// ErrorResponse is the body written for failed requests.
type ErrorResponse struct {
	Error         string   `json:"error"`
	Kind          string   `json:"kind,omitempty"`
	Details       []string `json:"details,omitempty"`
	Recipients    []string `json:"recipients,omitempty"`
	Indeterminate bool     `json:"indeterminate,omitempty"`

	TransactionSignature string `json:"transactionSignature,omitempty"`
}

// SupportedResponse is the response of the supported operation.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SupportedKind is one settlement mode offered on one network.
type SupportedKind struct {
	Mode    SettlementMode `json:"mode"`
	ChainID int64          `json:"chainId"`
	Asset   string         `json:"asset,omitempty"`
}
