package types

import "time"

// NonceRecord is the replay-protection record of a payment nonce.
type NonceRecord struct {
	Nonce               string
	PayerPublicKey      string
	Amount              uint64
	Recipient           string
	ResourceID          string
	ResourceURL         string
	CreatedAt           time.Time
	Expiry              time.Time
	ClaimedAt           *time.Time
	UsedAt              *time.Time
	SettlementSignature string
}

// Used reports whether the nonce has been consumed by a settlement.
func (r NonceRecord) Used() bool {
	return r.UsedAt != nil
}

// NonceStatus is the usage state of a nonce.
type NonceStatus struct {
	Used                bool
	UsedAt              *time.Time
	SettlementSignature string
}

// NewNonceRecord builds the record reserved for a payment request.
func NewNonceRecord(req PaymentRequest, now time.Time) NonceRecord {
	return NonceRecord{
		Nonce:          req.Payload.Nonce,
		PayerPublicKey: req.PayerPublicKey,
		Amount:         req.Payload.Amount,
		Recipient:      req.Payload.Recipient,
		ResourceID:     req.Payload.ResourceID,
		ResourceURL:    req.Payload.ResourceURL,
		CreatedAt:      now.UTC(),
		Expiry:         req.Payload.ExpiresAt().UTC(),
	}
}
