package core

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/raid-guild/split-facilitator-go/metrics"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// NonceLedger is the replay-protection store shared by verification and
// settlement. Implementations report conflicts as utils.NonceError and
// backend failures as utils.StorageError.
type NonceLedger interface {
	StoreNonce(ctx context.Context, record types.NonceRecord) error
	GetNonce(ctx context.Context, nonce string) (types.NonceRecord, error)
	ClaimNonce(ctx context.Context, nonce string) error
	MarkUsed(ctx context.Context, nonce, settlementSignature string) error
	ReleaseNonce(ctx context.Context, nonce string) error
}

// Verifier checks payment requests and reserves their nonces.
type Verifier struct {
	domain  Domain
	nonces  NonceLedger
	now     func() time.Time
	metrics *metrics.FacilitatorMetrics
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the clock used for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithVerifierMetrics records verification outcomes.
func WithVerifierMetrics(m *metrics.FacilitatorMetrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a verifier for payloads signed under domain.
func NewVerifier(domain Domain, nonces NonceLedger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		domain: domain,
		nonces: nonces,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Domain returns the signing domain of the verifier.
func (v *Verifier) Domain() Domain {
	return v.domain
}

// Check validates the payload and its signature without touching the nonce
// ledger, returning the payer.
func (v *Verifier) Check(req types.PaymentRequest) (common.Address, error) {

	// Validate the payload structure
	result := ValidatePayload(req.Payload, v.now())
	if !result.IsValid {
		return common.Address{}, utils.InvalidRequest("invalid payment payload", result.Errors...)
	}

	// Verify the signature against the payer
	return VerifySignature(v.domain, req)
}

// Verify checks the request and reserves its nonce. A nonce that was already
// reserved is reported as a NonceError and never retried.
func (v *Verifier) Verify(ctx context.Context, req types.PaymentRequest) (payer common.Address, err error) {
	defer func() { v.metrics.ObserveVerification(err) }()

	payer, err = v.Check(req)
	if err != nil {
		return common.Address{}, err
	}

	// Reserve the nonce
	if err := v.nonces.StoreNonce(ctx, types.NewNonceRecord(req, v.now())); err != nil {
		return common.Address{}, err
	}

	return payer, nil
}
