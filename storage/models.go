package storage

import (
	"time"

	"github.com/raid-guild/split-facilitator-go/types"
)

// Beneficiary is a merchant whose collection account is watched and split.
type Beneficiary struct {
	ID                string
	Name              string
	CollectionAccount string
	PayoutAccount     string
	PlatformRateBps   uint64
	AffiliateRateBps  uint64
	TotalOrders       uint64
	TotalVolume       string // decimal, smallest unit
	UpdatedAt         time.Time
}

// Referrer is the owner of a referral tag
type Referrer struct {
	Code           string // TAG_... uppercase
	PayoutAccount  string
	TotalEarnings  string // decimal, smallest unit
	TotalReferrals uint64
}

// SplitRecord is the outcome of splitting one inbound payment.
type SplitRecord struct {
	ID                  string            `json:"id"`
	SourceSignature     string            `json:"sourceSignature"`
	SettlementSignature string            `json:"settlementSignature,omitempty"`
	BeneficiaryID       string            `json:"beneficiaryId"`
	ReferralID          string            `json:"referralId,omitempty"`
	PayerAccount        string            `json:"payerAccount"`
	Total               uint64            `json:"total,string"`
	PlatformFee         uint64            `json:"platformFee,string"`
	AffiliateCommission uint64            `json:"affiliateCommission,string"`
	BeneficiaryAmount   uint64            `json:"beneficiaryAmount,string"`
	Status              types.SplitStatus `json:"status"`
	ErrorMessage        string            `json:"errorMessage,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// Cursor is the newest inbound transfer a watcher has seen.
type Cursor struct {
	BeneficiaryID string
	LastSignature string
	LastBlock     uint64
	UpdatedAt     time.Time
}
