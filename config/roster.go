package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/raid-guild/split-facilitator-go/core"
)

var referralCodeRegex = regexp.MustCompile(`^TAG_[A-Z0-9]+$`)

// Roster is the set of beneficiaries and referrers the watchers serve.
type Roster struct {
	PlatformAccount string              `yaml:"platformAccount"`
	Beneficiaries   []BeneficiaryConfig `yaml:"beneficiaries"`
	Referrers       []ReferrerConfig    `yaml:"referrers"`
}

// BeneficiaryConfig configures one beneficiary. The collection key is read
// from the environment variable named by CollectionKeyEnv so no key material
// lives in the roster file.
type BeneficiaryConfig struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	CollectionAccount string `yaml:"collectionAccount"`
	CollectionKeyEnv  string `yaml:"collectionKeyEnv"`
	PayoutAccount     string `yaml:"payoutAccount"`
	PlatformRate      string `yaml:"platformRate"`
	AffiliateRate     string `yaml:"affiliateRate"`

	CollectionKey    string `yaml:"-"`
	PlatformRateBps  uint64 `yaml:"-"`
	AffiliateRateBps uint64 `yaml:"-"`
}

// ReferrerConfig configures one referral tag.
type ReferrerConfig struct {
	Code          string `yaml:"code"`
	PayoutAccount string `yaml:"payoutAccount"`
}

// LoadRoster reads and validates a roster file.
func LoadRoster(path string, lookupEnv func(string) string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	return ParseRoster(data, lookupEnv)
}

// ParseRoster decodes a roster and resolves its rates and keys.
func ParseRoster(data []byte, lookupEnv func(string) string) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	if lookupEnv == nil {
		lookupEnv = os.Getenv
	}

	if len(r.Beneficiaries) > 0 && !common.IsHexAddress(r.PlatformAccount) {
		return nil, fmt.Errorf("invalid platformAccount %q", r.PlatformAccount)
	}

	seen := make(map[string]bool)
	for i := range r.Beneficiaries {
		b := &r.Beneficiaries[i]
		if b.ID == "" {
			return nil, fmt.Errorf("beneficiary %d: id is required", i)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("beneficiary %s: duplicate id", b.ID)
		}
		seen[b.ID] = true

		if !common.IsHexAddress(b.CollectionAccount) {
			return nil, fmt.Errorf("beneficiary %s: invalid collectionAccount %q", b.ID, b.CollectionAccount)
		}
		if !common.IsHexAddress(b.PayoutAccount) {
			return nil, fmt.Errorf("beneficiary %s: invalid payoutAccount %q", b.ID, b.PayoutAccount)
		}

		var err error
		if b.PlatformRateBps, err = core.ParseRate(orZero(b.PlatformRate)); err != nil {
			return nil, fmt.Errorf("beneficiary %s: platformRate: %w", b.ID, err)
		}
		if b.AffiliateRateBps, err = core.ParseRate(orZero(b.AffiliateRate)); err != nil {
			return nil, fmt.Errorf("beneficiary %s: affiliateRate: %w", b.ID, err)
		}
		if b.PlatformRateBps+b.AffiliateRateBps > core.BasisPoints {
			return nil, fmt.Errorf("beneficiary %s: %w", b.ID, core.ErrRateSumExceeded)
		}

		if b.CollectionKeyEnv == "" {
			return nil, fmt.Errorf("beneficiary %s: collectionKeyEnv is required", b.ID)
		}
		b.CollectionKey = lookupEnv(b.CollectionKeyEnv)
		if b.CollectionKey == "" {
			return nil, fmt.Errorf("beneficiary %s: %s is not set", b.ID, b.CollectionKeyEnv)
		}
	}

	codes := make(map[string]bool)
	for i := range r.Referrers {
		ref := &r.Referrers[i]
		ref.Code = strings.ToUpper(strings.TrimSpace(ref.Code))
		if !referralCodeRegex.MatchString(ref.Code) {
			return nil, fmt.Errorf("referrer %d: code %q must look like TAG_XXXX", i, ref.Code)
		}
		if codes[ref.Code] {
			return nil, fmt.Errorf("referrer %s: duplicate code", ref.Code)
		}
		codes[ref.Code] = true
		if !common.IsHexAddress(ref.PayoutAccount) {
			return nil, fmt.Errorf("referrer %s: invalid payoutAccount %q", ref.Code, ref.PayoutAccount)
		}
	}

	if len(r.Beneficiaries) == 0 && len(r.Referrers) > 0 {
		return nil, errors.New("roster has referrers but no beneficiaries")
	}

	return &r, nil
}

func orZero(rate string) string {
	if strings.TrimSpace(rate) == "" {
		return "0"
	}
	return rate
}
