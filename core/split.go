package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/raid-guild/split-facilitator-go/types"
)

// BasisPoints is the denominator of split rates.
const BasisPoints = 10000

// ErrRateSumExceeded is returned when the platform and affiliate rates add
// up to more than the whole payment.
var ErrRateSumExceeded = errors.New("platform and affiliate rates exceed 100%")

// SplitCalculation is the three-way division of a payment.
type SplitCalculation struct {
	Total               uint64
	PlatformFee         uint64
	AffiliateCommission uint64
	BeneficiaryAmount   uint64
}

// ParseRate converts a decimal fraction such as "0.05" into basis points.
func ParseRate(s string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return 0, fmt.Errorf("rate %s must be between 0 and 1", d.String())
	}
	bps := d.Mul(decimal.NewFromInt(BasisPoints))
	if !bps.IsInteger() {
		return 0, fmt.Errorf("rate %s is finer than one basis point", d.String())
	}
	return uint64(bps.IntPart()), nil
}

// CalculateSplit divides total into platform fee, affiliate commission and
// beneficiary amount. Fees are floored and the beneficiary takes the
// remainder, so the three always add up to total. Without a referral the
// affiliate commission is zero.
func CalculateSplit(total, platformBps, affiliateBps uint64, hasReferral bool) (SplitCalculation, error) {
	if platformBps > BasisPoints || affiliateBps > BasisPoints {
		return SplitCalculation{}, fmt.Errorf("rate above %d basis points", BasisPoints)
	}
	if !hasReferral {
		affiliateBps = 0
	}
	if platformBps+affiliateBps > BasisPoints {
		return SplitCalculation{}, ErrRateSumExceeded
	}

	t := uint256.NewInt(total)
	denom := uint256.NewInt(BasisPoints)

	fee, overflow := new(uint256.Int).MulDivOverflow(t, uint256.NewInt(platformBps), denom)
	if overflow {
		return SplitCalculation{}, errors.New("platform fee overflows")
	}
	commission, overflow := new(uint256.Int).MulDivOverflow(t, uint256.NewInt(affiliateBps), denom)
	if overflow {
		return SplitCalculation{}, errors.New("affiliate commission overflows")
	}

	remainder, underflow := new(uint256.Int).SubOverflow(t, fee)
	if underflow {
		return SplitCalculation{}, errors.New("platform fee exceeds total")
	}
	remainder, underflow = new(uint256.Int).SubOverflow(remainder, commission)
	if underflow {
		return SplitCalculation{}, errors.New("fees exceed total")
	}

	return SplitCalculation{
		Total:               total,
		PlatformFee:         fee.Uint64(),
		AffiliateCommission: commission.Uint64(),
		BeneficiaryAmount:   remainder.Uint64(),
	}, nil
}

// Recipients turns the calculation into a split recipient list. Zero amounts
// are dropped and repeated accounts are merged so the list only moves what
// the calculation holds.
func (c SplitCalculation) Recipients(platformAccount, referrerAccount, beneficiaryAccount string) []types.SplitRecipient {
	var out []types.SplitRecipient
	add := func(account string, amount uint64) {
		if amount == 0 {
			return
		}
		for i := range out {
			if strings.EqualFold(out[i].Account, account) {
				out[i].Amount += amount
				return
			}
		}
		out = append(out, types.SplitRecipient{Account: account, Amount: amount})
	}
	add(platformAccount, c.PlatformFee)
	add(referrerAccount, c.AffiliateCommission)
	add(beneficiaryAccount, c.BeneficiaryAmount)
	return out
}
