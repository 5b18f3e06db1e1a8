package watcher

import (
	"regexp"
	"strings"
)

var referralTagRegex = regexp.MustCompile(`(?i)TAG_[A-Z0-9]+`)

// ExtractReferralTag returns the first referral tag in a memo, uppercased, or
// an empty string when the memo carries none.
func ExtractReferralTag(memo string) string {
	return strings.ToUpper(referralTagRegex.FindString(memo))
}
