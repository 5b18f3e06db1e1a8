package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/raid-guild/split-facilitator-go/types"
)

// DefaultExpiryHours is the lifetime of a payload when none is given.
const DefaultExpiryHours = 24

// NewPayload creates a payload valid from now for expiryHours.
func NewPayload(amount uint64, recipient, resourceID, resourceURL, nonce string, expiryHours int, now time.Time) types.AuthorizationPayload {

	// Fall back to the default lifetime
	if expiryHours <= 0 {
		expiryHours = DefaultExpiryHours
	}

	return types.AuthorizationPayload{
		Amount:      amount,
		Recipient:   recipient,
		ResourceID:  resourceID,
		ResourceURL: resourceURL,
		Nonce:       nonce,
		Timestamp:   now.Unix(),
		Expiry:      now.Add(time.Duration(expiryHours) * time.Hour).Unix(),
	}
}

// GenerateNonce returns 32 random bytes as a 0x-prefixed hex string.
func GenerateNonce() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}

// ValidatePayload checks the structural rules of a payload and collects every
// violation rather than stopping at the first.
func ValidatePayload(p types.AuthorizationPayload, now time.Time) types.ValidationResult {

	var errs []string

	// Verify the amount is positive
	if p.Amount == 0 {
		errs = append(errs, "amount must be a positive integer")
	}

	// Verify the required strings are present
	for _, field := range []struct {
		name  string
		value string
	}{
		{"recipient", p.Recipient},
		{"resourceId", p.ResourceID},
		{"resourceUrl", p.ResourceURL},
		{"nonce", p.Nonce},
	} {
		if strings.TrimSpace(field.value) == "" {
			errs = append(errs, field.name+" is required")
		}
	}

	// Verify the timestamps are present
	if p.Timestamp <= 0 {
		errs = append(errs, "timestamp is required")
	}
	if p.Expiry <= 0 {
		errs = append(errs, "expiry is required")
	}

	// Verify the expiry follows the timestamp
	if p.Timestamp > 0 && p.Expiry > 0 && p.Expiry <= p.Timestamp {
		errs = append(errs, "expiry must be after timestamp")
	}

	// Verify the payload has not expired
	if p.Expiry > 0 && now.Unix() > p.Expiry {
		errs = append(errs, "payload expired")
	}

	return types.ValidationResult{
		IsValid: len(errs) == 0,
		Errors:  errs,
	}
}
