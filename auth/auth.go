package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/raid-guild/split-facilitator-go/utils"
)

// KeyStore looks up dynamic API keys.
type KeyStore interface {
	HasAPIKey(ctx context.Context, apiKey string) (bool, error)
}

// ErrMisconfigured is returned for every request when both a static key and a
// key store are configured.
var ErrMisconfigured = errors.New("both static API key and API key store are set")

// Authenticator checks the X-API-Key header against a static key or the key
// store. With neither configured every request is accepted.
type Authenticator struct {
	staticKey string
	store     KeyStore
}

// New creates an authenticator. Pass an empty static key and a nil store to
// disable authentication.
func New(staticKey string, store KeyStore) *Authenticator {
	return &Authenticator{staticKey: staticKey, store: store}
}

// Authenticate authenticates the request.
func (a *Authenticator) Authenticate(r *http.Request) error {

	// Get the API key from the request header
	providedKey := r.Header.Get("X-API-Key")

	// Check if the authenticator is misconfigured
	if a.staticKey != "" && a.store != nil {
		return ErrMisconfigured
	}

	// Check if the API key is required (static key)
	if a.staticKey != "" {

		// Check if the provided key does not match the static key
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(a.staticKey)) != 1 {
			return utils.VerificationError("unauthorized", nil)
		}
		return nil
	}

	// Check if the API key is required (dynamic key)
	if a.store != nil {

		// Check if the provided key is empty
		if providedKey == "" {
			return utils.VerificationError("unauthorized", nil)
		}

		// Check the API key exists in the database
		ok, err := a.store.HasAPIKey(r.Context(), providedKey)
		if err != nil {
			return utils.StorageError("failed to get key from database", err)
		}
		if !ok {
			return utils.VerificationError("unauthorized", nil)
		}
	}

	return nil
}
