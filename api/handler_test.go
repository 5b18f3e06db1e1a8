package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raid-guild/split-facilitator-go/auth"
	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

var testPayer = common.HexToAddress("0x00000000000000000000000000000000000000cc")

// stubFacilitator records the last call and returns canned results.
type stubFacilitator struct {
	verifyErr error
	settleErr error
	hash      string
	split     types.SplitResult

	gotRequest    types.PaymentRequest
	gotKey        *ecdsa.PrivateKey
	gotSerialized string
	gotAsset      string
	gotRecipients []types.SplitRecipient
}

func (s *stubFacilitator) Verify(ctx context.Context, req types.PaymentRequest) (common.Address, error) {
	s.gotRequest = req
	if s.verifyErr != nil {
		return common.Address{}, s.verifyErr
	}
	return testPayer, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, req types.PaymentRequest) (string, error) {
	s.gotRequest = req
	return s.hash, s.settleErr
}

func (s *stubFacilitator) SettleSponsored(ctx context.Context, key *ecdsa.PrivateKey, serialized string) (string, error) {
	s.gotKey = key
	s.gotSerialized = serialized
	return s.hash, s.settleErr
}

func (s *stubFacilitator) SettleSplit(ctx context.Context, key *ecdsa.PrivateKey, assetID string, recipients []types.SplitRecipient) (types.SplitResult, error) {
	s.gotKey = key
	s.gotAsset = assetID
	s.gotRecipients = recipients
	return s.split, s.settleErr
}

type stubSplits map[string]*storage.SplitRecord

func (s stubSplits) GetSplitBySource(ctx context.Context, sourceSignature string) (*storage.SplitRecord, error) {
	if sourceSignature == "broken" {
		return nil, errors.New("disk full")
	}
	rec, ok := s[sourceSignature]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(stub *stubFacilitator, opts ...Option) http.Handler {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(stub, stub, opts...).Routes()
}

func do(t *testing.T, h http.Handler, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		r.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const paymentBody = `{
	"paymentRequest": {
		"payload": {
			"amount": "1000000",
			"recipient": "0x00000000000000000000000000000000000000bb",
			"resourceId": "article-42",
			"resourceUrl": "https://example.com/articles/42",
			"nonce": "0xabc",
			"timestamp": 1700000000,
			"expiry": 1700086400
		},
		"signature": "0x01",
		"payerPublicKey": "0x00000000000000000000000000000000000000cc"
	}
}`

func TestVerify(t *testing.T) {

	t.Run("valid request", func(t *testing.T) {
		stub := &stubFacilitator{}
		w := do(t, newTestHandler(stub), http.MethodPost, "/verify", "", paymentBody)

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[types.VerifyResponse](t, w)
		assert.True(t, resp.IsValid)
		assert.Equal(t, testPayer.Hex(), resp.Payer)
		assert.Equal(t, uint64(1000000), stub.gotRequest.Payload.Amount)
		assert.Equal(t, "0xabc", stub.gotRequest.Payload.Nonce)
	})

	t.Run("invalid payload lists every reason", func(t *testing.T) {
		stub := &stubFacilitator{verifyErr: utils.InvalidRequest("invalid payment payload", "amount must be a positive integer", "nonce is required")}
		w := do(t, newTestHandler(stub), http.MethodPost, "/verify", "", paymentBody)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decode[types.VerifyResponse](t, w)
		assert.False(t, resp.IsValid)
		assert.Equal(t, "invalid payment payload", resp.Error)
		assert.Len(t, resp.Errors, 2)
	})

	t.Run("bad signature", func(t *testing.T) {
		stub := &stubFacilitator{verifyErr: utils.VerificationError("signature does not match payer", nil)}
		w := do(t, newTestHandler(stub), http.MethodPost, "/verify", "", paymentBody)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.False(t, decode[types.VerifyResponse](t, w).IsValid)
	})

	t.Run("replayed nonce", func(t *testing.T) {
		stub := &stubFacilitator{verifyErr: utils.NonceError("nonce already used", nil)}
		w := do(t, newTestHandler(stub), http.MethodPost, "/verify", "", paymentBody)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "nonce already used", decode[types.VerifyResponse](t, w).Error)
	})

	t.Run("storage failure is a server error", func(t *testing.T) {
		stub := &stubFacilitator{verifyErr: utils.StorageError("failed to store nonce", errors.New("disk full"))}
		w := do(t, newTestHandler(stub), http.MethodPost, "/verify", "", paymentBody)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode[types.ErrorResponse](t, w)
		assert.Equal(t, "storage_error", resp.Kind)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodPost, "/verify", "", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid_request", decode[types.ErrorResponse](t, w).Kind)
	})

	t.Run("missing payment request", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodPost, "/verify", "", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "paymentRequest is required", decode[types.ErrorResponse](t, w).Error)
	})

	t.Run("wrong method", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodGet, "/verify", "", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestSettle(t *testing.T) {

	t.Run("settled", func(t *testing.T) {
		stub := &stubFacilitator{hash: "0xfeed"}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle", "", paymentBody)

		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[types.SettleResponse](t, w)
		assert.Equal(t, types.SettleStatusSettled, resp.Status)
		assert.Equal(t, "0xfeed", resp.TransactionSignature)
	})

	t.Run("definite failure", func(t *testing.T) {
		stub := &stubFacilitator{settleErr: utils.SettlementError("transaction reverted", nil)}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle", "", paymentBody)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		resp := decode[types.SettleResponse](t, w)
		assert.Equal(t, types.SettleStatusError, resp.Status)
		assert.False(t, resp.Indeterminate)
	})

	t.Run("indeterminate failure", func(t *testing.T) {
		e := utils.IndeterminateSettlement("confirmation did not complete", context.DeadlineExceeded)
		e.Signature = "0xpending"
		stub := &stubFacilitator{settleErr: e}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle", "", paymentBody)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode[types.SettleResponse](t, w)
		assert.True(t, resp.Indeterminate)
		assert.Equal(t, "0xpending", resp.TransactionSignature)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		stub := &stubFacilitator{settleErr: utils.InsufficientBalance("payer balance 1 is below 1000000")}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle", "", paymentBody)

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})
}

func TestSettleSponsored(t *testing.T) {

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	t.Run("configured facilitator key", func(t *testing.T) {
		stub := &stubFacilitator{hash: "0xfeed"}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/sponsored", "",
			`{"serializedSignedTransaction":"c2lnbmVk"}`)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "0xfeed", decode[types.SponsoredSettleResponse](t, w).TransactionSignature)
		assert.Nil(t, stub.gotKey)
		assert.Equal(t, "c2lnbmVk", stub.gotSerialized)
	})

	t.Run("key in the request", func(t *testing.T) {
		stub := &stubFacilitator{hash: "0xfeed"}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/sponsored", "",
			`{"facilitatorPrivateKey":"`+keyHex+`","serializedSignedTransaction":"c2lnbmVk"}`)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, stub.gotKey)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(stub.gotKey.PublicKey))
	})

	t.Run("bad key", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodPost, "/settle/sponsored", "",
			`{"facilitatorPrivateKey":"0x1234","serializedSignedTransaction":"c2lnbmVk"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing transaction", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodPost, "/settle/sponsored", "", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("forged transfer", func(t *testing.T) {
		stub := &stubFacilitator{settleErr: utils.VerificationError("transfer signature does not match sender", nil)}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/sponsored", "",
			`{"serializedSignedTransaction":"c2lnbmVk"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSettleSplit(t *testing.T) {

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	body := `{
		"sourcePrivateKey": "` + common.Bytes2Hex(crypto.FromECDSA(key)) + `",
		"assetId": "0x00000000000000000000000000000000000000a5",
		"recipients": [
			{"account": "0x00000000000000000000000000000000000000f1", "amount": "5"},
			{"account": "0x00000000000000000000000000000000000000b1", "amount": "95"}
		]
	}`

	t.Run("split settled", func(t *testing.T) {
		stub := &stubFacilitator{split: types.SplitResult{Signature: "0xfeed", Recipients: 2, TotalAmount: 100}}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/split", "", body)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"signature":"0xfeed","recipients":2,"totalAmount":"100"}`, w.Body.String())
		assert.Equal(t, "0x00000000000000000000000000000000000000a5", stub.gotAsset)
		require.Len(t, stub.gotRecipients, 2)
		assert.Equal(t, uint64(95), stub.gotRecipients[1].Amount)
	})

	t.Run("settlement failure is a server error with the recipients", func(t *testing.T) {
		e := utils.SettlementError("transaction reverted", nil)
		e.Recipients = []string{"0x00000000000000000000000000000000000000f1:5", "0x00000000000000000000000000000000000000b1:95"}
		e.Signature = "0xreverted"
		stub := &stubFacilitator{settleErr: e}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/split", "", body)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode[types.ErrorResponse](t, w)
		assert.Equal(t, "settlement_error", resp.Kind)
		assert.Len(t, resp.Recipients, 2)
		assert.Equal(t, "0xreverted", resp.TransactionSignature)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		stub := &stubFacilitator{settleErr: utils.InsufficientBalance("source balance 1 is below split total 100")}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/split", "", body)
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("malformed recipients", func(t *testing.T) {
		stub := &stubFacilitator{settleErr: utils.InvalidRequest("malformed recipient list", "recipient 0: amount must be positive")}
		w := do(t, newTestHandler(stub), http.MethodPost, "/settle/split", "", body)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, []string{"recipient 0: amount must be positive"}, decode[types.ErrorResponse](t, w).Details)
	})

	t.Run("missing source key", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodPost, "/settle/split", "", `{"recipients":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthentication(t *testing.T) {

	stub := &stubFacilitator{hash: "0xfeed"}
	h := newTestHandler(stub, WithAuthenticator(auth.New("valid-api-key", nil)))

	t.Run("valid api key", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/verify", "valid-api-key", paymentBody)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("invalid api key", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/settle", "invalid-api-key", paymentBody)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthorized", decode[types.ErrorResponse](t, w).Error)
	})

	t.Run("no api key", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/settle/split", "", `{}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("public endpoints stay open", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/supported", "", "").Code)
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "").Code)
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "", "").Code)
	})
}

func TestRateLimit(t *testing.T) {

	stub := &stubFacilitator{}
	h := newTestHandler(stub, WithRateLimiter(NewRateLimiter(60, 2, quietLogger(), nil)))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/verify", "", paymentBody).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/verify", "", paymentBody).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/verify", "", paymentBody).Code)

	// Public endpoints are not limited
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/supported", "", "").Code)
}

func TestSupported(t *testing.T) {

	t.Run("none configured", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodGet, "/supported", "", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"kinds":[]}`, w.Body.String())
	})

	t.Run("configured kinds", func(t *testing.T) {
		h := newTestHandler(&stubFacilitator{}, WithSupported(
			types.SupportedKind{Mode: types.SettlementModeSponsored, ChainID: 84532, Asset: "0x00000000000000000000000000000000000000a5"},
			types.SupportedKind{Mode: types.SettlementModeSplit, ChainID: 84532},
		))
		w := do(t, h, http.MethodGet, "/supported", "", "")
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[types.SupportedResponse](t, w)
		require.Len(t, resp.Kinds, 2)
		assert.Equal(t, types.SettlementModeSplit, resp.Kinds[1].Mode)
	})
}

func TestHealth(t *testing.T) {

	up := newTestHandler(&stubFacilitator{}, WithHealthCheck(pingFunc(func(context.Context) error { return nil })))
	w := do(t, up, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	down := newTestHandler(&stubFacilitator{}, WithHealthCheck(pingFunc(func(context.Context) error { return errors.New("database is closed") })))
	w = do(t, down, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, w.Body.String())
}

func TestGetSplit(t *testing.T) {

	splits := stubSplits{
		"0xsource": {
			ID:                  "7d1c",
			SourceSignature:     "0xsource",
			SettlementSignature: "0xsettled",
			BeneficiaryID:       "shop",
			ReferralID:          "TAG_ALICE",
			PayerAccount:        "0xpayer",
			Total:               100,
			PlatformFee:         5,
			AffiliateCommission: 15,
			BeneficiaryAmount:   80,
			Status:              types.SplitStatusCompleted,
		},
	}
	h := newTestHandler(&stubFacilitator{}, WithSplitLookup(splits))

	t.Run("found", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/splits/0xsource", "", "")
		require.Equal(t, http.StatusOK, w.Code)

		rec := decode[storage.SplitRecord](t, w)
		assert.Equal(t, uint64(80), rec.BeneficiaryAmount)
		assert.Equal(t, "TAG_ALICE", rec.ReferralID)
		assert.Contains(t, w.Body.String(), `"total":"100"`)
	})

	t.Run("not found", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/splits/0xother", "", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		w := do(t, h, http.MethodGet, "/splits/broken", "", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "storage_error", decode[types.ErrorResponse](t, w).Kind)
	})

	t.Run("lookup disabled", func(t *testing.T) {
		w := do(t, newTestHandler(&stubFacilitator{}), http.MethodGet, "/splits/0xsource", "", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
