package core

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// Default EIP-712 domain of payment authorizations.
const (
	DefaultDomainName    = "SplitFacilitator"
	DefaultDomainVersion = "1"
)

// Domain is the EIP-712 domain that payment authorizations are signed under.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// DefaultDomain returns the default domain for the chain.
func DefaultDomain(chainID int64) Domain {
	return Domain{
		Name:    DefaultDomainName,
		Version: DefaultDomainVersion,
		ChainID: chainID,
	}
}

func (d Domain) typedDomain() (apitypes.TypedDataDomain, []apitypes.Type) {
	chainID := math.HexOrDecimal256(*big.NewInt(d.ChainID))
	fields := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	if d.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           &chainID,
		VerifyingContract: d.VerifyingContract,
	}, fields
}

// Canonicalize returns the canonical bytes of a payload: the EIP-712 preimage
// 0x19 0x01 || domainSeparator || hashStruct(PaymentAuthorization). Signing
// and verification both hash exactly these bytes.
func Canonicalize(d Domain, p types.AuthorizationPayload) ([]byte, error) {

	domain, domainFields := d.typedDomain()

	// Construct the typed data
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			"PaymentAuthorization": []apitypes.Type{
				{Name: "amount", Type: "uint256"},
				{Name: "recipient", Type: "string"},
				{Name: "resourceId", Type: "string"},
				{Name: "resourceUrl", Type: "string"},
				{Name: "nonce", Type: "string"},
				{Name: "timestamp", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"amount":      new(big.Int).SetUint64(p.Amount),
			"recipient":   p.Recipient,
			"resourceId":  p.ResourceID,
			"resourceUrl": p.ResourceURL,
			"nonce":       p.Nonce,
			"timestamp":   big.NewInt(p.Timestamp),
			"expiry":      big.NewInt(p.Expiry),
		},
	}

	_, raw, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed data: %w", err)
	}
	return []byte(raw), nil
}

// SignPayload signs the canonical bytes of the payload with the payer key.
func SignPayload(d Domain, p types.AuthorizationPayload, key *ecdsa.PrivateKey) (string, error) {

	canonical, err := Canonicalize(d, p)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(crypto.Keccak256(canonical), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}

	// Use the 27/28 recovery id wallets produce
	signature[64] += 27
	return hexutil.Encode(signature), nil
}

// VerifySignature recovers the signer of the request's payload and checks it
// against the claimed payer. Any failure is a verification error.
func VerifySignature(d Domain, req types.PaymentRequest) (common.Address, error) {

	// Resolve the claimed payer
	payer, err := ParsePayer(req.PayerPublicKey)
	if err != nil {
		return common.Address{}, utils.VerificationError("invalid payer public key", err)
	}

	// Recompute the canonical bytes
	canonical, err := Canonicalize(d, req.Payload)
	if err != nil {
		return common.Address{}, utils.VerificationError("failed to canonicalize payload", err)
	}

	// Recover the signer
	signer, err := recoverSigner(crypto.Keccak256(canonical), req.Signature)
	if err != nil {
		return common.Address{}, utils.VerificationError("invalid signature", err)
	}

	// Verify the signer matches the payer
	if signer != payer {
		return common.Address{}, utils.VerificationError(
			fmt.Sprintf("signature signer %s does not match payer %s", signer.Hex(), payer.Hex()), nil)
	}

	return payer, nil
}

// ParsePayer resolves a payer public key given as an address or as a
// compressed or uncompressed secp256k1 public key.
func ParsePayer(publicKey string) (common.Address, error) {
	if common.IsHexAddress(publicKey) {
		return common.HexToAddress(publicKey), nil
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(publicKey, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode public key: %w", err)
	}

	switch len(raw) {
	case 33:
		pub, err := crypto.DecompressPubkey(raw)
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to decompress public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
		}
		return crypto.PubkeyToAddress(*pub), nil
	default:
		return common.Address{}, fmt.Errorf("public key is %d bytes, want an address, 33 or 65 bytes", len(raw))
	}
}

// decodeSignature parses a 65 byte r||s||v signature with v in {0,1,27,28}
// and returns it with v normalized to 0/1.
func decodeSignature(signature string) ([]byte, error) {
	if signature == "" {
		return nil, errors.New("signature is missing")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	// Verify the signature is exactly 65 bytes (32 bytes r + 32 bytes s + 1 byte v)
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}

	// Convert the V value of the signature if necessary (27/28 → 0/1)
	if sig[64] == 27 || sig[64] == 28 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, fmt.Errorf("invalid signature recovery id %d", sig[64])
	}
	return sig, nil
}

func recoverSigner(digest []byte, signature string) (common.Address, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// transferAuthorization is the parsed form of an EIP-3009 authorization.
type transferAuthorization struct {
	from        common.Address
	to          common.Address
	value       *big.Int
	validAfter  *big.Int
	validBefore *big.Int
	nonce       [32]byte
}

func parseAuthorization(a types.Authorization) (transferAuthorization, error) {
	var out transferAuthorization

	// Verify the addresses
	if !common.IsHexAddress(a.From) {
		return out, fmt.Errorf("invalid authorization from address %q", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return out, fmt.Errorf("invalid authorization to address %q", a.To)
	}
	out.from = common.HexToAddress(a.From)
	out.to = common.HexToAddress(a.To)

	// Convert the decimal fields to big.Int
	for _, field := range []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"value", a.Value, &out.value},
		{"validAfter", a.ValidAfter, &out.validAfter},
		{"validBefore", a.ValidBefore, &out.validBefore},
	} {
		n, ok := new(big.Int).SetString(field.value, 10)
		if !ok || n.Sign() < 0 {
			return out, fmt.Errorf("invalid authorization %s %q", field.name, field.value)
		}
		*field.dst = n
	}

	// Decode the nonce and verify it is exactly 32 bytes
	nonce, err := hex.DecodeString(strings.TrimPrefix(a.Nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("failed to decode authorization nonce: %w", err)
	}
	if len(nonce) != 32 {
		return out, fmt.Errorf("authorization nonce is %d bytes, want 32", len(nonce))
	}
	copy(out.nonce[:], nonce)

	return out, nil
}

// transferDigest returns the EIP-712 digest of a TransferWithAuthorization
// message under the token's domain.
func transferDigest(st types.SignedTransfer, auth transferAuthorization) ([]byte, error) {

	if !common.IsHexAddress(st.Asset) {
		return nil, fmt.Errorf("invalid asset address %q", st.Asset)
	}

	domain, domainFields := Domain{
		Name:              st.Name,
		Version:           st.Version,
		ChainID:           st.ChainID,
		VerifyingContract: st.Asset,
	}.typedDomain()

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"from":        auth.from.Hex(),
			"to":          auth.to.Hex(),
			"value":       auth.value,
			"validAfter":  auth.validAfter,
			"validBefore": auth.validBefore,
			"nonce":       auth.nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash transfer authorization: %w", err)
	}
	return digest, nil
}

// RecoverTransferSigner recovers the account that signed the transfer
// authorization. It does not compare it with the authorization's from.
func RecoverTransferSigner(st types.SignedTransfer) (common.Address, error) {
	auth, err := parseAuthorization(st.Authorization)
	if err != nil {
		return common.Address{}, err
	}
	digest, err := transferDigest(st, auth)
	if err != nil {
		return common.Address{}, err
	}
	return recoverSigner(digest, st.Signature)
}

// SignTransfer signs the transfer authorization with the payer key.
func SignTransfer(st *types.SignedTransfer, key *ecdsa.PrivateKey) error {
	auth, err := parseAuthorization(st.Authorization)
	if err != nil {
		return err
	}
	digest, err := transferDigest(*st, auth)
	if err != nil {
		return err
	}
	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("failed to sign transfer: %w", err)
	}
	signature[64] += 27
	st.Signature = hexutil.Encode(signature)
	return nil
}

// EncodeSignedTransfer serializes a signed transfer as base64 JSON.
func EncodeSignedTransfer(st types.SignedTransfer) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal signed transfer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSignedTransfer parses a base64 JSON signed transfer.
func DecodeSignedTransfer(serialized string) (types.SignedTransfer, error) {
	var st types.SignedTransfer

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(serialized))
	if err != nil {
		return st, fmt.Errorf("failed to decode signed transfer: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("failed to unmarshal signed transfer: %w", err)
	}
	return st, nil
}
