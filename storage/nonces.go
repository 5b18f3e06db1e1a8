package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// --- Nonces ---

// StoreNonce reserves a nonce. The insert itself is the reservation: a second
// insert of the same nonce violates the primary key and is a NonceError.
func (s *Store) StoreNonce(ctx context.Context, r types.NonceRecord) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO nonces (nonce, payer_public_key, amount, recipient, resource_id, resource_url, created_at, expiry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		r.Nonce, r.PayerPublicKey, strconv.FormatUint(r.Amount, 10), r.Recipient,
		r.ResourceID, r.ResourceURL, createdAt.Unix(), r.Expiry.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return utils.NonceError("nonce already used", ErrAlreadyExists)
		}
		return utils.StorageError("failed to store nonce", err)
	}
	return nil
}

// GetNonce returns the record of a nonce.
func (s *Store) GetNonce(ctx context.Context, nonce string) (types.NonceRecord, error) {
	var (
		r         types.NonceRecord
		amount    string
		createdAt int64
		expiry    int64
		claimedAt sql.NullInt64
		usedAt    sql.NullInt64
		signature sql.NullString
	)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT nonce, payer_public_key, amount, recipient, resource_id, resource_url,
		        created_at, expiry, claimed_at, used_at, settlement_signature
		 FROM nonces WHERE nonce = ?`), nonce,
	).Scan(&r.Nonce, &r.PayerPublicKey, &amount, &r.Recipient, &r.ResourceID, &r.ResourceURL,
		&createdAt, &expiry, &claimedAt, &usedAt, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NonceRecord{}, utils.NonceError("unknown nonce", ErrNotFound)
	}
	if err != nil {
		return types.NonceRecord{}, utils.StorageError("failed to get nonce", err)
	}

	r.Amount, err = strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return types.NonceRecord{}, utils.StorageError("failed to parse nonce amount", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.Expiry = time.Unix(expiry, 0).UTC()
	r.ClaimedAt = timeFromNull(claimedAt)
	r.UsedAt = timeFromNull(usedAt)
	r.SettlementSignature = signature.String

	return r, nil
}

// IsUsed returns the usage state of a nonce. An unknown nonce is a NonceError.
func (s *Store) IsUsed(ctx context.Context, nonce string) (types.NonceStatus, error) {
	r, err := s.GetNonce(ctx, nonce)
	if err != nil {
		return types.NonceStatus{}, err
	}
	return types.NonceStatus{
		Used:                r.Used(),
		UsedAt:              r.UsedAt,
		SettlementSignature: r.SettlementSignature,
	}, nil
}

// ClaimNonce marks an unused nonce as being settled. Only one claim can hold
// at a time.
func (s *Store) ClaimNonce(ctx context.Context, nonce string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE nonces SET claimed_at = ? WHERE nonce = ? AND claimed_at IS NULL AND used_at IS NULL`),
		s.now().Unix(), nonce,
	)
	if err != nil {
		return utils.StorageError("failed to claim nonce", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return utils.StorageError("failed to claim nonce", err)
	}
	if n == 0 {
		return utils.NonceError("nonce is unknown, used, or already being settled", nil)
	}
	return nil
}

// ReleaseNonce drops the settlement claim of a nonce that was not used.
func (s *Store) ReleaseNonce(ctx context.Context, nonce string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE nonces SET claimed_at = NULL WHERE nonce = ? AND used_at IS NULL`), nonce)
	if err != nil {
		return utils.StorageError("failed to release nonce", err)
	}
	return nil
}

// MarkUsed records the settlement of a nonce. It fails if the nonce is
// unknown or already used.
func (s *Store) MarkUsed(ctx context.Context, nonce, settlementSignature string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE nonces SET used_at = ?, settlement_signature = ? WHERE nonce = ? AND used_at IS NULL`),
		s.now().Unix(), settlementSignature, nonce,
	)
	if err != nil {
		return utils.StorageError("failed to mark nonce used", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return utils.StorageError("failed to mark nonce used", err)
	}
	if n == 0 {
		return utils.NonceError(fmt.Sprintf("nonce %s is unknown or already used", nonce), nil)
	}
	return nil
}

// CleanupExpired deletes every nonce whose expiry has passed, used or not.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM nonces WHERE expiry < ?`), now.Unix())
	if err != nil {
		return 0, utils.StorageError("failed to clean up expired nonces", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, utils.StorageError("failed to clean up expired nonces", err)
	}
	return n, nil
}
