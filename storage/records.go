package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

// maxCounterAttempts bounds the compare-and-swap retries of running totals.
const maxCounterAttempts = 5

// --- Beneficiaries ---

// UpsertBeneficiary creates or updates a beneficiary, keeping its order metrics.
func (s *Store) UpsertBeneficiary(ctx context.Context, b Beneficiary) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO beneficiaries (id, name, collection_account, payout_account, platform_rate_bps, affiliate_rate_bps, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			collection_account = excluded.collection_account,
			payout_account = excluded.payout_account,
			platform_rate_bps = excluded.platform_rate_bps,
			affiliate_rate_bps = excluded.affiliate_rate_bps,
			updated_at = excluded.updated_at`),
		b.ID, b.Name, b.CollectionAccount, b.PayoutAccount,
		int64(b.PlatformRateBps), int64(b.AffiliateRateBps), s.now().Unix(),
	)
	if err != nil {
		return utils.StorageError("failed to upsert beneficiary", err)
	}
	return nil
}

// GetBeneficiary returns a beneficiary by id.
func (s *Store) GetBeneficiary(ctx context.Context, id string) (*Beneficiary, error) {
	var (
		b         Beneficiary
		platform  int64
		affiliate int64
		orders    int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, collection_account, payout_account, platform_rate_bps, affiliate_rate_bps,
		        total_orders, total_volume, updated_at
		 FROM beneficiaries WHERE id = ?`), id,
	).Scan(&b.ID, &b.Name, &b.CollectionAccount, &b.PayoutAccount, &platform, &affiliate,
		&orders, &b.TotalVolume, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.StorageError("failed to get beneficiary", err)
	}
	b.PlatformRateBps = uint64(platform)
	b.AffiliateRateBps = uint64(affiliate)
	b.TotalOrders = uint64(orders)
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

// --- Referrers ---

// UpsertReferrer creates or updates a referrer, keeping its earnings.
func (s *Store) UpsertReferrer(ctx context.Context, r Referrer) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO referrers (code, payout_account) VALUES (?, ?)
		 ON CONFLICT (code) DO UPDATE SET payout_account = excluded.payout_account`),
		strings.ToUpper(r.Code), r.PayoutAccount,
	)
	if err != nil {
		return utils.StorageError("failed to upsert referrer", err)
	}
	return nil
}

// ResolveReferrer returns the referrer owning a tag. Tags are case-insensitive.
func (s *Store) ResolveReferrer(ctx context.Context, code string) (*Referrer, error) {
	var (
		r         Referrer
		referrals int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT code, payout_account, total_earnings, total_referrals FROM referrers WHERE code = ?`),
		strings.ToUpper(code),
	).Scan(&r.Code, &r.PayoutAccount, &r.TotalEarnings, &referrals)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.StorageError("failed to resolve referrer", err)
	}
	r.TotalReferrals = uint64(referrals)
	return &r, nil
}

// --- Split records ---

// RecordSplit persists the outcome of a split. A completed split also credits
// the referrer and the beneficiary's order metrics in the same transaction.
// Recording the same source signature twice returns ErrAlreadyExists. If the
// totals cannot be credited the record is still stored, and the returned
// record comes with an error wrapping ErrTotalsNotUpdated.
func (s *Store) RecordSplit(ctx context.Context, rec SplitRecord) (*SplitRecord, error) {

	now := s.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.StorageError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO payment_splits (id, source_signature, settlement_signature, beneficiary_id, referral_id,
			payer_account, total, platform_fee, affiliate_commission, beneficiary_amount,
			status, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.SourceSignature, nullString(rec.SettlementSignature), rec.BeneficiaryID, nullString(rec.ReferralID),
		rec.PayerAccount, formatAmount(rec.Total), formatAmount(rec.PlatformFee),
		formatAmount(rec.AffiliateCommission), formatAmount(rec.BeneficiaryAmount),
		string(rec.Status), nullString(rec.ErrorMessage), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, utils.StorageError("failed to insert split record", err)
	}

	// Credit the running totals behind a savepoint so the record survives a
	// counter failure
	var totalsErr error
	if rec.Status == types.SplitStatusCompleted {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT split_totals`); err != nil {
			return nil, utils.StorageError("failed to create savepoint", err)
		}
		if err := s.creditTotals(ctx, tx, rec); err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT split_totals`); rbErr != nil {
				return nil, utils.StorageError("failed to roll back running totals", rbErr)
			}
			totalsErr = utils.StorageError("split recorded without running totals", fmt.Errorf("%w: %w", ErrTotalsNotUpdated, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.StorageError("failed to commit split record", err)
	}
	return &rec, totalsErr
}

func (s *Store) creditTotals(ctx context.Context, q querier, rec SplitRecord) error {
	if rec.ReferralID != "" && rec.AffiliateCommission > 0 {
		if err := s.creditReferrer(ctx, q, rec.ReferralID, rec.AffiliateCommission); err != nil {
			return err
		}
	}
	return s.recordOrder(ctx, q, rec.BeneficiaryID, rec.Total)
}

// HasSplit reports whether a split was already recorded for the inbound transfer.
func (s *Store) HasSplit(ctx context.Context, sourceSignature string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM payment_splits WHERE source_signature = ?`), sourceSignature,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, utils.StorageError("failed to check split record", err)
	}
	return true, nil
}

// GetSplitBySource returns the split recorded for an inbound transfer.
func (s *Store) GetSplitBySource(ctx context.Context, sourceSignature string) (*SplitRecord, error) {
	var (
		rec                                    SplitRecord
		settlement, referral, errMsg           sql.NullString
		total, fee, commission, beneficiaryAmt string
		status                                 string
		createdAt, updatedAt                   int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, source_signature, settlement_signature, beneficiary_id, referral_id, payer_account,
		        total, platform_fee, affiliate_commission, beneficiary_amount, status, error_message,
		        created_at, updated_at
		 FROM payment_splits WHERE source_signature = ?`), sourceSignature,
	).Scan(&rec.ID, &rec.SourceSignature, &settlement, &rec.BeneficiaryID, &referral, &rec.PayerAccount,
		&total, &fee, &commission, &beneficiaryAmt, &status, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.StorageError("failed to get split record", err)
	}

	for _, f := range []struct {
		raw string
		dst *uint64
	}{
		{total, &rec.Total},
		{fee, &rec.PlatformFee},
		{commission, &rec.AffiliateCommission},
		{beneficiaryAmt, &rec.BeneficiaryAmount},
	} {
		v, err := strconv.ParseUint(f.raw, 10, 64)
		if err != nil {
			return nil, utils.StorageError(fmt.Sprintf("failed to parse split amount %q", f.raw), err)
		}
		*f.dst = v
	}

	rec.SettlementSignature = settlement.String
	rec.ReferralID = referral.String
	rec.ErrorMessage = errMsg.String
	rec.Status = types.SplitStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// creditReferrer adds a commission to the referrer's running earnings.
func (s *Store) creditReferrer(ctx context.Context, q querier, code string, amount uint64) error {
	code = strings.ToUpper(code)
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		var current string
		err := q.QueryRowContext(ctx, s.rebind(
			`SELECT total_earnings FROM referrers WHERE code = ?`), code).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to credit referrer %s: %w", code, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read referrer earnings: %w", err)
		}

		next, err := addAmount(current, amount)
		if err != nil {
			return fmt.Errorf("failed to credit referrer %s: %w", code, err)
		}

		res, err := q.ExecContext(ctx, s.rebind(
			`UPDATE referrers SET total_earnings = ?, total_referrals = total_referrals + 1
			 WHERE code = ? AND total_earnings = ?`), next, code, current)
		if err != nil {
			return fmt.Errorf("failed to update referrer earnings: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to credit referrer %s: concurrent updates", code)
}

// recordOrder bumps the beneficiary's order count and volume.
func (s *Store) recordOrder(ctx context.Context, q querier, beneficiaryID string, amount uint64) error {
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		var current string
		err := q.QueryRowContext(ctx, s.rebind(
			`SELECT total_volume FROM beneficiaries WHERE id = ?`), beneficiaryID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to record order for %s: %w", beneficiaryID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read beneficiary volume: %w", err)
		}

		next, err := addAmount(current, amount)
		if err != nil {
			return fmt.Errorf("failed to record order for %s: %w", beneficiaryID, err)
		}

		res, err := q.ExecContext(ctx, s.rebind(
			`UPDATE beneficiaries SET total_volume = ?, total_orders = total_orders + 1, updated_at = ?
			 WHERE id = ? AND total_volume = ?`), next, s.now().Unix(), beneficiaryID, current)
		if err != nil {
			return fmt.Errorf("failed to update beneficiary volume: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to record order for %s: concurrent updates", beneficiaryID)
}

// --- Cursors ---

// GetCursor returns the cursor of a watcher, or a zero cursor if none was saved.
func (s *Store) GetCursor(ctx context.Context, beneficiaryID string) (Cursor, error) {
	var (
		c         Cursor
		lastBlock int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT beneficiary_id, last_signature, last_block, updated_at FROM watcher_cursors WHERE beneficiary_id = ?`),
		beneficiaryID,
	).Scan(&c.BeneficiaryID, &c.LastSignature, &lastBlock, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{BeneficiaryID: beneficiaryID}, nil
	}
	if err != nil {
		return Cursor{}, utils.StorageError("failed to get cursor", err)
	}
	c.LastBlock = uint64(lastBlock)
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

// SaveCursor stores the cursor of a watcher.
func (s *Store) SaveCursor(ctx context.Context, c Cursor) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO watcher_cursors (beneficiary_id, last_signature, last_block, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (beneficiary_id) DO UPDATE SET
			last_signature = excluded.last_signature,
			last_block = excluded.last_block,
			updated_at = excluded.updated_at`),
		c.BeneficiaryID, c.LastSignature, int64(c.LastBlock), s.now().Unix(),
	)
	if err != nil {
		return utils.StorageError("failed to save cursor", err)
	}
	return nil
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// addAmount adds v to a decimal running total with overflow checking.
func addAmount(current string, v uint64) (string, error) {
	total, err := uint256.FromDecimal(current)
	if err != nil {
		return "", fmt.Errorf("invalid running total %q: %w", current, err)
	}
	sum, overflow := new(uint256.Int).AddOverflow(total, uint256.NewInt(v))
	if overflow {
		return "", errors.New("running total overflows")
	}
	return sum.Dec(), nil
}
