package watcher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/raid-guild/split-facilitator-go/clients"
	"github.com/raid-guild/split-facilitator-go/core"
	"github.com/raid-guild/split-facilitator-go/metrics"
	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/types"
	"github.com/raid-guild/split-facilitator-go/utils"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultPageSize     = 20
	defaultMaxPages     = 5
	defaultCallTimeout  = 30 * time.Second
	maxBackoffInterval  = 5 * time.Minute
	maxRecordRetries    = 5
)

// State is the phase a watcher is in.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Source lists and decodes inbound transfers.
type Source interface {
	RecentTransfers(ctx context.Context, asset string, account common.Address, before string, limit int) ([]clients.TransferRef, error)
	TransferDetail(ctx context.Context, signature string, asset string) (*clients.TransferDetail, error)
}

// Splitter settles a split in one transaction.
type Splitter interface {
	SettleSplit(ctx context.Context, sourceKey *ecdsa.PrivateKey, assetID string, recipients []types.SplitRecipient) (types.SplitResult, error)
}

// Store holds the watcher's cursor and the business records it writes.
type Store interface {
	GetCursor(ctx context.Context, beneficiaryID string) (storage.Cursor, error)
	SaveCursor(ctx context.Context, c storage.Cursor) error
	HasSplit(ctx context.Context, sourceSignature string) (bool, error)
	RecordSplit(ctx context.Context, rec storage.SplitRecord) (*storage.SplitRecord, error)
	ResolveReferrer(ctx context.Context, code string) (*storage.Referrer, error)
}

// Config is the configuration of one beneficiary's watcher.
type Config struct {
	Beneficiary     storage.Beneficiary
	CollectionKey   *ecdsa.PrivateKey
	PlatformAccount string
	Asset           string
	PollInterval    time.Duration
	PageSize        int
	MaxPages        int
	CallTimeout     time.Duration
}

// Watcher polls one collection account and splits each inbound payment.
type Watcher struct {
	cfg              Config
	collection       common.Address
	source           Source
	splitter         Splitter
	store            Store
	logger           *slog.Logger
	metrics          *metrics.FacilitatorMetrics
	newBackOff       func() backoff.BackOff
	newRecordBackOff func() backoff.BackOff

	state    atomic.Int32
	stopped  atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// owned by the polling goroutine
	cursor       storage.Cursor
	cursorLoaded bool
}

// Option customises a watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics records poll and split outcomes.
func WithMetrics(m *metrics.FacilitatorMetrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithBackOff overrides the backoff applied after a failed poll.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(w *Watcher) {
		if f != nil {
			w.newBackOff = f
		}
	}
}

// WithRecordBackOff overrides the backoff between attempts to persist a split.
func WithRecordBackOff(f func() backoff.BackOff) Option {
	return func(w *Watcher) {
		if f != nil {
			w.newRecordBackOff = f
		}
	}
}

// New creates a watcher for the beneficiary in cfg.
func New(cfg Config, source Source, splitter Splitter, store Store, opts ...Option) (*Watcher, error) {
	if cfg.Beneficiary.ID == "" {
		return nil, errors.New("beneficiary id is required")
	}
	if !common.IsHexAddress(cfg.Beneficiary.CollectionAccount) {
		return nil, fmt.Errorf("invalid collection account %q", cfg.Beneficiary.CollectionAccount)
	}
	if cfg.CollectionKey == nil {
		return nil, errors.New("collection key is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	w := &Watcher{
		cfg:        cfg,
		collection: common.HexToAddress(cfg.Beneficiary.CollectionAccount),
		source:     source,
		splitter:   splitter,
		store:      store,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = w.cfg.PollInterval
		b.MaxInterval = maxBackoffInterval
		b.MaxElapsedTime = 0
		return b
	}
	w.newRecordBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = 0
		return b
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("beneficiary", cfg.Beneficiary.ID)
	return w, nil
}

// BeneficiaryID returns the id of the watched beneficiary.
func (w *Watcher) BeneficiaryID() string {
	return w.cfg.Beneficiary.ID
}

// State returns the current phase of the watcher.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Start launches the polling loop. Cancelling ctx aborts in-flight network
// calls; Stop lets the current batch finish.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Stop asks the loop to exit at the top of its next cycle.
func (w *Watcher) Stop() {
	w.stopped.Store(true)
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Wait blocks until the polling loop has exited.
func (w *Watcher) Wait() {
	if !w.started.Load() {
		return
	}
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("watcher started",
		"collection", w.collection.Hex(),
		"asset", w.cfg.Asset,
		"interval", w.cfg.PollInterval,
	)
	defer w.logger.Info("watcher stopped")

	bo := w.newBackOff()
	for {
		if w.stopped.Load() || ctx.Err() != nil {
			return
		}

		wait := w.cfg.PollInterval
		if err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if next := bo.NextBackOff(); next != backoff.Stop {
				wait = next
			}
			w.logger.Warn("poll failed, backing off", "error", err, "retry_in", wait)
		} else {
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// PollOnce runs one poll cycle: list the transfers newer than the cursor and
// process them oldest first. The cursor advances after each transfer.
func (w *Watcher) PollOnce(ctx context.Context) (err error) {
	defer func() {
		w.state.Store(int32(StateIdle))
		w.metrics.ObservePoll(w.cfg.Beneficiary.ID, err)
	}()
	w.state.Store(int32(StatePolling))

	// Load the persisted cursor on the first cycle
	if !w.cursorLoaded {
		c, err := w.store.GetCursor(ctx, w.cfg.Beneficiary.ID)
		if err != nil {
			return err
		}
		w.cursor = c
		w.cursorLoaded = true
	}

	fresh, err := w.listNew(ctx)
	if err != nil {
		return err
	}

	// Process oldest first
	for i := len(fresh) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ref := fresh[i]

		w.state.Store(int32(StateProcessing))
		if err := w.process(ctx, ref); err != nil {
			return fmt.Errorf("failed to process %s: %w", ref.Signature, err)
		}

		next := storage.Cursor{
			BeneficiaryID: w.cfg.Beneficiary.ID,
			LastSignature: ref.Signature,
			LastBlock:     ref.BlockNumber,
		}
		if err := w.store.SaveCursor(ctx, next); err != nil {
			return err
		}
		w.cursor = next
		w.metrics.SetCursor(w.cfg.Beneficiary.ID, ref.BlockNumber)
	}

	return nil
}

// listNew returns the transfers newer than the cursor, most recent first.
func (w *Watcher) listNew(ctx context.Context) ([]clients.TransferRef, error) {
	var (
		fresh    []clients.TransferRef
		before   string
		noCursor = w.cursor.LastSignature == ""
	)

	for page := 0; page < w.cfg.MaxPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		refs, err := w.source.RecentTransfers(callCtx, w.cfg.Asset, w.collection, before, w.cfg.PageSize)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to list transfers: %w", err)
		}

		for _, ref := range refs {
			if ref.Signature == w.cursor.LastSignature {
				return fresh, nil
			}
			fresh = append(fresh, ref)
		}

		if len(refs) < w.cfg.PageSize {
			break
		}
		before = refs[len(refs)-1].Signature
	}

	if !noCursor && len(fresh) > 0 {
		w.logger.Warn("cursor not found within page limit, older transfers are not processed",
			"cursor", w.cursor.LastSignature,
			"pages", w.cfg.MaxPages,
		)
	}
	return fresh, nil
}

// process splits one inbound transfer. A returned error means the transfer
// could not be looked at and the cycle should stop before it; every failure
// after that point is recorded as a failed split instead.
func (w *Watcher) process(ctx context.Context, ref clients.TransferRef) error {
	log := w.logger.With("signature", ref.Signature)

	// Skip transfers already recorded
	recorded, err := w.store.HasSplit(ctx, ref.Signature)
	if err != nil {
		return err
	}
	if recorded {
		log.Debug("transfer already recorded")
		return nil
	}

	// Fetch the transaction detail
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	detail, err := w.source.TransferDetail(callCtx, ref.Signature, w.cfg.Asset)
	cancel()
	if err != nil {
		return err
	}
	if detail.Failed {
		log.Debug("skipping failed transaction")
		return nil
	}

	// Find the transfer into the collection account. The payer is the token
	// owner it came from, which is not the transaction sender when a fee
	// payer submitted it.
	var transfer *clients.TokenTransfer
	for i := range detail.Transfers {
		if detail.Transfers[i].To == w.collection {
			transfer = &detail.Transfers[i]
			break
		}
	}
	if transfer == nil {
		log.Debug("no transfer into the collection account")
		return nil
	}

	rec := storage.SplitRecord{
		SourceSignature: ref.Signature,
		BeneficiaryID:   w.cfg.Beneficiary.ID,
		PayerAccount:    transfer.From.Hex(),
	}
	if !transfer.Amount.IsUint64() || transfer.Amount.Sign() <= 0 {
		return w.recordFailed(ctx, log, rec, fmt.Errorf("unsupported transfer amount %s", transfer.Amount))
	}
	rec.Total = transfer.Amount.Uint64()

	// Resolve the referral tag
	var referrer *storage.Referrer
	if tag := ExtractReferralTag(detail.Memo); tag != "" {
		referrer, err = w.store.ResolveReferrer(ctx, tag)
		if err != nil {
			log.Warn("referral tag did not resolve, paying without referral", "tag", tag, "error", err)
			referrer = nil
		}
	}

	// Compute the split
	calc, err := core.CalculateSplit(rec.Total, w.cfg.Beneficiary.PlatformRateBps, w.cfg.Beneficiary.AffiliateRateBps, referrer != nil)
	if err != nil {
		return w.recordFailed(ctx, log, rec, err)
	}
	rec.PlatformFee = calc.PlatformFee
	rec.AffiliateCommission = calc.AffiliateCommission
	rec.BeneficiaryAmount = calc.BeneficiaryAmount

	referrerAccount := ""
	if referrer != nil {
		rec.ReferralID = referrer.Code
		referrerAccount = referrer.PayoutAccount
	}
	recipients := calc.Recipients(w.cfg.PlatformAccount, referrerAccount, w.cfg.Beneficiary.PayoutAccount)
	if len(recipients) < types.MinSplitRecipients {
		return w.recordFailed(ctx, log, rec, fmt.Errorf("split of %d has %d non-zero recipients, need at least %d",
			rec.Total, len(recipients), types.MinSplitRecipients))
	}

	// Settle the split from the collection account
	result, err := w.splitter.SettleSplit(ctx, w.cfg.CollectionKey, w.cfg.Asset, recipients)
	if err != nil {
		if utils.IsIndeterminate(err) {
			return w.recordPending(ctx, log, rec, err)
		}
		return w.recordFailed(ctx, log, rec, err)
	}

	rec.Status = types.SplitStatusCompleted
	rec.SettlementSignature = result.Signature
	w.record(ctx, log, rec)

	log.Info("payment split",
		"settlement", result.Signature,
		"payer", rec.PayerAccount,
		"total", rec.Total,
		"platform_fee", rec.PlatformFee,
		"affiliate_commission", rec.AffiliateCommission,
		"beneficiary_amount", rec.BeneficiaryAmount,
		"referral", rec.ReferralID,
	)
	return nil
}

func (w *Watcher) recordFailed(ctx context.Context, log *slog.Logger, rec storage.SplitRecord, cause error) error {
	rec.Status = types.SplitStatusFailed
	rec.SettlementSignature = utils.SignatureOf(cause)
	rec.ErrorMessage = cause.Error()

	log.Error("payment split failed", "error", cause)
	w.record(ctx, log, rec)
	return nil
}

// recordPending stores a split whose transaction was broadcast but not
// confirmed. It may have landed, so it is neither retried nor marked failed;
// the settlement signature is kept for reconciliation.
func (w *Watcher) recordPending(ctx context.Context, log *slog.Logger, rec storage.SplitRecord, cause error) error {
	rec.Status = types.SplitStatusPending
	rec.SettlementSignature = utils.SignatureOf(cause)
	rec.ErrorMessage = cause.Error()

	log.Warn("payment split outcome unknown, needs reconciliation",
		"settlement", rec.SettlementSignature,
		"error", cause,
	)
	w.record(ctx, log, rec)
	return nil
}

// record persists rec, retrying backend failures. Recording outlives a
// cancelled poll context because the split may already have moved funds.
func (w *Watcher) record(ctx context.Context, log *slog.Logger, rec storage.SplitRecord) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CallTimeout)
	defer cancel()

	op := func() error {
		_, err := w.store.RecordSplit(recordCtx, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrAlreadyExists):
			log.Debug("split already recorded")
			return nil
		case errors.Is(err, storage.ErrTotalsNotUpdated):
			log.Error("split recorded without updating running totals", "error", err)
			return nil
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(w.newRecordBackOff(), maxRecordRetries), recordCtx)
	err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		log.Warn("failed to record split, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		log.Error("failed to record split",
			"status", rec.Status,
			"settlement", rec.SettlementSignature,
			"total", rec.Total,
			"error", err,
		)
		return
	}
	w.metrics.ObserveSplit(w.cfg.Beneficiary.ID, string(rec.Status), rec.Total)
}
