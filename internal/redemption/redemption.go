/**
 * @description
 * RedemptionEngine spends a user's balance against a finite, time-boxed catalog.
 * A redemption reserves one unit of stock, debits the ledger, issues a unique voucher
 * and records the result, all while holding the item's lock.
 *
 * @notes
 * - Lock order is always item first, then the ledger's per-user lock inside
 *   ProcessTransaction. The item lock is released only after the ledger call returns.
 * - Stock is reserved with a conditional decrement in the store, so replicas sharing a
 *   database cannot oversell even without the in-process lock.
 * - Every failure after the reservation restores stock; a failure after the debit also
 *   refunds it, so stock and ledger never diverge.
 */

package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/ledger"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/keylock"
)

const (
	DefaultVoucherValidity    = 30 * 24 * time.Hour
	DefaultVoucherPrefix      = "WLK"
	DefaultMaxVoucherAttempts = 5
)

// Ledger is the slice of the ledger engine redemptions need. It has no way to
// change a balance other than recording a transaction.
type Ledger interface {
	ProcessTransaction(ctx context.Context, userID string, kind domain.TransactionKind, amount int64, description string, opts ...ledger.TxOption) (domain.Transaction, error)
	GetBalance(ctx context.Context, userID string) (domain.WalletBalance, error)
}

type Config struct {
	VoucherValidity    time.Duration
	VoucherPrefix      string
	LockTimeout        time.Duration
	MaxVoucherAttempts int
}

type Engine struct {
	catalog  store.CatalogRepository
	ledger   Ledger
	locks    *keylock.Locker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	vouchers VoucherGenerator
}

type Option func(*Engine)

// WithClock replaces the wall clock used for expiry checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithVoucherGenerator replaces the random voucher source.
func WithVoucherGenerator(gen VoucherGenerator) Option {
	return func(e *Engine) { e.vouchers = gen }
}

func New(catalog store.CatalogRepository, l Ledger, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.VoucherValidity <= 0 {
		cfg.VoucherValidity = DefaultVoucherValidity
	}
	if strings.TrimSpace(cfg.VoucherPrefix) == "" {
		cfg.VoucherPrefix = DefaultVoucherPrefix
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = ledger.DefaultLockTimeout
	}
	if cfg.MaxVoucherAttempts <= 0 {
		cfg.MaxVoucherAttempts = DefaultMaxVoucherAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		catalog:  catalog,
		ledger:   l,
		locks:    keylock.New(cfg.LockTimeout),
		logger:   logger.With("component", "redemption"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		vouchers: RandomVoucherCodes(cfg.VoucherPrefix),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListCatalog returns active, unexpired items ordered by cost then name.
func (e *Engine) ListCatalog(ctx context.Context) ([]domain.RewardItem, error) {
	items, err := e.catalog.ListRewardItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	now := e.now()
	listable := make([]domain.RewardItem, 0, len(items))
	for _, item := range items {
		if item.Listable(now) {
			listable = append(listable, item)
		}
	}
	sort.SliceStable(listable, func(i, j int) bool {
		if listable[i].Cost != listable[j].Cost {
			return listable[i].Cost < listable[j].Cost
		}
		return listable[i].Name < listable[j].Name
	})
	return listable, nil
}

// ListRedemptions returns a user's redemptions, newest first.
func (e *Engine) ListRedemptions(ctx context.Context, userID string) ([]domain.RedemptionRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidUser
	}
	return e.catalog.ListRedemptionsByUser(ctx, userID)
}

// Redeem spends item.Cost from the user's balance and issues a voucher.
//
// Rejections are checked in order: unknown item, expired, inactive, out of stock,
// insufficient balance. Expiry wins over every stock and activity state.
func (e *Engine) Redeem(ctx context.Context, itemID, userID string) (domain.RedemptionResult, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.RedemptionResult{}, domain.ErrInvalidUser
	}

	unlock, err := e.locks.Lock(ctx, itemID)
	if err != nil {
		if errors.Is(err, keylock.ErrTimeout) {
			return domain.RedemptionResult{}, &domain.ConcurrencyConflictError{Resource: "item:" + itemID, Attempts: 1, Err: err}
		}
		return domain.RedemptionResult{}, err
	}
	defer unlock()

	result, err := e.redeemLocked(context.WithoutCancel(ctx), itemID, userID)
	if err != nil {
		return domain.RedemptionResult{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.RedemptionResult{}, ctxErr
	}
	return result, nil
}

func (e *Engine) redeemLocked(ctx context.Context, itemID, userID string) (domain.RedemptionResult, error) {
	item, err := e.catalog.GetRewardItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RedemptionResult{}, fmt.Errorf("%w: %s", domain.ErrItemNotFound, itemID)
		}
		return domain.RedemptionResult{}, fmt.Errorf("failed to load reward item: %w", err)
	}

	now := e.now()
	switch {
	case item.Expired(now):
		return domain.RedemptionResult{}, &domain.ItemExpiredError{ItemID: item.ID, ExpiresAt: *item.ExpiresAt}
	case !item.Active:
		return domain.RedemptionResult{}, fmt.Errorf("%w: %s", domain.ErrItemInactive, item.ID)
	case item.Stock <= 0:
		return domain.RedemptionResult{}, fmt.Errorf("%w: %s", domain.ErrOutOfStock, item.ID)
	}

	wallet, err := e.ledger.GetBalance(ctx, userID)
	if err != nil {
		return domain.RedemptionResult{}, fmt.Errorf("failed to load balance: %w", err)
	}
	if wallet.TotalBalance < item.Cost {
		return domain.RedemptionResult{}, &domain.InsufficientBalanceError{
			UserID: userID, Balance: wallet.TotalBalance, Required: item.Cost,
		}
	}

	if _, err := e.catalog.ReserveStock(ctx, item.ID); err != nil {
		if errors.Is(err, domain.ErrOutOfStock) {
			return domain.RedemptionResult{}, fmt.Errorf("%w: %s", domain.ErrOutOfStock, item.ID)
		}
		if errors.Is(err, store.ErrNotFound) {
			return domain.RedemptionResult{}, fmt.Errorf("%w: %s", domain.ErrItemNotFound, item.ID)
		}
		return domain.RedemptionResult{}, fmt.Errorf("failed to reserve stock: %w", err)
	}

	redemptionID := uuid.New()
	debit, err := e.ledger.ProcessTransaction(ctx, userID, domain.KindRedemption, item.Cost,
		"Redeemed "+item.Name, ledger.WithReference("redemption:"+redemptionID.String()))
	if err != nil {
		if errors.Is(err, domain.ErrLedgerInvariantViolation) && debit.ID != uuid.Nil {
			// The debit is committed; the reserved unit stays consumed.
			e.logger.Error("redemption debit recorded on an inconsistent wallet",
				"user_id", userID, "item_id", item.ID, "transaction_id", debit.ID, "err", err)
			return domain.RedemptionResult{}, err
		}
		e.releaseStock(ctx, item.ID, "debit failed")
		return domain.RedemptionResult{}, err
	}

	rec := domain.RedemptionRecord{
		ID:            redemptionID,
		UserID:        userID,
		ItemID:        item.ID,
		Cost:          item.Cost,
		TransactionID: debit.ID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.VoucherValidity),
	}
	if err := e.recordWithUniqueVoucher(ctx, &rec); err != nil {
		e.compensate(ctx, rec, err)
		return domain.RedemptionResult{}, fmt.Errorf("failed to record redemption: %w", err)
	}

	balance, err := e.ledger.GetBalance(ctx, userID)
	if err != nil {
		return domain.RedemptionResult{}, fmt.Errorf("failed to load balance: %w", err)
	}

	e.logger.Info("reward redeemed",
		"user_id", userID, "item_id", item.ID, "redemption_id", rec.ID, "cost", item.Cost, "balance", balance.TotalBalance)

	return domain.RedemptionResult{
		Record:      rec,
		VoucherCode: rec.VoucherCode,
		NewBalance:  balance.TotalBalance,
	}, nil
}

// recordWithUniqueVoucher persists rec, drawing a fresh code on every collision.
func (e *Engine) recordWithUniqueVoucher(ctx context.Context, rec *domain.RedemptionRecord) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxVoucherAttempts; attempt++ {
		code, err := e.vouchers()
		if err != nil {
			return err
		}
		taken, err := e.catalog.VoucherExists(ctx, code)
		if err != nil {
			return err
		}
		if taken {
			lastErr = domain.ErrVoucherCollision
			e.logger.Warn("voucher code collision", "attempt", attempt)
			continue
		}

		rec.VoucherCode = code
		err = e.catalog.CreateRedemption(ctx, *rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrVoucherCollision) {
			return err
		}
		lastErr = err
		e.logger.Warn("voucher code collision", "attempt", attempt)
	}
	return fmt.Errorf("gave up after %d attempts: %w", e.cfg.MaxVoucherAttempts, lastErr)
}

// compensate reverses a debit whose redemption record could not be written.
func (e *Engine) compensate(ctx context.Context, rec domain.RedemptionRecord, cause error) {
	_, err := e.ledger.ProcessTransaction(ctx, rec.UserID, domain.KindRefund, rec.Cost,
		"Refund for unrecorded redemption", ledger.WithReference("refund:"+rec.ID.String()))
	if err != nil && !errors.Is(err, domain.ErrDuplicateReference) {
		e.logger.Error("redemption refund failed",
			"user_id", rec.UserID, "item_id", rec.ItemID, "redemption_id", rec.ID, "cause", cause, "err", err)
	}
	e.releaseStock(ctx, rec.ItemID, "record failed")
}

func (e *Engine) releaseStock(ctx context.Context, itemID, reason string) {
	if err := e.catalog.ReleaseStock(ctx, itemID); err != nil {
		e.logger.Error("failed to release reserved stock", "item_id", itemID, "reason", reason, "err", err)
	}
}
