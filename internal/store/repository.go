/**
 * @description
 * This file defines the storage contracts of the rewards-service. The ledger, catalog
 * and progress concerns are split so each engine only receives the methods it owns.
 *
 * @notes
 * - There is deliberately no method that writes a wallet balance. The only write path
 *   for a balance is ApplyTransaction, which derives the change from the transaction.
 * - Implementations must make ApplyTransaction and ReserveStock atomic on their own;
 *   the engines add in-process locks on top, not instead.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
)

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict means the wallet moved since the caller read it, or the
	// backing database aborted the write because of a concurrent one.
	ErrVersionConflict = errors.New("store: version conflict")
)

// LedgerRepository persists the append-only transaction log and its materialized wallets.
type LedgerRepository interface {
	// ApplyTransaction appends tx and folds it into the user's wallet in one atomic step.
	// The wallet's current version must equal expectedVersion. A duplicate
	// (user, kind, reference) yields domain.ErrDuplicateReference and no change.
	ApplyTransaction(ctx context.Context, tx domain.Transaction, expectedVersion int64) (domain.WalletBalance, error)
	// GetWallet returns a zero wallet for users without transactions.
	GetWallet(ctx context.Context, userID string) (domain.WalletBalance, error)
	FindTransactionByReference(ctx context.Context, userID string, kind domain.TransactionKind, reference string) (domain.Transaction, error)
	ListTransactions(ctx context.Context, userID string, q domain.HistoryQuery) ([]domain.Transaction, error)
	// SumTransactions recomputes the totals of a user's log from scratch.
	SumTransactions(ctx context.Context, userID string) (domain.LedgerTotals, error)
	ListWalletUserIDs(ctx context.Context) ([]string, error)
}

// CatalogRepository persists reward items, their stock, and issued redemptions.
type CatalogRepository interface {
	GetRewardItem(ctx context.Context, itemID string) (domain.RewardItem, error)
	ListRewardItems(ctx context.Context) ([]domain.RewardItem, error)
	// UpsertRewardItem inserts an item or updates the metadata of an existing one.
	// The stock of an existing item is never overwritten.
	UpsertRewardItem(ctx context.Context, item domain.RewardItem) error
	// ReserveStock decrements stock by one only if it is positive and returns the
	// remaining count. It returns domain.ErrOutOfStock when stock is already zero.
	ReserveStock(ctx context.Context, itemID string) (int, error)
	ReleaseStock(ctx context.Context, itemID string) error
	// CreateRedemption returns domain.ErrVoucherCollision when the voucher code is taken.
	CreateRedemption(ctx context.Context, rec domain.RedemptionRecord) error
	VoucherExists(ctx context.Context, code string) (bool, error)
	ListRedemptionsByUser(ctx context.Context, userID string) ([]domain.RedemptionRecord, error)
}

// ProgressRepository persists lifetime step totals.
type ProgressRepository interface {
	// GetProgress returns a zero progress record for unknown users.
	GetProgress(ctx context.Context, userID string) (domain.UserProgress, error)
	// AddSteps adds a non-negative delta to the user's lifetime total. A non-empty
	// reference is applied at most once per user; a repeat returns the current progress
	// with applied false.
	AddSteps(ctx context.Context, userID string, steps int64, reference string, at time.Time) (progress domain.UserProgress, applied bool, err error)
}

// Repository is the full storage surface a running service is wired with.
type Repository interface {
	LedgerRepository
	CatalogRepository
	ProgressRepository
	Close() error
}
