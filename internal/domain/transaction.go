/**
 * @description
 * This file defines the core ledger models for the rewards-service.
 * A Transaction is the system of record; a WalletBalance is a materialized view
 * that can only be advanced by folding a Transaction into it.
 *
 * @notes
 * - Amounts are `int64` paisa (1/100 of a rupee) so ledger arithmetic never touches floats.
 * - Transaction.Amount is signed: credits are positive, redemptions are stored negative.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind classifies a ledger entry. The kind, not the caller, decides the sign.
type TransactionKind string

const (
	KindEarning     TransactionKind = "earning"
	KindRedemption  TransactionKind = "redemption"
	KindReferral    TransactionKind = "referral"
	KindAchievement TransactionKind = "achievement"
	KindSpin        TransactionKind = "spin"
	KindBonus       TransactionKind = "bonus"
	// KindRefund reverses a redemption debit whose voucher could not be recorded.
	KindRefund TransactionKind = "refund"
)

// Valid reports whether k is a kind the ledger accepts.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarning, KindRedemption, KindReferral, KindAchievement, KindSpin, KindBonus, KindRefund:
		return true
	}
	return false
}

// IsDebit reports whether entries of this kind subtract from the balance.
func (k TransactionKind) IsDebit() bool {
	return k == KindRedemption
}

// Signed converts a positive magnitude into the amount stored for this kind.
func (k TransactionKind) Signed(magnitude int64) int64 {
	if k.IsDebit() {
		return -magnitude
	}
	return magnitude
}

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	UserID      string            `json:"user_id"`
	Kind        TransactionKind   `json:"kind"`
	Amount      int64             `json:"amount"` // signed, in paisa
	Description string            `json:"description"`
	Reference   *string           `json:"reference,omitempty"`
	Status      TransactionStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Magnitude returns the unsigned amount of the entry.
func (t Transaction) Magnitude() int64 {
	if t.Amount < 0 {
		return -t.Amount
	}
	return t.Amount
}

// WalletBalance is the materialized per-user aggregate of the transaction log.
//
// Invariant: TotalBalance == TotalEarned - TotalSpent == sum of the user's signed amounts.
// Version increases by one for every transaction folded in and serves as the
// optimistic concurrency token for stores shared by several processes.
type WalletBalance struct {
	UserID       string    `json:"user_id"`
	TotalBalance int64     `json:"total_balance"`
	TotalEarned  int64     `json:"total_earned"`
	TotalSpent   int64     `json:"total_spent"`
	Version      int64     `json:"version"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Fold returns the balance that results from applying tx to b. It does not modify b.
func (b WalletBalance) Fold(tx Transaction) WalletBalance {
	next := b
	next.UserID = tx.UserID
	if tx.Amount < 0 {
		next.TotalSpent += -tx.Amount
	} else {
		next.TotalEarned += tx.Amount
	}
	next.TotalBalance = next.TotalEarned - next.TotalSpent
	next.Version = b.Version + 1
	next.LastUpdated = tx.CreatedAt
	return next
}

// LedgerTotals are the figures derived by scanning a user's full transaction log.
type LedgerTotals struct {
	Balance int64 `json:"balance"`
	Earned  int64 `json:"earned"`
	Spent   int64 `json:"spent"`
	Count   int64 `json:"count"`
}

// Matches reports whether the stored balance agrees with the derived totals.
func (t LedgerTotals) Matches(b WalletBalance) bool {
	return t.Balance == b.TotalBalance &&
		t.Earned == b.TotalEarned &&
		t.Spent == b.TotalSpent &&
		t.Count == b.Version &&
		b.TotalBalance == b.TotalEarned-b.TotalSpent
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// HistoryQuery filters and pages a user's transaction history. Results are newest-first.
type HistoryQuery struct {
	Kind   TransactionKind
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Normalize applies paging defaults and bounds.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Includes reports whether tx passes the query's kind and time filters.
func (q HistoryQuery) Includes(tx Transaction) bool {
	if q.Kind != "" && tx.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && tx.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !tx.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}

// UserProgress tracks the lifetime step total that drives phase selection.
type UserProgress struct {
	UserID             string    `json:"user_id"`
	TotalLifetimeSteps int64     `json:"total_lifetime_steps"`
	UpdatedAt          time.Time `json:"updated_at"`
}
