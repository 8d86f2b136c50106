package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidKind              = errors.New("invalid transaction kind")
	ErrInvalidUser              = errors.New("user id is required")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrItemNotFound             = errors.New("reward item not found")
	ErrItemExpired              = errors.New("reward item expired")
	ErrItemInactive             = errors.New("reward item inactive")
	ErrOutOfStock               = errors.New("reward item out of stock")
	ErrConcurrencyConflict      = errors.New("concurrency conflict")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")
	ErrDuplicateReference       = errors.New("duplicate transaction reference")
	ErrVoucherCollision         = errors.New("voucher code collision")
	ErrRateLimited              = errors.New("rate limited")
)

// InvalidAmountError rejects a non-positive credit or debit.
type InvalidAmountError struct {
	Kind   TransactionKind
	Amount int64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount %d for %s: must be a positive number of paisa", e.Amount, e.Kind)
}

func (e *InvalidAmountError) Is(target error) bool { return target == ErrInvalidAmount }

// InsufficientBalanceError carries the figures a wallet UI needs to explain the rejection.
type InsufficientBalanceError struct {
	UserID   string
	Balance  int64
	Required int64
}

// Shortfall is how many paisa the user is missing.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Required - e.Balance
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: have %d, need %d, short by %d",
		e.UserID, e.Balance, e.Required, e.Shortfall())
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// ItemExpiredError reports when a reward stopped being redeemable.
type ItemExpiredError struct {
	ItemID    string
	ExpiresAt time.Time
}

func (e *ItemExpiredError) Error() string {
	return fmt.Sprintf("reward item %s expired at %s", e.ItemID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func (e *ItemExpiredError) Is(target error) bool { return target == ErrItemExpired }

// ConcurrencyConflictError is returned once the bounded retries for a contended resource are spent.
type ConcurrencyConflictError struct {
	Resource string
	Attempts int
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrency conflict on %s after %d attempts: %v", e.Resource, e.Attempts, e.Err)
	}
	return fmt.Sprintf("concurrency conflict on %s after %d attempts", e.Resource, e.Attempts)
}

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// InvariantViolationError describes a stored balance that disagrees with its transaction log.
// It signals a ledger bug and must never be corrected in place.
type InvariantViolationError struct {
	UserID  string
	Stored  WalletBalance
	Derived LedgerTotals
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf(
		"ledger invariant violated for user %s: stored balance=%d earned=%d spent=%d version=%d, derived balance=%d earned=%d spent=%d count=%d",
		e.UserID,
		e.Stored.TotalBalance, e.Stored.TotalEarned, e.Stored.TotalSpent, e.Stored.Version,
		e.Derived.Balance, e.Derived.Earned, e.Derived.Spent, e.Derived.Count,
	)
}

func (e *InvariantViolationError) Is(target error) bool { return target == ErrLedgerInvariantViolation }

// RateLimitedError tells the caller when a new attempt will be accepted.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many %s attempts, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ErrorCode maps an error to the stable code exposed to API consumers.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ErrInvalidKind):
		return "INVALID_KIND"
	case errors.Is(err, ErrInvalidUser):
		return "INVALID_USER"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrItemNotFound):
		return "ITEM_NOT_FOUND"
	case errors.Is(err, ErrItemExpired):
		return "ITEM_EXPIRED"
	case errors.Is(err, ErrItemInactive):
		return "ITEM_INACTIVE"
	case errors.Is(err, ErrOutOfStock):
		return "OUT_OF_STOCK"
	case errors.Is(err, ErrConcurrencyConflict):
		return "CONCURRENCY_CONFLICT"
	case errors.Is(err, ErrLedgerInvariantViolation):
		return "LEDGER_INVARIANT_VIOLATION"
	case errors.Is(err, ErrDuplicateReference):
		return "DUPLICATE_REFERENCE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}
