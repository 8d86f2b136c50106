/**
 * @description
 * LedgerEngine owns the append-only transaction log and the materialized wallet of
 * every user. It is the only component allowed to change a balance, and it can only do
 * so by recording a validated transaction.
 *
 * @notes
 * - Writes for one user are serialized by an in-process keyed lock; the store adds an
 *   optimistic version check so replicas sharing a database stay correct.
 * - Version conflicts and lock timeouts are retried with exponential backoff.
 * - Once a write starts it runs on a detached context. A caller that gave up in the
 *   meantime gets its context error, never a success.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/keylock"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxRetries  = 3
	DefaultLockTimeout = 5 * time.Second

	auditConcurrency = 4
)

// Config tunes the engine's concurrency behaviour.
type Config struct {
	MaxRetries    int
	LockTimeout   time.Duration
	VerifyOnWrite bool
	// RetryInitialInterval is the first backoff delay after a conflict.
	RetryInitialInterval time.Duration
}

// AlertFunc receives every detected invariant violation.
type AlertFunc func(ctx context.Context, violation *domain.InvariantViolationError)

// Engine is safe for concurrent use.
type Engine struct {
	repo   store.LedgerRepository
	locks  *keylock.Locker
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
	alert  AlertFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used to timestamp transactions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAlert registers the hook invoked on invariant violations.
func WithAlert(fn AlertFunc) Option {
	return func(e *Engine) { e.alert = fn }
}

// New builds an Engine over repo.
func New(repo store.LedgerRepository, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 10 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		repo:   repo,
		locks:  keylock.New(cfg.LockTimeout),
		logger: logger.With("component", "ledger"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		alert:  func(context.Context, *domain.InvariantViolationError) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type txOptions struct {
	reference *string
}

// TxOption customizes a single ProcessTransaction call.
type TxOption func(*txOptions)

// WithReference makes the call idempotent on (user, kind, reference).
func WithReference(ref string) TxOption {
	return func(o *txOptions) {
		if ref = strings.TrimSpace(ref); ref != "" {
			o.reference = &ref
		}
	}
}

// ProcessTransaction validates and records one transaction and advances the wallet.
//
// amount is always a positive magnitude; the kind decides the sign. When a reference
// has been seen before for the same user and kind, the original transaction is returned
// together with domain.ErrDuplicateReference and nothing is written.
func (e *Engine) ProcessTransaction(ctx context.Context, userID string, kind domain.TransactionKind, amount int64, description string, opts ...TxOption) (domain.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Transaction{}, domain.ErrInvalidUser
	}
	if !kind.Valid() {
		return domain.Transaction{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	if amount <= 0 {
		return domain.Transaction{}, &domain.InvalidAmountError{Kind: kind, Amount: amount}
	}

	var o txOptions
	for _, opt := range opts {
		opt(&o)
	}

	attempts := 0
	operation := func() (domain.Transaction, error) {
		attempts++
		tx, err := e.attempt(ctx, userID, kind, amount, description, o.reference)
		if err == nil || isRetryable(err) {
			return tx, err
		}
		return tx, backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInitialInterval
	policy.MaxInterval = 20 * e.cfg.RetryInitialInterval

	tx, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(e.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("retrying ledger write", "user_id", userID, "kind", kind, "err", err, "backoff", next)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if isRetryable(err) {
			err = &domain.ConcurrencyConflictError{Resource: "wallet:" + userID, Attempts: attempts, Err: err}
			e.logger.Error("ledger write abandoned after retries", "user_id", userID, "attempts", attempts, "err", err)
		}
		return tx, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.Transaction{}, ctxErr
	}
	return tx, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, store.ErrVersionConflict) || errors.Is(err, keylock.ErrTimeout)
}

func (e *Engine) attempt(ctx context.Context, userID string, kind domain.TransactionKind, amount int64, description string, reference *string) (domain.Transaction, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock()

	work := context.WithoutCancel(ctx)

	if reference != nil {
		existing, err := e.repo.FindTransactionByReference(work, userID, kind, *reference)
		switch {
		case err == nil:
			return existing, domain.ErrDuplicateReference
		case !errors.Is(err, store.ErrNotFound):
			return domain.Transaction{}, fmt.Errorf("failed to check reference: %w", err)
		}
	}

	wallet, err := e.repo.GetWallet(work, userID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("failed to load wallet: %w", err)
	}
	if kind.IsDebit() && wallet.TotalBalance < amount {
		return domain.Transaction{}, &domain.InsufficientBalanceError{
			UserID: userID, Balance: wallet.TotalBalance, Required: amount,
		}
	}

	tx := domain.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        kind,
		Amount:      kind.Signed(amount),
		Description: description,
		Reference:   reference,
		Status:      domain.StatusCompleted,
		CreatedAt:   e.now(),
	}

	next, err := e.repo.ApplyTransaction(work, tx, wallet.Version)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateReference) && reference != nil {
			// Another replica recorded the same reference between our lookup and write.
			if existing, findErr := e.repo.FindTransactionByReference(work, userID, kind, *reference); findErr == nil {
				return existing, domain.ErrDuplicateReference
			}
		}
		return domain.Transaction{}, err
	}

	e.logger.Debug("transaction recorded",
		"user_id", userID, "transaction_id", tx.ID, "kind", kind, "amount", tx.Amount, "balance", next.TotalBalance)

	if e.cfg.VerifyOnWrite {
		if err := e.verifyLocked(work, userID); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// GetBalance returns the user's materialized wallet. Unknown users have a zero wallet.
func (e *Engine) GetBalance(ctx context.Context, userID string) (domain.WalletBalance, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.WalletBalance{}, domain.ErrInvalidUser
	}
	return e.repo.GetWallet(ctx, userID)
}

// GetHistory returns the user's transactions, newest first.
func (e *Engine) GetHistory(ctx context.Context, userID string, q domain.HistoryQuery) ([]domain.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidUser
	}
	return e.repo.ListTransactions(ctx, userID, q.Normalize())
}

// VerifyUser recomputes the user's totals from the log and compares them with the
// stored wallet. A mismatch is reported and returned; it is never corrected.
func (e *Engine) VerifyUser(ctx context.Context, userID string) error {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.verifyLocked(context.WithoutCancel(ctx), userID)
}

func (e *Engine) verifyLocked(ctx context.Context, userID string) error {
	wallet, err := e.repo.GetWallet(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}
	totals, err := e.repo.SumTransactions(ctx, userID)
	if err != nil {
		return err
	}
	if totals.Matches(wallet) && wallet.TotalBalance >= 0 {
		return nil
	}

	violation := &domain.InvariantViolationError{UserID: userID, Stored: wallet, Derived: totals}
	e.logger.Error("ledger invariant violated",
		"user_id", userID,
		"stored_balance", wallet.TotalBalance,
		"stored_earned", wallet.TotalEarned,
		"stored_spent", wallet.TotalSpent,
		"stored_version", wallet.Version,
		"derived_balance", totals.Balance,
		"derived_earned", totals.Earned,
		"derived_spent", totals.Spent,
		"derived_count", totals.Count,
	)
	e.alert(ctx, violation)
	return violation
}

// AuditReport summarizes one VerifyAll pass.
type AuditReport struct {
	Checked    int                              `json:"checked"`
	Violations []*domain.InvariantViolationError `json:"-"`
	StartedAt  time.Time                        `json:"started_at"`
	FinishedAt time.Time                        `json:"finished_at"`
}

// OK reports whether every wallet matched its log.
func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// VerifyAll runs VerifyUser for every wallet. Violations are collected in the report;
// only infrastructure failures are returned as an error.
func (e *Engine) VerifyAll(ctx context.Context) (AuditReport, error) {
	report := AuditReport{StartedAt: e.now()}

	userIDs, err := e.repo.ListWalletUserIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list wallets: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditConcurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			err := e.VerifyUser(gctx, userID)
			var violation *domain.InvariantViolationError
			switch {
			case err == nil:
			case errors.As(err, &violation):
				mu.Lock()
				report.Violations = append(report.Violations, violation)
				mu.Unlock()
			default:
				return fmt.Errorf("verify %s: %w", userID, err)
			}
			return nil
		})
	}
	err = g.Wait()

	report.Checked = len(userIDs)
	report.FinishedAt = e.now()
	e.logger.Info("ledger audit finished", "checked", report.Checked, "violations", len(report.Violations))
	return report, err
}
