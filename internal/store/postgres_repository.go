/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Wallet writes lock the wallet row with `SELECT ... FOR UPDATE`, compare the version
 * token, then append the transaction and advance the wallet inside one database
 * transaction, so several rewards-service replicas can share a database safely.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/rewards-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the rewards tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return nil
}

// translatePgError maps constraint and serialization failures onto store and domain errors.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "uq_ledger_transactions_reference":
			return domain.ErrDuplicateReference
		case "uq_redemptions_voucher_code":
			return domain.ErrVoucherCollision
		}
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.Message)
	}
	return err
}

// ApplyTransaction appends a ledger entry and folds it into the wallet atomically.
func (r *PostgresRepository) ApplyTransaction(ctx context.Context, t domain.Transaction, expectedVersion int64) (domain.WalletBalance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, t.UserID); err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to ensure wallet: %w", translatePgError(err))
	}

	current := domain.WalletBalance{UserID: t.UserID}
	// Use FOR UPDATE to lock the wallet row until commit.
	err = tx.QueryRow(ctx, `
		SELECT total_balance, total_earned, total_spent, version, last_updated
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, t.UserID).Scan(&current.TotalBalance, &current.TotalEarned, &current.TotalSpent, &current.Version, &current.LastUpdated)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to lock wallet: %w", translatePgError(err))
	}
	if current.Version != expectedVersion {
		return domain.WalletBalance{}, ErrVersionConflict
	}

	next := current.Fold(t)
	if next.TotalBalance < 0 {
		return domain.WalletBalance{}, &domain.InsufficientBalanceError{
			UserID: t.UserID, Balance: current.TotalBalance, Required: t.Magnitude(),
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, user_id, kind, amount, description, reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.UserID, string(t.Kind), t.Amount, t.Description, t.Reference, string(t.Status), t.CreatedAt)
	if err != nil {
		return domain.WalletBalance{}, translatePgError(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET total_balance = $2, total_earned = $3, total_spent = $4, version = $5, last_updated = $6
		WHERE user_id = $1
	`, t.UserID, next.TotalBalance, next.TotalEarned, next.TotalSpent, next.Version, next.LastUpdated)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to update wallet: %w", translatePgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to commit ledger write: %w", translatePgError(err))
	}
	return next, nil
}

// GetWallet returns the materialized wallet, or a zero wallet for unknown users.
func (r *PostgresRepository) GetWallet(ctx context.Context, userID string) (domain.WalletBalance, error) {
	w := domain.WalletBalance{UserID: userID}
	err := r.db.QueryRow(ctx, `
		SELECT total_balance, total_earned, total_spent, version, last_updated
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.TotalBalance, &w.TotalEarned, &w.TotalSpent, &w.Version, &w.LastUpdated)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WalletBalance{UserID: userID}, nil
		}
		return domain.WalletBalance{}, err
	}
	return w, nil
}

const transactionColumns = `id, user_id, kind, amount, description, reference, status, created_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		t            domain.Transaction
		kind, status string
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &t.Description, &t.Reference, &status, &t.CreatedAt); err != nil {
		return domain.Transaction{}, err
	}
	t.Kind = domain.TransactionKind(kind)
	t.Status = domain.TransactionStatus(status)
	return t, nil
}

func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, userID string, kind domain.TransactionKind, reference string) (domain.Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE user_id = $1 AND kind = $2 AND reference = $3`, userID, string(kind), reference)
	t, err := scanTransaction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Transaction{}, ErrNotFound
		}
		return domain.Transaction{}, err
	}
	return t, nil
}

// ListTransactions returns a user's history newest-first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID string, q domain.HistoryQuery) ([]domain.Transaction, error) {
	q = q.Normalize()
	var since, until *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}
	if !q.Until.IsZero() {
		until = &q.Until
	}

	rows, err := r.db.Query(ctx, `SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE user_id = $1
		  AND ($2::text = '' OR kind = $2::text)
		  AND ($3::timestamptz IS NULL OR created_at >= $3::timestamptz)
		  AND ($4::timestamptz IS NULL OR created_at < $4::timestamptz)
		ORDER BY seq DESC
		LIMIT $5 OFFSET $6`,
		userID, string(q.Kind), since, until, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, q.Limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (r *PostgresRepository) SumTransactions(ctx context.Context, userID string) (domain.LedgerTotals, error) {
	var totals domain.LedgerTotals
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint,
		       COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0)::bigint,
		       COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0)::bigint,
		       COUNT(*)
		FROM ledger_transactions
		WHERE user_id = $1
	`, userID).Scan(&totals.Balance, &totals.Earned, &totals.Spent, &totals.Count)
	if err != nil {
		return domain.LedgerTotals{}, fmt.Errorf("failed to sum ledger for %s: %w", userID, err)
	}
	return totals, nil
}

func (r *PostgresRepository) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const rewardItemColumns = `id, name, description, cost, stock, active, expires_at, created_at`

func scanRewardItem(row pgx.Row) (domain.RewardItem, error) {
	var item domain.RewardItem
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.Cost, &item.Stock, &item.Active, &item.ExpiresAt, &item.CreatedAt)
	return item, err
}

func (r *PostgresRepository) GetRewardItem(ctx context.Context, itemID string) (domain.RewardItem, error) {
	item, err := scanRewardItem(r.db.QueryRow(ctx, `SELECT `+rewardItemColumns+` FROM reward_items WHERE id = $1`, itemID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RewardItem{}, ErrNotFound
		}
		return domain.RewardItem{}, err
	}
	return item, nil
}

func (r *PostgresRepository) ListRewardItems(ctx context.Context) ([]domain.RewardItem, error) {
	rows, err := r.db.Query(ctx, `SELECT `+rewardItemColumns+` FROM reward_items ORDER BY cost, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.RewardItem
	for rows.Next() {
		item, err := scanRewardItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpsertRewardItem inserts a catalog entry or refreshes its metadata. Stock is written
// only on insert; existing rows keep their stock and created_at.
func (r *PostgresRepository) UpsertRewardItem(ctx context.Context, item domain.RewardItem) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO reward_items (id, name, description, cost, stock, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			cost = EXCLUDED.cost,
			active = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at
	`, item.ID, item.Name, item.Description, item.Cost, item.Stock, item.Active, item.ExpiresAt, createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert reward item %s: %w", item.ID, err)
	}
	return nil
}

// ReserveStock is a conditional compare-and-decrement; it never drives stock below zero.
func (r *PostgresRepository) ReserveStock(ctx context.Context, itemID string) (int, error) {
	var remaining int
	err := r.db.QueryRow(ctx, `
		UPDATE reward_items
		SET stock = stock - 1
		WHERE id = $1 AND stock > 0
		RETURNING stock
	`, itemID).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if err != pgx.ErrNoRows {
		return 0, translatePgError(err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reward_items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, domain.ErrOutOfStock
}

func (r *PostgresRepository) ReleaseStock(ctx context.Context, itemID string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE reward_items SET stock = stock + 1 WHERE id = $1`, itemID)
	if err != nil {
		return translatePgError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CreateRedemption(ctx context.Context, rec domain.RedemptionRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO redemptions (id, user_id, item_id, cost, voucher_code, transaction_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.UserID, rec.ItemID, rec.Cost, rec.VoucherCode, rec.TransactionID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return translatePgError(err)
	}
	return nil
}

func (r *PostgresRepository) VoucherExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM redemptions WHERE voucher_code = $1)`, code).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) ListRedemptionsByUser(ctx context.Context, userID string) ([]domain.RedemptionRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, item_id, cost, voucher_code, transaction_id, created_at, expires_at
		FROM redemptions
		WHERE user_id = $1
		ORDER BY seq DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.RedemptionRecord{}
	for rows.Next() {
		var rec domain.RedemptionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ItemID, &rec.Cost, &rec.VoucherCode, &rec.TransactionID, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) GetProgress(ctx context.Context, userID string) (domain.UserProgress, error) {
	p := domain.UserProgress{UserID: userID}
	err := r.db.QueryRow(ctx, `SELECT total_lifetime_steps, updated_at FROM user_progress WHERE user_id = $1`, userID).
		Scan(&p.TotalLifetimeSteps, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.UserProgress{UserID: userID}, nil
		}
		return domain.UserProgress{}, err
	}
	return p, nil
}

// AddSteps records the delta's reference and advances the total in one transaction.
func (r *PostgresRepository) AddSteps(ctx context.Context, userID string, steps int64, reference string, at time.Time) (domain.UserProgress, bool, error) {
	if steps < 0 {
		return domain.UserProgress{}, false, &domain.InvalidAmountError{Kind: domain.KindEarning, Amount: steps}
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.UserProgress{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if reference = strings.TrimSpace(reference); reference != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO step_deltas (user_id, reference, steps, applied_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, reference) DO NOTHING
		`, userID, reference, steps, at)
		if err != nil {
			return domain.UserProgress{}, false, fmt.Errorf("failed to record step delta: %w", translatePgError(err))
		}
		if tag.RowsAffected() == 0 {
			p := domain.UserProgress{UserID: userID}
			err := tx.QueryRow(ctx, `SELECT total_lifetime_steps, updated_at FROM user_progress WHERE user_id = $1`, userID).
				Scan(&p.TotalLifetimeSteps, &p.UpdatedAt)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return domain.UserProgress{}, false, fmt.Errorf("failed to load progress: %w", err)
			}
			return p, false, nil
		}
	}

	p := domain.UserProgress{UserID: userID}
	err = tx.QueryRow(ctx, `
		INSERT INTO user_progress (user_id, total_lifetime_steps, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			total_lifetime_steps = user_progress.total_lifetime_steps + EXCLUDED.total_lifetime_steps,
			updated_at = EXCLUDED.updated_at
		RETURNING total_lifetime_steps, updated_at
	`, userID, steps, at).Scan(&p.TotalLifetimeSteps, &p.UpdatedAt)
	if err != nil {
		return domain.UserProgress{}, false, fmt.Errorf("failed to add steps for %s: %w", userID, translatePgError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.UserProgress{}, false, fmt.Errorf("failed to commit steps for %s: %w", userID, translatePgError(err))
	}
	return p, true, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	r.db.Close()
	return nil
}
