package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/transfa/rewards-service/internal/domain"
)

// Schema version tracking:
// 1 - Initial rewards schema
const sqliteSchemaVersion = 1

// SQLiteRepository is a single-node durable store. All writes go through one
// connection and BEGIN IMMEDIATE, so a write transaction never upgrades its lock midway.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies pragmas and schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one pooled connection avoids SQLITE_BUSY inside the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set user_version: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func translateSQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %s", ErrVersionConflict, sqliteErr.Error())
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		msg := sqliteErr.Error()
		switch {
		case strings.Contains(msg, "ledger_transactions.reference"):
			return domain.ErrDuplicateReference
		case strings.Contains(msg, "redemptions.voucher_code"):
			return domain.ErrVoucherCollision
		}
	}
	return err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (r *SQLiteRepository) ApplyTransaction(ctx context.Context, t domain.Transaction, expectedVersion int64) (domain.WalletBalance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to begin transaction: %w", translateSQLiteError(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wallets (user_id) VALUES (?)`, t.UserID); err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to ensure wallet: %w", translateSQLiteError(err))
	}

	current := domain.WalletBalance{UserID: t.UserID}
	var lastUpdated int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_balance, total_earned, total_spent, version, last_updated
		FROM wallets WHERE user_id = ?
	`, t.UserID).Scan(&current.TotalBalance, &current.TotalEarned, &current.TotalSpent, &current.Version, &lastUpdated)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to read wallet: %w", translateSQLiteError(err))
	}
	current.LastUpdated = fromUnixNano(lastUpdated)
	if current.Version != expectedVersion {
		return domain.WalletBalance{}, ErrVersionConflict
	}

	next := current.Fold(t)
	if next.TotalBalance < 0 {
		return domain.WalletBalance{}, &domain.InsufficientBalanceError{
			UserID: t.UserID, Balance: current.TotalBalance, Required: t.Magnitude(),
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, user_id, kind, amount, description, reference, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID.String(), t.UserID, string(t.Kind), t.Amount, t.Description, t.Reference, string(t.Status), unixNano(t.CreatedAt))
	if err != nil {
		return domain.WalletBalance{}, translateSQLiteError(err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET total_balance = ?, total_earned = ?, total_spent = ?, version = ?, last_updated = ?
		WHERE user_id = ? AND version = ?
	`, next.TotalBalance, next.TotalEarned, next.TotalSpent, next.Version, unixNano(next.LastUpdated), t.UserID, expectedVersion)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to update wallet: %w", translateSQLiteError(err))
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.WalletBalance{}, ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return domain.WalletBalance{}, fmt.Errorf("failed to commit ledger write: %w", translateSQLiteError(err))
	}
	return next, nil
}

func (r *SQLiteRepository) GetWallet(ctx context.Context, userID string) (domain.WalletBalance, error) {
	w := domain.WalletBalance{UserID: userID}
	var lastUpdated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT total_balance, total_earned, total_spent, version, last_updated
		FROM wallets WHERE user_id = ?
	`, userID).Scan(&w.TotalBalance, &w.TotalEarned, &w.TotalSpent, &w.Version, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WalletBalance{UserID: userID}, nil
		}
		return domain.WalletBalance{}, err
	}
	w.LastUpdated = fromUnixNano(lastUpdated)
	return w, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		t                domain.Transaction
		id, kind, status string
		createdAt        int64
	)
	if err := row.Scan(&id, &t.UserID, &kind, &t.Amount, &t.Description, &t.Reference, &status, &createdAt); err != nil {
		return domain.Transaction{}, err
	}
	if err := t.ID.UnmarshalText([]byte(id)); err != nil {
		return domain.Transaction{}, fmt.Errorf("corrupt transaction id %q: %w", id, err)
	}
	t.Kind = domain.TransactionKind(kind)
	t.Status = domain.TransactionStatus(status)
	t.CreatedAt = fromUnixNano(createdAt)
	return t, nil
}

func (r *SQLiteRepository) FindTransactionByReference(ctx context.Context, userID string, kind domain.TransactionKind, reference string) (domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+`
		FROM ledger_transactions
		WHERE user_id = ? AND kind = ? AND reference = ?`, userID, string(kind), reference)
	t, err := scanSQLiteTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, ErrNotFound
		}
		return domain.Transaction{}, err
	}
	return t, nil
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID string, q domain.HistoryQuery) ([]domain.Transaction, error) {
	q = q.Normalize()

	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE user_id = ?`
	args := []any{userID}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, q.Until.UnixNano())
	}
	query += ` ORDER BY seq DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, q.Limit)
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (r *SQLiteRepository) SumTransactions(ctx context.Context, userID string) (domain.LedgerTotals, error) {
	var totals domain.LedgerTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0),
		       COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
		       COUNT(*)
		FROM ledger_transactions
		WHERE user_id = ?
	`, userID).Scan(&totals.Balance, &totals.Earned, &totals.Spent, &totals.Count)
	if err != nil {
		return domain.LedgerTotals{}, fmt.Errorf("failed to sum ledger for %s: %w", userID, err)
	}
	return totals, nil
}

func (r *SQLiteRepository) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
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

func scanSQLiteRewardItem(row rowScanner) (domain.RewardItem, error) {
	var (
		item      domain.RewardItem
		expiresAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&item.ID, &item.Name, &item.Description, &item.Cost, &item.Stock, &item.Active, &expiresAt, &createdAt); err != nil {
		return domain.RewardItem{}, err
	}
	if expiresAt.Valid {
		at := fromUnixNano(expiresAt.Int64)
		item.ExpiresAt = &at
	}
	item.CreatedAt = fromUnixNano(createdAt)
	return item, nil
}

func (r *SQLiteRepository) GetRewardItem(ctx context.Context, itemID string) (domain.RewardItem, error) {
	item, err := scanSQLiteRewardItem(r.db.QueryRowContext(ctx, `SELECT `+rewardItemColumns+` FROM reward_items WHERE id = ?`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RewardItem{}, ErrNotFound
		}
		return domain.RewardItem{}, err
	}
	return item, nil
}

func (r *SQLiteRepository) ListRewardItems(ctx context.Context) ([]domain.RewardItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+rewardItemColumns+` FROM reward_items ORDER BY cost, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.RewardItem
	for rows.Next() {
		item, err := scanSQLiteRewardItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *SQLiteRepository) UpsertRewardItem(ctx context.Context, item domain.RewardItem) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var expiresAt sql.NullInt64
	if item.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: item.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reward_items (id, name, description, cost, stock, active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			cost = excluded.cost,
			active = excluded.active,
			expires_at = excluded.expires_at
	`, item.ID, item.Name, item.Description, item.Cost, item.Stock, item.Active, expiresAt, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert reward item %s: %w", item.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) ReserveStock(ctx context.Context, itemID string) (int, error) {
	var remaining int
	err := r.db.QueryRowContext(ctx, `
		UPDATE reward_items
		SET stock = stock - 1
		WHERE id = ? AND stock > 0
		RETURNING stock
	`, itemID).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, translateSQLiteError(err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reward_items WHERE id = ?)`, itemID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, domain.ErrOutOfStock
}

func (r *SQLiteRepository) ReleaseStock(ctx context.Context, itemID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE reward_items SET stock = stock + 1 WHERE id = ?`, itemID)
	if err != nil {
		return translateSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) CreateRedemption(ctx context.Context, rec domain.RedemptionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO redemptions (id, user_id, item_id, cost, voucher_code, transaction_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.UserID, rec.ItemID, rec.Cost, rec.VoucherCode, rec.TransactionID.String(),
		unixNano(rec.CreatedAt), unixNano(rec.ExpiresAt))
	if err != nil {
		return translateSQLiteError(err)
	}
	return nil
}

func (r *SQLiteRepository) VoucherExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM redemptions WHERE voucher_code = ?)`, code).Scan(&exists)
	return exists, err
}

func (r *SQLiteRepository) ListRedemptionsByUser(ctx context.Context, userID string) ([]domain.RedemptionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, item_id, cost, voucher_code, transaction_id, created_at, expires_at
		FROM redemptions
		WHERE user_id = ?
		ORDER BY seq DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.RedemptionRecord{}
	for rows.Next() {
		var (
			rec                  domain.RedemptionRecord
			id, txID             string
			createdAt, expiresAt int64
		)
		if err := rows.Scan(&id, &rec.UserID, &rec.ItemID, &rec.Cost, &rec.VoucherCode, &txID, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		if err := rec.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("corrupt redemption id %q: %w", id, err)
		}
		if err := rec.TransactionID.UnmarshalText([]byte(txID)); err != nil {
			return nil, fmt.Errorf("corrupt transaction id %q: %w", txID, err)
		}
		rec.CreatedAt = fromUnixNano(createdAt)
		rec.ExpiresAt = fromUnixNano(expiresAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) GetProgress(ctx context.Context, userID string) (domain.UserProgress, error) {
	p := domain.UserProgress{UserID: userID}
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, `SELECT total_lifetime_steps, updated_at FROM user_progress WHERE user_id = ?`, userID).
		Scan(&p.TotalLifetimeSteps, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserProgress{UserID: userID}, nil
		}
		return domain.UserProgress{}, err
	}
	p.UpdatedAt = fromUnixNano(updatedAt)
	return p, nil
}

func (r *SQLiteRepository) AddSteps(ctx context.Context, userID string, steps int64, reference string, at time.Time) (domain.UserProgress, bool, error) {
	if steps < 0 {
		return domain.UserProgress{}, false, &domain.InvalidAmountError{Kind: domain.KindEarning, Amount: steps}
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.UserProgress{}, false, fmt.Errorf("failed to begin transaction: %w", translateSQLiteError(err))
	}
	defer tx.Rollback()

	if reference = strings.TrimSpace(reference); reference != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO step_deltas (user_id, reference, steps, applied_at)
			VALUES (?, ?, ?, ?)
		`, userID, reference, steps, unixNano(at))
		if err != nil {
			return domain.UserProgress{}, false, fmt.Errorf("failed to record step delta: %w", translateSQLiteError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := tx.Rollback(); err != nil {
				return domain.UserProgress{}, false, translateSQLiteError(err)
			}
			p, err := r.GetProgress(ctx, userID)
			return p, false, err
		}
	}

	p := domain.UserProgress{UserID: userID}
	var updatedAt int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_progress (user_id, total_lifetime_steps, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			total_lifetime_steps = total_lifetime_steps + excluded.total_lifetime_steps,
			updated_at = excluded.updated_at
		RETURNING total_lifetime_steps, updated_at
	`, userID, steps, unixNano(at)).Scan(&p.TotalLifetimeSteps, &updatedAt)
	if err != nil {
		return domain.UserProgress{}, false, fmt.Errorf("failed to add steps for %s: %w", userID, translateSQLiteError(err))
	}
	if err := tx.Commit(); err != nil {
		return domain.UserProgress{}, false, fmt.Errorf("failed to commit steps for %s: %w", userID, translateSQLiteError(err))
	}
	p.UpdatedAt = fromUnixNano(updatedAt)
	return p, true, nil
}
