package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
)

type stepKey struct {
	userID    string
	reference string
}

type referenceKey struct {
	userID    string
	kind      domain.TransactionKind
	reference string
}

// MemoryRepository keeps all state in maps guarded by one RWMutex.
// It backs tests and local runs with the same atomicity the SQL stores provide.
type MemoryRepository struct {
	mu sync.RWMutex

	wallets      map[string]domain.WalletBalance
	transactions map[string][]domain.Transaction
	references   map[referenceKey]domain.Transaction

	items       map[string]domain.RewardItem
	redemptions map[string][]domain.RedemptionRecord
	vouchers    map[string]struct{}

	progress map[string]domain.UserProgress
	stepRefs map[stepKey]struct{}
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		wallets:      make(map[string]domain.WalletBalance),
		transactions: make(map[string][]domain.Transaction),
		references:   make(map[referenceKey]domain.Transaction),
		items:        make(map[string]domain.RewardItem),
		redemptions:  make(map[string][]domain.RedemptionRecord),
		vouchers:     make(map[string]struct{}),
		progress:     make(map[string]domain.UserProgress),
		stepRefs:     make(map[stepKey]struct{}),
	}
}

func (r *MemoryRepository) ApplyTransaction(ctx context.Context, tx domain.Transaction, expectedVersion int64) (domain.WalletBalance, error) {
	if err := ctx.Err(); err != nil {
		return domain.WalletBalance{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.wallets[tx.UserID]
	if !ok {
		current = domain.WalletBalance{UserID: tx.UserID}
	}
	if current.Version != expectedVersion {
		return domain.WalletBalance{}, ErrVersionConflict
	}

	var key referenceKey
	if tx.Reference != nil {
		key = referenceKey{userID: tx.UserID, kind: tx.Kind, reference: *tx.Reference}
		if _, dup := r.references[key]; dup {
			return domain.WalletBalance{}, domain.ErrDuplicateReference
		}
	}

	next := current.Fold(tx)
	if next.TotalBalance < 0 {
		return domain.WalletBalance{}, &domain.InsufficientBalanceError{
			UserID: tx.UserID, Balance: current.TotalBalance, Required: tx.Magnitude(),
		}
	}

	r.transactions[tx.UserID] = append(r.transactions[tx.UserID], tx)
	if tx.Reference != nil {
		r.references[key] = tx
	}
	r.wallets[tx.UserID] = next
	return next, nil
}

func (r *MemoryRepository) GetWallet(ctx context.Context, userID string) (domain.WalletBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.wallets[userID]; ok {
		return w, nil
	}
	return domain.WalletBalance{UserID: userID}, nil
}

func (r *MemoryRepository) FindTransactionByReference(ctx context.Context, userID string, kind domain.TransactionKind, reference string) (domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.references[referenceKey{userID: userID, kind: kind, reference: reference}]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, userID string, q domain.HistoryQuery) ([]domain.Transaction, error) {
	q = q.Normalize()
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.transactions[userID]
	out := make([]domain.Transaction, 0, q.Limit)
	skipped := 0
	// The log is append-only, so walking it backwards is newest-first.
	for i := len(log) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if !q.Includes(log[i]) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, log[i])
	}
	return out, nil
}

func (r *MemoryRepository) SumTransactions(ctx context.Context, userID string) (domain.LedgerTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var totals domain.LedgerTotals
	for _, tx := range r.transactions[userID] {
		totals.Balance += tx.Amount
		if tx.Amount < 0 {
			totals.Spent += -tx.Amount
		} else {
			totals.Earned += tx.Amount
		}
		totals.Count++
	}
	return totals, nil
}

func (r *MemoryRepository) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.wallets))
	for id := range r.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) GetRewardItem(ctx context.Context, itemID string) (domain.RewardItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[itemID]
	if !ok {
		return domain.RewardItem{}, ErrNotFound
	}
	return item, nil
}

func (r *MemoryRepository) ListRewardItems(ctx context.Context) ([]domain.RewardItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]domain.RewardItem, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Cost != items[j].Cost {
			return items[i].Cost < items[j].Cost
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func (r *MemoryRepository) UpsertRewardItem(ctx context.Context, item domain.RewardItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[item.ID]; ok {
		item.Stock = existing.Stock
		if !existing.CreatedAt.IsZero() {
			item.CreatedAt = existing.CreatedAt
		}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	r.items[item.ID] = item
	return nil
}

func (r *MemoryRepository) ReserveStock(ctx context.Context, itemID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return 0, ErrNotFound
	}
	if item.Stock <= 0 {
		return 0, domain.ErrOutOfStock
	}
	item.Stock--
	r.items[itemID] = item
	return item.Stock, nil
}

func (r *MemoryRepository) ReleaseStock(ctx context.Context, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return ErrNotFound
	}
	item.Stock++
	r.items[itemID] = item
	return nil
}

func (r *MemoryRepository) CreateRedemption(ctx context.Context, rec domain.RedemptionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.vouchers[rec.VoucherCode]; taken {
		return domain.ErrVoucherCollision
	}
	r.vouchers[rec.VoucherCode] = struct{}{}
	r.redemptions[rec.UserID] = append(r.redemptions[rec.UserID], rec)
	return nil
}

func (r *MemoryRepository) VoucherExists(ctx context.Context, code string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.vouchers[code]
	return ok, nil
}

func (r *MemoryRepository) ListRedemptionsByUser(ctx context.Context, userID string) ([]domain.RedemptionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := r.redemptions[userID]
	out := make([]domain.RedemptionRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func (r *MemoryRepository) GetProgress(ctx context.Context, userID string) (domain.UserProgress, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.progress[userID]; ok {
		return p, nil
	}
	return domain.UserProgress{UserID: userID}, nil
}

func (r *MemoryRepository) AddSteps(ctx context.Context, userID string, steps int64, reference string, at time.Time) (domain.UserProgress, bool, error) {
	if steps < 0 {
		return domain.UserProgress{}, false, &domain.InvalidAmountError{Kind: domain.KindEarning, Amount: steps}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress[userID]
	p.UserID = userID
	if reference = strings.TrimSpace(reference); reference != "" {
		key := stepKey{userID: userID, reference: reference}
		if _, seen := r.stepRefs[key]; seen {
			return p, false, nil
		}
		r.stepRefs[key] = struct{}{}
	}
	p.TotalLifetimeSteps += steps
	p.UpdatedAt = at
	r.progress[userID] = p
	return p, true, nil
}

func (r *MemoryRepository) Close() error { return nil }
