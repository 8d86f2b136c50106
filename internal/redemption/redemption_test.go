package redemption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/ledger"
	"github.com/transfa/rewards-service/internal/store"
	"golang.org/x/sync/errgroup"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	repo   *store.MemoryRepository
	ledger *ledger.Engine
	engine *Engine
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, discardLogger(), ledger.Config{RetryInitialInterval: time.Millisecond})
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return &fixture{
		repo:   repo,
		ledger: l,
		engine: New(repo, l, discardLogger(), Config{}, opts...),
	}
}

func (f *fixture) item(t *testing.T, item domain.RewardItem) {
	t.Helper()
	require.NoError(t, f.repo.UpsertRewardItem(context.Background(), item))
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.ProcessTransaction(context.Background(), userID, domain.KindEarning, amount, "steps")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	totals, err := f.repo.SumTransactions(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, totals.Matches(w))
	return w.TotalBalance
}

func (f *fixture) stock(t *testing.T, itemID string) int {
	t.Helper()
	item, err := f.repo.GetRewardItem(context.Background(), itemID)
	require.NoError(t, err)
	return item.Stock
}

func timePtr(t time.Time) *time.Time { return &t }

func TestListCatalogFiltersAndOrders(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "zeta", Name: "Zeta", Cost: 500, Stock: 1, Active: true})
	f.item(t, domain.RewardItem{ID: "alpha", Name: "Alpha", Cost: 500, Stock: 0, Active: true, ExpiresAt: timePtr(testNow.Add(time.Hour))})
	f.item(t, domain.RewardItem{ID: "cheap", Name: "Cheap", Cost: 100, Stock: 3, Active: true})
	f.item(t, domain.RewardItem{ID: "old", Name: "Old", Cost: 50, Stock: 3, Active: true, ExpiresAt: timePtr(testNow)})
	f.item(t, domain.RewardItem{ID: "off", Name: "Off", Cost: 50, Stock: 3, Active: false})

	items, err := f.engine.ListCatalog(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"cheap", "alpha", "zeta"}, ids)
}

func TestRedeemSuccess(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 2_500, Stock: 10, Active: true})
	f.fund(t, "u1", 10_000)

	res, err := f.engine.Redeem(context.Background(), "chai", "u1")
	require.NoError(t, err)

	assert.Equal(t, int64(7_500), res.NewBalance)
	assert.Regexp(t, regexp.MustCompile(`^WLK-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`), res.VoucherCode)
	assert.Equal(t, res.VoucherCode, res.Record.VoucherCode)
	assert.Equal(t, testNow.Add(DefaultVoucherValidity), res.Record.ExpiresAt)
	assert.Equal(t, 9, f.stock(t, "chai"))
	assert.Equal(t, int64(7_500), f.balance(t, "u1"))

	history, err := f.ledger.GetHistory(context.Background(), "u1", domain.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.KindRedemption, history[0].Kind)
	assert.Equal(t, int64(-2_500), history[0].Amount)
	assert.Equal(t, history[0].ID, res.Record.TransactionID)

	records, err := f.engine.ListRedemptions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.Record.ID, records[0].ID)
}

func TestRedeemRejectionOrder(t *testing.T) {
	f := newFixture(t)
	expiredAt := testNow.Add(-time.Minute)
	f.item(t, domain.RewardItem{ID: "expired-stocked", Name: "E1", Cost: 10, Stock: 5, Active: true, ExpiresAt: &expiredAt})
	f.item(t, domain.RewardItem{ID: "expired-empty-inactive", Name: "E2", Cost: 10, Stock: 0, Active: false, ExpiresAt: &expiredAt})
	f.item(t, domain.RewardItem{ID: "inactive-empty", Name: "I", Cost: 10, Stock: 0, Active: false})
	f.item(t, domain.RewardItem{ID: "empty", Name: "S", Cost: 10_000, Stock: 0, Active: true})
	f.item(t, domain.RewardItem{ID: "pricey", Name: "P", Cost: 10_000, Stock: 1, Active: true})
	f.fund(t, "rich", 1_000_000)

	ctx := context.Background()

	_, err := f.engine.Redeem(ctx, "missing", "rich")
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	for _, id := range []string{"expired-stocked", "expired-empty-inactive"} {
		for _, user := range []string{"rich", "broke"} {
			_, err := f.engine.Redeem(ctx, id, user)
			var expired *domain.ItemExpiredError
			require.True(t, errors.As(err, &expired), "%s/%s: %v", id, user, err)
			assert.Equal(t, expiredAt, expired.ExpiresAt)
		}
	}

	_, err = f.engine.Redeem(ctx, "inactive-empty", "broke")
	assert.ErrorIs(t, err, domain.ErrItemInactive)

	_, err = f.engine.Redeem(ctx, "empty", "broke")
	assert.ErrorIs(t, err, domain.ErrOutOfStock)

	_, err = f.engine.Redeem(ctx, "pricey", "broke")
	var insufficient *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(10_000), insufficient.Shortfall())
	assert.Equal(t, 1, f.stock(t, "pricey"))
	assert.Equal(t, 5, f.stock(t, "expired-stocked"))
}

func TestRedeemExactBalanceThenShortfall(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "movie", Name: "Movie ticket", Cost: 50_000, Stock: 5, Active: true})
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 2_500, Stock: 5, Active: true})
	f.fund(t, "u1", 50_000)

	res, err := f.engine.Redeem(context.Background(), "movie", "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.VoucherCode)
	assert.Zero(t, res.NewBalance)
	assert.Zero(t, f.balance(t, "u1"))

	for _, item := range []struct {
		id   string
		cost int64
	}{{"chai", 2_500}, {"movie", 50_000}} {
		_, err = f.engine.Redeem(context.Background(), item.id, "u1")
		var insufficient *domain.InsufficientBalanceError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, item.cost, insufficient.Shortfall())
	}
	assert.Equal(t, 4, f.stock(t, "movie"))
	assert.Equal(t, 5, f.stock(t, "chai"))
}

func TestLastUnitRaceHasExactlyOneWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		f := newFixture(t)
		f.item(t, domain.RewardItem{ID: "last", Name: "Last one", Cost: 1_000, Stock: 1, Active: true})

		contenders := 2 + round%7
		for i := 0; i < contenders; i++ {
			f.fund(t, fmt.Sprintf("user-%d", i), 5_000)
		}

		var (
			mu      sync.Mutex
			winners []string
			losers  []string
		)
		start := make(chan struct{})
		var g errgroup.Group
		for i := 0; i < contenders; i++ {
			user := fmt.Sprintf("user-%d", i)
			g.Go(func() error {
				<-start
				_, err := f.engine.Redeem(context.Background(), "last", user)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners = append(winners, user)
				case errors.Is(err, domain.ErrOutOfStock):
					losers = append(losers, user)
				default:
					return err
				}
				return nil
			})
		}
		close(start)
		require.NoError(t, g.Wait())

		require.Len(t, winners, 1, "round %d", round)
		require.Len(t, losers, contenders-1, "round %d", round)
		require.Equal(t, 0, f.stock(t, "last"))
		require.Equal(t, int64(4_000), f.balance(t, winners[0]))
		for _, loser := range losers {
			require.Equal(t, int64(5_000), f.balance(t, loser))
		}
	}
}

func TestConcurrentRedemptionsAcrossItemsDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "a", Name: "A", Cost: 10, Stock: 100, Active: true})
	f.item(t, domain.RewardItem{ID: "b", Name: "B", Cost: 10, Stock: 100, Active: true})
	f.fund(t, "u1", 10_000)
	f.fund(t, "u2", 10_000)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		item, user := "a", "u1"
		if i%2 == 1 {
			item, user = "b", "u2"
		}
		if i%4 >= 2 {
			user = map[string]string{"u1": "u2", "u2": "u1"}[user]
		}
		g.Go(func() error {
			_, err := f.engine.Redeem(ctx, item, user)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 80, f.stock(t, "a"))
	assert.Equal(t, 80, f.stock(t, "b"))
	assert.Equal(t, int64(20_000-400), f.balance(t, "u1")+f.balance(t, "u2"))
}

// failingLedger rejects every debit after the balance check passes.
type failingLedger struct {
	Ledger
	err error
}

func (l failingLedger) ProcessTransaction(ctx context.Context, userID string, kind domain.TransactionKind, amount int64, description string, opts ...ledger.TxOption) (domain.Transaction, error) {
	if kind == domain.KindRedemption {
		return domain.Transaction{}, l.err
	}
	return l.Ledger.ProcessTransaction(ctx, userID, kind, amount, description, opts...)
}

func TestFailedDebitRestoresStock(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 100, Stock: 1, Active: true})
	f.fund(t, "u1", 1_000)

	conflict := &domain.ConcurrencyConflictError{Resource: "wallet:u1", Attempts: 4}
	engine := New(f.repo, failingLedger{Ledger: f.ledger, err: conflict}, discardLogger(), Config{})

	_, err := engine.Redeem(context.Background(), "chai", "u1")
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.Equal(t, 1, f.stock(t, "chai"))
	assert.Equal(t, int64(1_000), f.balance(t, "u1"))

	records, err := engine.ListRedemptions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

// inconsistentLedger records debits and then reports the wallet as out of step with its log.
type inconsistentLedger struct {
	*ledger.Engine
}

func (l inconsistentLedger) ProcessTransaction(ctx context.Context, userID string, kind domain.TransactionKind, amount int64, description string, opts ...ledger.TxOption) (domain.Transaction, error) {
	tx, err := l.Engine.ProcessTransaction(ctx, userID, kind, amount, description, opts...)
	if err != nil || kind != domain.KindRedemption {
		return tx, err
	}
	return tx, &domain.InvariantViolationError{UserID: userID}
}

func TestCommittedDebitWithInvariantViolationKeepsStockConsumed(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 100, Stock: 1, Active: true})
	f.fund(t, "u1", 1_000)

	engine := New(f.repo, inconsistentLedger{f.ledger}, discardLogger(), Config{})
	_, err := engine.Redeem(context.Background(), "chai", "u1")
	require.ErrorIs(t, err, domain.ErrLedgerInvariantViolation)

	var violation *domain.InvariantViolationError
	assert.ErrorAs(t, err, &violation)
	assert.Equal(t, 0, f.stock(t, "chai"))
	assert.Equal(t, int64(900), f.balance(t, "u1"))
}

// brokenRecords accepts stock changes but cannot persist redemption records.
type brokenRecords struct {
	store.CatalogRepository
}

func (brokenRecords) CreateRedemption(context.Context, domain.RedemptionRecord) error {
	return errors.New("disk full")
}

func TestUnrecordedRedemptionIsRefunded(t *testing.T) {
	f := newFixture(t)
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 100, Stock: 2, Active: true})
	f.fund(t, "u1", 1_000)

	engine := New(brokenRecords{f.repo}, f.ledger, discardLogger(), Config{})
	_, err := engine.Redeem(context.Background(), "chai", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, 2, f.stock(t, "chai"))
	assert.Equal(t, int64(1_000), f.balance(t, "u1"))

	history, err := f.ledger.GetHistory(context.Background(), "u1", domain.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.KindRefund, history[0].Kind)
	assert.Equal(t, int64(100), history[0].Amount)
	assert.Equal(t, domain.KindRedemption, history[1].Kind)
}

func TestVoucherCollisionIsRetried(t *testing.T) {
	codes := []string{"WLK-SAME", "WLK-SAME", "WLK-SAME", "WLK-FRESH"}
	var mu sync.Mutex
	next := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}

	f := newFixture(t, WithVoucherGenerator(next))
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 10, Stock: 5, Active: true})
	f.fund(t, "u1", 100)

	first, err := f.engine.Redeem(context.Background(), "chai", "u1")
	require.NoError(t, err)
	assert.Equal(t, "WLK-SAME", first.VoucherCode)

	second, err := f.engine.Redeem(context.Background(), "chai", "u1")
	require.NoError(t, err)
	assert.Equal(t, "WLK-FRESH", second.VoucherCode)
	assert.Equal(t, 3, f.stock(t, "chai"))
}

func TestVoucherCollisionExhaustionRollsBack(t *testing.T) {
	f := newFixture(t, WithVoucherGenerator(func() (string, error) { return "WLK-STUCK", nil }))
	f.item(t, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 10, Stock: 5, Active: true})
	f.fund(t, "u1", 100)

	_, err := f.engine.Redeem(context.Background(), "chai", "u1")
	require.NoError(t, err)

	_, err = f.engine.Redeem(context.Background(), "chai", "u1")
	assert.ErrorIs(t, err, domain.ErrVoucherCollision)
	assert.Equal(t, 4, f.stock(t, "chai"))
	assert.Equal(t, int64(90), f.balance(t, "u1"))
}

func TestRandomVoucherCodesAreDistinct(t *testing.T) {
	gen := RandomVoucherCodes("wlk")
	seen := make(map[string]struct{})
	for i := 0; i < 1_000; i++ {
		code, err := gen()
		require.NoError(t, err)
		require.Regexp(t, `^WLK(-[A-Z2-7]{4}){4}$`, code)
		_, dup := seen[code]
		require.False(t, dup)
		seen[code] = struct{}{}
	}

	bare, err := RandomVoucherCodes("")()
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Z2-7]{4}(-[A-Z2-7]{4}){3}$`, bare)
}
