package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/ledger"
	"github.com/transfa/rewards-service/internal/redemption"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/rabbitmq"
)

const testKey = "test-internal-key"

type apiFixture struct {
	repo    *store.MemoryRepository
	service *app.Service
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, logger, ledger.Config{RetryInitialInterval: time.Millisecond})
	r := redemption.New(repo, l, logger, redemption.Config{})
	svc := app.NewService(l, r, repo, &rabbitmq.LogPublisher{Logger: logger}, logger, app.Config{})
	return &apiFixture{
		repo:    repo,
		service: svc,
		handler: RewardsRoutes(NewRewardsHandlers(svc, logger), testKey),
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(internalKeyHeader, testKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthNeedsNoKey(t *testing.T) {
	f := newAPIFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestInternalKeyRequired(t *testing.T) {
	f := newAPIFixture(t)

	for _, key := range []string{"", "wrong-key"} {
		req := httptest.NewRequest(http.MethodGet, "/phases", nil)
		if key != "" {
			req.Header.Set(internalKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", decode(t, rec)["code"])
	}
}

func TestInternalKeyDisabledWhenEmpty(t *testing.T) {
	called := false
	h := InternalAuthMiddleware("  ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestListPhases(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/phases", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var phases []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &phases))
	require.Len(t, phases, 9)
	assert.Equal(t, "Paisa Phase", phases[0]["name"])
	assert.Equal(t, float64(2_000_000), phases[8]["threshold"])
}

func TestProgression(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/phases/progression?steps=24999", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 99.99, body["progress_percent"])
	assert.Equal(t, float64(1), body["steps_to_next"])
	assert.Equal(t, false, body["eligible"])

	rec = f.do(t, http.MethodGet, "/phases/progression?steps=lots", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode(t, rec)["code"])
}

func TestCreditEarningEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/earnings", `{"user_id":"u1","steps":1000,"reference":"evt-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(40), body["amount"])
	assert.Equal(t, float64(40), body["new_balance"])

	rec = f.do(t, http.MethodPost, "/earnings", `{"user_id":"u1","steps":1000,"reference":"evt-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["duplicate"])

	rec = f.do(t, http.MethodPost, "/earnings", `{"user_id":"u1","steps":-1,"reference":"evt-2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/earnings", `{"user_id":"u1","steps":100}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/earnings", `{"user_id":"u1","steps":100,"reference":"x","bonus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceProgressAndHistory(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for i, steps := range []int64{1000, 500} {
		_, err := f.service.CreditEarning(ctx, "u1", steps, "evt-"+string(rune('a'+i)))
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/users/u1/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(60), body["total_balance"])
	assert.Equal(t, float64(2), body["version"])
	progress := body["progress"].(map[string]any)
	assert.Equal(t, float64(1500), progress["total_lifetime_steps"])

	rec = f.do(t, http.MethodGet, "/users/u1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1500), decode(t, rec)["total_lifetime_steps"])

	rec = f.do(t, http.MethodGet, "/users/u1/transactions?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, int64(20), txs[0].Amount)

	rec = f.do(t, http.MethodGet, "/users/u1/transactions?kind=redemption", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	for _, bad := range []string{"kind=gift", "since=yesterday", "limit=-1", "offset=x"} {
		rec = f.do(t, http.MethodGet, "/users/u1/transactions?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestCatalogAndRedeem(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.repo.UpsertRewardItem(ctx, domain.RewardItem{ID: "chai", Name: "Chai", Cost: 30, Stock: 1, Active: true}))
	require.NoError(t, f.repo.UpsertRewardItem(ctx, domain.RewardItem{ID: "old", Name: "Old", Cost: 10, Stock: 5, Active: true, ExpiresAt: &past}))
	_, err := f.service.CreditEarning(ctx, "u1", 1000, "evt-1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []domain.RewardItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "chai", items[0].ID)

	rec = f.do(t, http.MethodPost, "/catalog/chai/redeem", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.NotEmpty(t, body["voucher_code"])
	assert.Equal(t, float64(10), body["new_balance"])

	rec = f.do(t, http.MethodPost, "/catalog/chai/redeem", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "OUT_OF_STOCK", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/catalog/old/redeem", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusGone, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ITEM_EXPIRED", body["code"])
	assert.NotEmpty(t, body["expires_at"])

	rec = f.do(t, http.MethodPost, "/catalog/nope/redeem", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ITEM_NOT_FOUND", decode(t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/users/u1/redemptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []domain.RedemptionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "chai", records[0].ItemID)
}

func TestRedeemInsufficientBalanceDetails(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertRewardItem(ctx, domain.RewardItem{ID: "shoes", Name: "Shoes", Cost: 100, Stock: 1, Active: true}))
	_, err := f.service.CreditEarning(ctx, "u1", 1000, "evt-1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/catalog/shoes/redeem", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["code"])
	assert.Equal(t, float64(40), body["balance"])
	assert.Equal(t, float64(100), body["required"])
	assert.Equal(t, float64(60), body["shortfall"])
}

type saturatedLimiter struct{}

func (saturatedLimiter) AllowRedeem(context.Context, string) error {
	return &domain.RateLimitedError{Scope: "redeem", RetryAfter: 17 * time.Second}
}

func TestRedeemRateLimitedSetsRetryAfter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, logger, ledger.Config{})
	r := redemption.New(repo, l, logger, redemption.Config{})
	svc := app.NewService(l, r, repo, nil, logger, app.Config{})
	svc.SetRedeemLimiter(saturatedLimiter{})
	f := &apiFixture{repo: repo, service: svc, handler: RewardsRoutes(NewRewardsHandlers(svc, logger), testKey)}

	rec := f.do(t, http.MethodPost, "/catalog/chai/redeem", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "17", rec.Header().Get("Retry-After"))
	assert.Equal(t, float64(17), decode(t, rec)["retry_after_seconds"])
}

func TestStatusForCodes(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor("INTERNAL"))
	assert.Equal(t, http.StatusInternalServerError, statusFor("LEDGER_INVARIANT_VIOLATION"))
	assert.Equal(t, http.StatusConflict, statusFor("CONCURRENCY_CONFLICT"))
	assert.Equal(t, http.StatusBadRequest, statusFor("INVALID_USER"))
}
