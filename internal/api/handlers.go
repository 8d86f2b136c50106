/**
 * @description
 * This file contains the HTTP handlers for the rewards-service. Handlers parse the
 * request, call the application service and translate typed domain errors into a
 * stable JSON error body with a machine-readable code.
 *
 * @dependencies
 * - internal/app, internal/domain: For service logic, models, and typed errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/rewards-service/internal/app"
	"github.com/transfa/rewards-service/internal/domain"
)

const maxBodyBytes = 1 << 16

// RewardsHandlers holds the application service that handlers will use.
type RewardsHandlers struct {
	service *app.Service
	logger  *slog.Logger
}

func NewRewardsHandlers(service *app.Service, logger *slog.Logger) *RewardsHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardsHandlers{service: service, logger: logger.With("component", "api")}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type creditEarningRequest struct {
	UserID    string `json:"user_id"`
	Steps     int64  `json:"steps"`
	Reference string `json:"reference"`
}

type redeemRequest struct {
	UserID string `json:"user_id"`
}

type balanceResponse struct {
	domain.WalletBalance
	Progress app.UserProgressView `json:"progress"`
}

func (h *RewardsHandlers) ListPhasesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Phases())
}

// ProgressionHandler answers ?steps=N with the progression at that lifetime total.
func (h *RewardsHandlers) ProgressionHandler(w http.ResponseWriter, r *http.Request) {
	steps, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("steps")), 10, 64)
	if err != nil {
		writeBadRequest(w, "steps must be an integer")
		return
	}
	writeJSON(w, http.StatusOK, h.service.GetProgression(steps))
}

// CreditEarningHandler credits a validated step delta. Replays of a reference answer
// 200 with the original transaction; new credits answer 201.
func (h *RewardsHandlers) CreditEarningHandler(w http.ResponseWriter, r *http.Request) {
	var req creditEarningRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		writeBadRequest(w, "reference is required")
		return
	}

	result, err := h.service.CreditEarning(r.Context(), req.UserID, req.Steps, req.Reference)
	if err != nil {
		h.writeDomainError(w, r, "credit_earning", err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *RewardsHandlers) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetUserProgress(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeDomainError(w, r, "get_progress", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *RewardsHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	wallet, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, "get_balance", err)
		return
	}
	view, err := h.service.GetUserProgress(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{WalletBalance: wallet, Progress: view})
}

// GetHistoryHandler supports ?kind=, ?since= and ?until= (RFC 3339, until exclusive),
// ?limit= and ?offset=.
func (h *RewardsHandlers) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	q, msg := parseHistoryQuery(r)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}

	txs, err := h.service.GetHistory(r.Context(), chi.URLParam(r, "userID"), q)
	if err != nil {
		h.writeDomainError(w, r, "get_history", err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func parseHistoryQuery(r *http.Request) (domain.HistoryQuery, string) {
	values := r.URL.Query()
	var q domain.HistoryQuery

	if kind := strings.TrimSpace(values.Get("kind")); kind != "" {
		q.Kind = domain.TransactionKind(kind)
		if !q.Kind.Valid() {
			return q, "unknown transaction kind"
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, p.name + " must be an RFC 3339 timestamp"
		}
		*p.dst = t
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &q.Limit}, {"offset", &q.Offset}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, p.name + " must be a non-negative integer"
		}
		*p.dst = n
	}
	return q, ""
}

func (h *RewardsHandlers) ListRedemptionsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListRedemptions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeDomainError(w, r, "list_redemptions", err)
		return
	}
	if records == nil {
		records = []domain.RedemptionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *RewardsHandlers) ListCatalogHandler(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListCatalog(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "list_catalog", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *RewardsHandlers) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.Redeem(r.Context(), chi.URLParam(r, "itemID"), req.UserID)
	if err != nil {
		h.writeDomainError(w, r, "redeem", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// statusFor maps a stable error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "INVALID_AMOUNT", "INVALID_KIND", "INVALID_USER":
		return http.StatusBadRequest
	case "INSUFFICIENT_BALANCE":
		return http.StatusPaymentRequired
	case "ITEM_NOT_FOUND":
		return http.StatusNotFound
	case "ITEM_EXPIRED":
		return http.StatusGone
	case "ITEM_INACTIVE", "OUT_OF_STOCK", "CONCURRENCY_CONFLICT", "DUPLICATE_REFERENCE":
		return http.StatusConflict
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *RewardsHandlers) writeDomainError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn("request abandoned", "endpoint", endpoint, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "request cancelled", Code: "CANCELLED"})
		return
	}

	code := domain.ErrorCode(err)
	status := statusFor(code)
	body := map[string]any{"error": err.Error(), "code": code}

	var (
		insufficient *domain.InsufficientBalanceError
		expired      *domain.ItemExpiredError
		conflict     *domain.ConcurrencyConflictError
		limited      *domain.RateLimitedError
	)
	switch {
	case errors.As(err, &insufficient):
		body["balance"] = insufficient.Balance
		body["required"] = insufficient.Required
		body["shortfall"] = insufficient.Shortfall()
	case errors.As(err, &expired):
		body["expires_at"] = expired.ExpiresAt
	case errors.As(err, &conflict):
		body["attempts"] = conflict.Attempts
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		body["retry_after_seconds"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "endpoint", endpoint, "path", r.URL.Path, "code", code, "err", err)
		if code == "INTERNAL" {
			body["error"] = "internal server error"
		}
	} else {
		h.logger.Info("request rejected", "endpoint", endpoint, "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Code: "INVALID_REQUEST"})
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
