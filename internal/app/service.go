/**
 * @description
 * The `Service` struct is the call-level surface of the rewards economy. It ties the
 * phase table, the ledger and the redemption engine together, keeps each user's
 * lifetime step total, and publishes domain events once state has been committed.
 *
 * Key features:
 * - CreditEarning converts validated steps into coins at the rate of the phase the user
 *   was in before the delta, then advances the lifetime total.
 * - Redeem is rate limited per user before it reaches the redemption engine.
 * - AuditLedger reconciles every wallet and raises an alert event per violation.
 *
 * @dependencies
 * - internal/phase, internal/ledger, internal/redemption: The three engines.
 * - internal/store: Lifetime step progress.
 * - pkg/rabbitmq: Event publishing.
 * - pkg/keylock: Per-user progress serialization.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/ledger"
	"github.com/transfa/rewards-service/internal/phase"
	"github.com/transfa/rewards-service/internal/redemption"
	"github.com/transfa/rewards-service/internal/store"
	"github.com/transfa/rewards-service/pkg/keylock"
	"github.com/transfa/rewards-service/pkg/rabbitmq"
)

const DefaultEventsExchange = "rewards.events"

// Config holds the knobs of the facade itself; engine settings live on the engines.
type Config struct {
	EventsExchange string
	LockTimeout    time.Duration
}

// Service provides the core business logic for the rewards economy.
type Service struct {
	ledger      *ledger.Engine
	redemptions *redemption.Engine
	progress    store.ProgressRepository
	publisher   rabbitmq.Publisher
	limiter     RedeemLimiter
	locks       *keylock.Locker
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// NewService creates a new rewards service instance. A nil publisher logs events
// instead of sending them.
func NewService(
	ledgerEngine *ledger.Engine,
	redemptions *redemption.Engine,
	progress store.ProgressRepository,
	publisher rabbitmq.Publisher,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = &rabbitmq.LogPublisher{Logger: logger}
	}
	if strings.TrimSpace(cfg.EventsExchange) == "" {
		cfg.EventsExchange = DefaultEventsExchange
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = ledger.DefaultLockTimeout
	}
	return &Service{
		ledger:      ledgerEngine,
		redemptions: redemptions,
		progress:    progress,
		publisher:   publisher,
		locks:       keylock.New(cfg.LockTimeout),
		logger:      logger.With("component", "service"),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetRedeemLimiter enables per-user redeem rate limiting.
func (s *Service) SetRedeemLimiter(limiter RedeemLimiter) {
	s.limiter = limiter
}

func (s *Service) GetPhase(totalSteps int64) phase.Phase {
	return phase.GetPhase(totalSteps)
}

func (s *Service) GetProgression(totalSteps int64) phase.Progression {
	return phase.GetProgression(totalSteps)
}

// Phases returns the full tier table.
func (s *Service) Phases() []phase.Phase {
	return phase.Phases()
}

// GetUserProgress returns the user's lifetime steps with the derived progression.
func (s *Service) GetUserProgress(ctx context.Context, userID string) (UserProgressView, error) {
	if strings.TrimSpace(userID) == "" {
		return UserProgressView{}, domain.ErrInvalidUser
	}
	p, err := s.progress.GetProgress(ctx, userID)
	if err != nil {
		return UserProgressView{}, fmt.Errorf("failed to load progress: %w", err)
	}
	return UserProgressView{
		UserProgress: p,
		Phase:        phase.GetPhase(p.TotalLifetimeSteps),
		Progression:  phase.GetProgression(p.TotalLifetimeSteps),
	}, nil
}

// UserProgressView is a user's step total enriched with phase information.
type UserProgressView struct {
	domain.UserProgress
	Phase       phase.Phase       `json:"phase"`
	Progression phase.Progression `json:"progression"`
}

// EarningResult describes the outcome of one CreditEarning call.
type EarningResult struct {
	// Transaction is nil when the delta was too small to earn anything.
	Transaction        *domain.Transaction `json:"transaction,omitempty"`
	Steps              int64               `json:"steps"`
	StepGroups         int64               `json:"step_groups"`
	Rate               int64               `json:"rate"`
	Amount             int64               `json:"amount"`
	NewBalance         int64               `json:"new_balance"`
	TotalLifetimeSteps int64               `json:"total_lifetime_steps"`
	PreviousPhase      phase.Phase         `json:"previous_phase"`
	CurrentPhase       phase.Phase         `json:"current_phase"`
	PhaseAdvanced      bool                `json:"phase_advanced"`
	// Duplicate is set when reference was already recorded; nothing changed.
	Duplicate bool `json:"duplicate"`
}

// CreditEarning converts a validated step delta into coins and adds it to the user's
// lifetime total. The delta is priced at the rate of the phase held before it, so a
// delta that crosses a threshold only earns the new rate from the next call on.
func (s *Service) CreditEarning(ctx context.Context, userID string, steps int64, reference string) (EarningResult, error) {
	if strings.TrimSpace(userID) == "" {
		return EarningResult{}, domain.ErrInvalidUser
	}
	if steps < 0 {
		return EarningResult{}, &domain.InvalidAmountError{Kind: domain.KindEarning, Amount: steps}
	}

	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		if errors.Is(err, keylock.ErrTimeout) {
			return EarningResult{}, &domain.ConcurrencyConflictError{Resource: "progress:" + userID, Attempts: 1, Err: err}
		}
		return EarningResult{}, err
	}
	defer unlock()

	work := context.WithoutCancel(ctx)
	result, err := s.creditLocked(work, userID, steps, reference)
	if err != nil {
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return EarningResult{}, ctxErr
	}
	return result, nil
}

func (s *Service) creditLocked(ctx context.Context, userID string, steps int64, reference string) (EarningResult, error) {
	before, err := s.progress.GetProgress(ctx, userID)
	if err != nil {
		return EarningResult{}, fmt.Errorf("failed to load progress: %w", err)
	}

	from := phase.GetPhase(before.TotalLifetimeSteps)
	earned := phase.CalculateEarnings(steps, from.Rate)
	result := EarningResult{
		Steps:         steps,
		StepGroups:    earned.StepGroups,
		Rate:          from.Rate,
		Amount:        earned.Amount,
		PreviousPhase: from,
	}

	credited := false
	if earned.Amount > 0 {
		desc := fmt.Sprintf("%d steps at %s (%d per %d)", steps, from.Name, from.Rate, phase.StepsPerGroup)
		tx, err := s.ledger.ProcessTransaction(ctx, userID, domain.KindEarning, earned.Amount, desc, ledger.WithReference(reference))
		switch {
		case errors.Is(err, domain.ErrDuplicateReference):
			result.Transaction = &tx
			result.Amount = tx.Magnitude()
		case err != nil:
			return EarningResult{}, err
		default:
			result.Transaction = &tx
			credited = true
		}
	}

	// A redelivery of a credited reference still lands here so steps lost to an
	// earlier AddSteps failure are recorded exactly once.
	after, applied, err := s.progress.AddSteps(ctx, userID, steps, reference, s.now())
	if err != nil {
		s.logger.Error("failed to advance lifetime steps",
			"user_id", userID, "steps", steps, "reference", reference, "credited", credited, "err", err)
		return EarningResult{}, fmt.Errorf("failed to record steps: %w", err)
	}
	if !applied {
		s.logger.Info("earning already recorded", "user_id", userID, "reference", reference)
	} else if result.Transaction != nil && !credited {
		s.logger.Warn("recorded steps for an earning credited earlier", "user_id", userID, "reference", reference, "steps", steps)
	}
	result.Duplicate = !applied
	result.TotalLifetimeSteps = after.TotalLifetimeSteps
	result.CurrentPhase = phase.GetPhase(after.TotalLifetimeSteps)
	result.PhaseAdvanced = applied && result.CurrentPhase.Tier > from.Tier

	wallet, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return EarningResult{}, fmt.Errorf("failed to load balance: %w", err)
	}
	result.NewBalance = wallet.TotalBalance

	if credited {
		s.publish(ctx, domain.RoutingKeyEarningCredited, domain.EarningCreditedEvent{
			UserID:        userID,
			TransactionID: result.Transaction.ID,
			Steps:         steps,
			StepGroups:    result.StepGroups,
			Rate:          result.Rate,
			Amount:        result.Amount,
			NewBalance:    result.NewBalance,
			OccurredAt:    result.Transaction.CreatedAt,
		})
	}
	if result.PhaseAdvanced {
		s.logger.Info("phase advanced",
			"user_id", userID, "from_tier", from.Tier, "to_tier", result.CurrentPhase.Tier, "total_steps", after.TotalLifetimeSteps)
		s.publish(ctx, domain.RoutingKeyPhaseAdvanced, domain.PhaseAdvancedEvent{
			UserID:             userID,
			FromTier:           from.Tier,
			ToTier:             result.CurrentPhase.Tier,
			ToPhaseName:        result.CurrentPhase.Name,
			NewRate:            result.CurrentPhase.Rate,
			TotalLifetimeSteps: after.TotalLifetimeSteps,
			OccurredAt:         after.UpdatedAt,
		})
	}
	return result, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (domain.WalletBalance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

func (s *Service) GetHistory(ctx context.Context, userID string, q domain.HistoryQuery) ([]domain.Transaction, error) {
	return s.ledger.GetHistory(ctx, userID, q)
}

func (s *Service) ListCatalog(ctx context.Context) ([]domain.RewardItem, error) {
	return s.redemptions.ListCatalog(ctx)
}

func (s *Service) ListRedemptions(ctx context.Context, userID string) ([]domain.RedemptionRecord, error) {
	return s.redemptions.ListRedemptions(ctx, userID)
}

// Redeem spends the user's balance on itemID after checking the per-user attempt limit.
func (s *Service) Redeem(ctx context.Context, itemID, userID string) (domain.RedemptionResult, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.RedemptionResult{}, domain.ErrInvalidUser
	}
	if err := s.checkRedeemRate(ctx, userID); err != nil {
		return domain.RedemptionResult{}, err
	}

	result, err := s.redemptions.Redeem(ctx, itemID, userID)
	if err != nil {
		return domain.RedemptionResult{}, err
	}

	s.publish(ctx, domain.RoutingKeyRedemptionCompleted, domain.RedemptionCompletedEvent{
		RedemptionID: result.Record.ID,
		UserID:       userID,
		ItemID:       result.Record.ItemID,
		Cost:         result.Record.Cost,
		VoucherCode:  result.VoucherCode,
		NewBalance:   result.NewBalance,
		ExpiresAt:    result.Record.ExpiresAt,
		OccurredAt:   result.Record.CreatedAt,
	})
	return result, nil
}

func (s *Service) checkRedeemRate(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.AllowRedeem(ctx, userID)
	var limited *domain.RateLimitedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &limited):
		s.logger.Warn("redeem rate limit exceeded", "user_id", userID, "retry_after", limited.RetryAfter)
		return limited
	default:
		// Fail open.
		s.logger.Warn("redeem rate limiter unavailable; allowing request", "user_id", userID, "err", err)
		return nil
	}
}

// AuditLedger reconciles every wallet against its transaction log and publishes one
// alert event per violation.
func (s *Service) AuditLedger(ctx context.Context) (ledger.AuditReport, error) {
	report, err := s.ledger.VerifyAll(ctx)
	for _, violation := range report.Violations {
		s.publish(ctx, domain.RoutingKeyInvariantViolation, domain.NewInvariantViolationEvent(violation, report.FinishedAt))
	}
	return report, err
}

// publish never fails the caller; the state change it describes is already committed.
func (s *Service) publish(ctx context.Context, routingKey string, event any) {
	if err := s.publisher.Publish(ctx, s.cfg.EventsExchange, routingKey, event); err != nil {
		s.logger.Warn("event publish failed", "exchange", s.cfg.EventsExchange, "routing_key", routingKey, "err", err)
	}
}
