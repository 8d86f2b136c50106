package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for events published on the rewards exchange.
const (
	RoutingKeyEarningCredited     = "rewards.earning.credited"
	RoutingKeyPhaseAdvanced       = "rewards.phase.advanced"
	RoutingKeyRedemptionCompleted = "rewards.redemption.completed"
	RoutingKeyInvariantViolation  = "rewards.ledger.invariant_violation"

	// RoutingKeyStepsValidated is consumed, not published. The activity pipeline emits it
	// once a step delta has passed anti-cheat validation.
	RoutingKeyStepsValidated = "activity.steps.validated"
)

// StepsValidatedEvent is the inbound payload that drives CreditEarning. EventID doubles
// as the idempotency reference of the resulting credit.
type StepsValidatedEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Steps      int64     `json:"steps"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EarningCreditedEvent is emitted after validated steps have been converted and credited.
type EarningCreditedEvent struct {
	UserID        string    `json:"user_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Steps         int64     `json:"steps"`
	StepGroups    int64     `json:"step_groups"`
	Rate          int64     `json:"rate"`
	Amount        int64     `json:"amount"`
	NewBalance    int64     `json:"new_balance"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PhaseAdvancedEvent is emitted when a credit moves a user into a higher tier.
type PhaseAdvancedEvent struct {
	UserID             string    `json:"user_id"`
	FromTier           int       `json:"from_tier"`
	ToTier             int       `json:"to_tier"`
	ToPhaseName        string    `json:"to_phase_name"`
	NewRate            int64     `json:"new_rate"`
	TotalLifetimeSteps int64     `json:"total_lifetime_steps"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// RedemptionCompletedEvent carries the voucher payload a fulfillment system consumes.
type RedemptionCompletedEvent struct {
	RedemptionID uuid.UUID `json:"redemption_id"`
	UserID       string    `json:"user_id"`
	ItemID       string    `json:"item_id"`
	Cost         int64     `json:"cost"`
	VoucherCode  string    `json:"voucher_code"`
	NewBalance   int64     `json:"new_balance"`
	ExpiresAt    time.Time `json:"expires_at"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// InvariantViolationEvent alerts operators to a ledger that disagrees with its balance.
type InvariantViolationEvent struct {
	UserID         string    `json:"user_id"`
	StoredBalance  int64     `json:"stored_balance"`
	StoredEarned   int64     `json:"stored_earned"`
	StoredSpent    int64     `json:"stored_spent"`
	DerivedBalance int64     `json:"derived_balance"`
	DerivedEarned  int64     `json:"derived_earned"`
	DerivedSpent   int64     `json:"derived_spent"`
	DetectedAt     time.Time `json:"detected_at"`
}

// NewInvariantViolationEvent flattens a violation into its alert payload.
func NewInvariantViolationEvent(v *InvariantViolationError, at time.Time) InvariantViolationEvent {
	return InvariantViolationEvent{
		UserID:         v.UserID,
		StoredBalance:  v.Stored.TotalBalance,
		StoredEarned:   v.Stored.TotalEarned,
		StoredSpent:    v.Stored.TotalSpent,
		DerivedBalance: v.Derived.Balance,
		DerivedEarned:  v.Derived.Earned,
		DerivedSpent:   v.Derived.Spent,
		DetectedAt:     at,
	}
}
