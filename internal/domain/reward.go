package domain

import (
	"time"

	"github.com/google/uuid"
)

// RewardItem is a finite-stock catalog entry that users redeem their balance against.
type RewardItem struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Cost        int64      `json:"cost" yaml:"cost"` // in paisa
	Stock       int        `json:"stock" yaml:"stock"`
	Active      bool       `json:"active" yaml:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
}

// Expired reports whether the item's expiry has passed at now.
func (i RewardItem) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Listable reports whether the item belongs in the public catalog at now.
func (i RewardItem) Listable(now time.Time) bool {
	return i.Active && !i.Expired(now)
}

// RedemptionRecord is written exactly once per successful redemption and never changed.
type RedemptionRecord struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	ItemID        string    `json:"item_id"`
	Cost          int64     `json:"cost"`
	VoucherCode   string    `json:"voucher_code"`
	TransactionID uuid.UUID `json:"transaction_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RedemptionResult is returned to the caller of a successful redemption.
type RedemptionResult struct {
	Record      RedemptionRecord `json:"record"`
	VoucherCode string           `json:"voucher_code"`
	NewBalance  int64            `json:"new_balance"`
}
