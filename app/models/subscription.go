package models

import (
	"time"

	"gorm.io/datatypes"
)

type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// PaymentRecord is one entry of a subscription's payment history.
type PaymentRecord struct {
	Reference     string    `json:"reference"`
	Provider      string    `json:"provider"`
	ProviderTxnID string    `json:"provider_txn_id,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaidAt        time.Time `json:"paid_at"`
}

// Subscription is a time-bounded premium plan purchase. StartDate and EndDate
// stay nil while the purchase is pending.
type Subscription struct {
	ID                uint                               `gorm:"primaryKey" json:"id"`
	UserID            uint                               `gorm:"not null;index:idx_subscriptions_user_status,priority:1" json:"user_id"`
	Plan              Plan                               `gorm:"type:varchar(32);not null" json:"plan"`
	Status            SubscriptionStatus                 `gorm:"type:varchar(16);not null;default:'pending';index:idx_subscriptions_user_status,priority:2" json:"status"`
	BillingCycle      BillingCycle                       `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`
	Price             int64                              `gorm:"not null;default:0" json:"price"`
	Currency          string                             `gorm:"type:varchar(3);not null;default:'XOF'" json:"currency"`
	StartDate         *time.Time                         `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	EndDate           *time.Time                         `gorm:"type:timestamp;default:null;index" json:"end_date,omitempty"`
	AutoRenew         bool                               `gorm:"default:false" json:"auto_renew"`
	PaymentMethod     string                             `gorm:"type:varchar(20);not null" json:"payment_method"`
	TransactionRef    string                             `gorm:"type:varchar(64);not null;default:'';index" json:"transaction_ref"`
	CancelAtPeriodEnd bool                               `gorm:"default:false" json:"cancel_at_period_end"`
	CancelledAt       *time.Time                         `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	PaymentHistory    datatypes.JSONSlice[PaymentRecord] `gorm:"type:json" json:"payment_history"`
	CreatedAt         time.Time                          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                          `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the subscription entitles its user at now.
func (s *Subscription) IsActive(now time.Time) bool {
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrial {
		return false
	}
	return s.EndDate != nil && !now.After(*s.EndDate)
}
