package models

import "time"

type PurchaseKind string

const (
	PurchaseSubscription PurchaseKind = "subscription"
	PurchasePack         PurchaseKind = "pack"
	PurchaseBoost        PurchaseKind = "boost"
)

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentExpired   IntentStatus = "expired"
	// IntentReview marks a payment the provider reported but we could not
	// match (amount mismatch, purchase no longer pending).
	IntentReview IntentStatus = "review"
)

// PaymentIntent correlates a pending purchase with the payment collected by a
// provider. Reference is generated by us and must be echoed back by the
// provider's notification.
type PaymentIntent struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	Reference      string       `gorm:"type:varchar(64);not null;uniqueIndex" json:"reference"`
	Provider       string       `gorm:"type:varchar(20);not null;index:idx_payment_intents_provider_ref,priority:1" json:"provider"`
	ProviderRef    string       `gorm:"type:varchar(191);not null;default:'';index:idx_payment_intents_provider_ref,priority:2" json:"provider_ref"`
	ProviderTxnID  string       `gorm:"type:varchar(191);not null;default:''" json:"provider_txn_id"`
	NotifTokenHash string       `gorm:"type:varchar(64);not null;default:''" json:"-"`
	RedirectURL    string       `gorm:"type:text" json:"redirect_url,omitempty"`
	PurchaseKind   PurchaseKind `gorm:"type:varchar(16);not null;index:idx_payment_intents_purchase,priority:1" json:"purchase_kind"`
	PurchaseID     uint         `gorm:"not null;index:idx_payment_intents_purchase,priority:2" json:"purchase_id"`
	UserID         uint         `gorm:"not null;index" json:"user_id"`
	Amount         int64        `gorm:"not null" json:"amount"`
	Currency       string       `gorm:"type:varchar(3);not null;default:'XOF'" json:"currency"`
	Status         IntentStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_payment_intents_status_created,priority:1" json:"status"`
	ReviewReason   string       `gorm:"type:text" json:"review_reason,omitempty"`
	ConfirmedAt    *time.Time   `gorm:"type:timestamp;default:null" json:"confirmed_at,omitempty"`
	CreatedAt      time.Time    `gorm:"autoCreateTime;index:idx_payment_intents_status_created,priority:2" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
