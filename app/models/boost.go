package models

import "time"

type BoostKind string

const (
	BoostProfile7D            BoostKind = "PROFILE_7D"
	BoostProfile30D           BoostKind = "PROFILE_30D"
	BoostJob7D                BoostKind = "JOB_7D"
	BoostJob30D               BoostKind = "JOB_30D"
	BoostTraining14D          BoostKind = "TRAINING_14D"
	BoostApplicationHighlight BoostKind = "APPLICATION_HIGHLIGHT"
)

type BoostTarget string

const (
	BoostTargetProfile     BoostTarget = "profile"
	BoostTargetJob         BoostTarget = "job"
	BoostTargetTraining    BoostTarget = "training"
	BoostTargetApplication BoostTarget = "application"
)

type BoostStatus string

const (
	BoostPending   BoostStatus = "pending"
	BoostActive    BoostStatus = "active"
	BoostExpired   BoostStatus = "expired"
	BoostCancelled BoostStatus = "cancelled"
)

// BoostEvent names an analytics counter on a boost.
type BoostEvent string

const (
	BoostEventView        BoostEvent = "view"
	BoostEventClick       BoostEvent = "click"
	BoostEventApplication BoostEvent = "application"
	BoostEventConversion  BoostEvent = "conversion"
)

// Column returns the boosts column holding the counter for the event.
func (e BoostEvent) Column() (string, bool) {
	switch e {
	case BoostEventView:
		return "views", true
	case BoostEventClick:
		return "clicks", true
	case BoostEventApplication:
		return "applications", true
	case BoostEventConversion:
		return "conversions", true
	}
	return "", false
}

// Boost is a time-limited visibility upgrade on a profile, job, training or
// application.
type Boost struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	OwnerID        uint        `gorm:"not null;index" json:"owner_id"`
	Kind           BoostKind   `gorm:"type:varchar(32);not null" json:"kind"`
	TargetType     BoostTarget `gorm:"type:varchar(16);not null;index:idx_boosts_target,priority:1" json:"target_type"`
	TargetID       string      `gorm:"type:varchar(64);not null;index:idx_boosts_target,priority:2" json:"target_id"`
	Price          int64       `gorm:"not null;default:0" json:"price"`
	Currency       string      `gorm:"type:varchar(3);not null;default:'XOF'" json:"currency"`
	PaymentMethod  string      `gorm:"type:varchar(20);not null" json:"payment_method"`
	TransactionRef string      `gorm:"type:varchar(64);not null;default:'';index" json:"transaction_ref"`
	Status         BoostStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	DurationDays   int         `gorm:"not null" json:"duration_days"`
	StartDate      *time.Time  `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	EndDate        *time.Time  `gorm:"type:timestamp;default:null;index" json:"end_date,omitempty"`
	Views          int64       `gorm:"not null;default:0" json:"views"`
	Clicks         int64       `gorm:"not null;default:0" json:"clicks"`
	Applications   int64       `gorm:"not null;default:0" json:"applications"`
	Conversions    int64       `gorm:"not null;default:0" json:"conversions"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive requires status active and startDate <= now <= endDate.
func (b *Boost) IsActive(now time.Time) bool {
	if b.Status != BoostActive || b.StartDate == nil || b.EndDate == nil {
		return false
	}
	return !now.Before(*b.StartDate) && !now.After(*b.EndDate)
}
