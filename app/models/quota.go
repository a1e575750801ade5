package models

import (
	"math"
	"time"
)

// UnlimitedQuota is stored as limit (and reported as remaining) for
// unlimited quota kinds.
const UnlimitedQuota = math.MaxInt32

// Quota is the monthly counter of one quota kind for one user. There is at
// most one row per (user, kind); a new period overwrites the previous one.
type Quota struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index:ux_quota_records_user_kind,unique,priority:1" json:"user_id"`
	Kind        QuotaKind `gorm:"type:varchar(32);not null;index:ux_quota_records_user_kind,unique,priority:2" json:"kind"`
	Used        int       `gorm:"not null;default:0" json:"used"`
	Limit       int       `gorm:"column:quota_limit;not null;default:0" json:"limit"`
	Unlimited   bool      `gorm:"not null;default:false" json:"unlimited"`
	PlanCode    Plan      `gorm:"type:varchar(32);not null;default:''" json:"plan_code"`
	PeriodStart time.Time `gorm:"type:timestamp;not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"type:timestamp;not null;index" json:"period_end"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Quota) TableName() string {
	return "quota_records"
}

// Remaining returns the units left in the period, UnlimitedQuota for
// unlimited records and never less than zero.
func (q *Quota) Remaining() int {
	if q.Unlimited {
		return UnlimitedQuota
	}
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// IsStale reports whether the record belongs to a period that already ended.
// PeriodEnd is exclusive.
func (q *Quota) IsStale(now time.Time) bool {
	return !now.Before(q.PeriodEnd)
}

// IsFreemium reports whether the record was created by a free-tier counter
// rather than by plan provisioning.
func (q *Quota) IsFreemium() bool {
	return q.PlanCode == ""
}
