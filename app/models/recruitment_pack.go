package models

import "time"

type PackSize string

const (
	PackSmall  PackSize = "SMALL"
	PackMedium PackSize = "MEDIUM"
	PackLarge  PackSize = "LARGE"
)

func (s PackSize) Valid() bool {
	return s == PackSmall || s == PackMedium || s == PackLarge
}

type PackStatus string

const (
	PackPending  PackStatus = "pending"
	PackActive   PackStatus = "active"
	PackDepleted PackStatus = "depleted"
	PackExpired  PackStatus = "expired"
)

// RecruitmentPack is a prepaid bundle of job-publication credits owned by a
// company. Credits are consumed oldest pack first.
type RecruitmentPack struct {
	ID               uint                   `gorm:"primaryKey" json:"id"`
	CompanyID        uint                   `gorm:"not null;index:idx_recruitment_packs_company_status,priority:1" json:"company_id"`
	Size             PackSize               `gorm:"type:varchar(16);not null" json:"size"`
	TotalCredits     int                    `gorm:"not null" json:"total_credits"`
	UsedCredits      int                    `gorm:"not null;default:0" json:"used_credits"`
	RemainingCredits int                    `gorm:"not null" json:"remaining_credits"`
	Price            int64                  `gorm:"not null;default:0" json:"price"`
	Currency         string                 `gorm:"type:varchar(3);not null;default:'XOF'" json:"currency"`
	PaymentMethod    string                 `gorm:"type:varchar(20);not null" json:"payment_method"`
	TransactionRef   string                 `gorm:"type:varchar(64);not null;default:'';index" json:"transaction_ref"`
	Status           PackStatus             `gorm:"type:varchar(16);not null;default:'pending';index:idx_recruitment_packs_company_status,priority:2" json:"status"`
	PurchaseDate     time.Time              `gorm:"type:timestamp;not null;index" json:"purchase_date"`
	ActivatedAt      *time.Time             `gorm:"type:timestamp;default:null" json:"activated_at,omitempty"`
	ExpiryDate       *time.Time             `gorm:"type:timestamp;default:null;index" json:"expiry_date,omitempty"`
	Usages           []RecruitmentPackUsage `gorm:"foreignKey:PackID" json:"usages,omitempty"`
	CreatedAt        time.Time              `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time              `gorm:"autoUpdateTime" json:"updated_at"`
}

// JobIDs returns the jobs this pack's credits were spent on, in consumption order.
func (p *RecruitmentPack) JobIDs() []string {
	ids := make([]string, 0, len(p.Usages))
	for _, u := range p.Usages {
		ids = append(ids, u.JobID)
	}
	return ids
}

// IsUsable reports whether the pack can still hand out a credit at now.
func (p *RecruitmentPack) IsUsable(now time.Time) bool {
	return p.Status == PackActive && p.RemainingCredits > 0 && p.ExpiryDate != nil && now.Before(*p.ExpiryDate)
}

// RecruitmentPackUsage records one credit spent on one job publication.
type RecruitmentPackUsage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	PackID     uint      `gorm:"not null;index" json:"pack_id"`
	CompanyID  uint      `gorm:"not null;index:ux_recruitment_pack_usages_company_job,unique,priority:1" json:"company_id"`
	JobID      string    `gorm:"type:varchar(64);not null;index:ux_recruitment_pack_usages_company_job,unique,priority:2" json:"job_id"`
	ConsumedAt time.Time `gorm:"type:timestamp;not null" json:"consumed_at"`
}
