package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"gorm.io/gorm"
)

type packRepository struct {
	db *gorm.DB
}

// NewPackRepository creates a new recruitment pack repository instance
func NewPackRepository(db *gorm.DB) PackRepository {
	return &packRepository{db: db}
}

func (r *packRepository) Create(ctx context.Context, pack *models.RecruitmentPack) error {
	return r.db.WithContext(ctx).Create(pack).Error
}

func (r *packRepository) GetByID(ctx context.Context, id uint) (*models.RecruitmentPack, error) {
	var pack models.RecruitmentPack
	err := r.db.WithContext(ctx).
		Preload("Usages", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&pack, id).Error
	if err != nil {
		return nil, err
	}
	return &pack, nil
}

// FindOldestUsable returns the FIFO head: the earliest purchased active pack
// that still has credits and has not expired.
func (r *packRepository) FindOldestUsable(ctx context.Context, companyID uint, now time.Time) (*models.RecruitmentPack, error) {
	var pack models.RecruitmentPack
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND status = ? AND remaining_credits > 0 AND expiry_date > ?", companyID, models.PackActive, now).
		Order("purchase_date ASC, id ASC").
		First(&pack).Error
	if err != nil {
		return nil, err
	}
	return &pack, nil
}

// ListActive returns the active packs that have not expired yet, oldest first.
func (r *packRepository) ListActive(ctx context.Context, companyID uint, now time.Time) ([]models.RecruitmentPack, error) {
	var packs []models.RecruitmentPack
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND status = ? AND expiry_date > ?", companyID, models.PackActive, now).
		Order("purchase_date ASC, id ASC").
		Find(&packs).Error
	return packs, err
}

func (r *packRepository) SumRemaining(ctx context.Context, companyID uint, now time.Time) (int, error) {
	var total int
	err := r.db.WithContext(ctx).Model(&models.RecruitmentPack{}).
		Select("COALESCE(SUM(remaining_credits), 0)").
		Where("company_id = ? AND status = ? AND expiry_date > ?", companyID, models.PackActive, now).
		Scan(&total).Error
	return total, err
}

// Activate opens a pending pack's validity window. It returns false when the
// pack was not pending.
func (r *packRepository) Activate(ctx context.Context, id uint, now, expiry time.Time, paymentMethod string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.RecruitmentPack{}).
		Where("id = ? AND status = ?", id, models.PackPending).
		Updates(map[string]interface{}{
			"status":         models.PackActive,
			"activated_at":   now,
			"expiry_date":    expiry,
			"payment_method": paymentMethod,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ConsumeCredit moves one credit from remaining to used while the pack is
// active, unexpired and not empty.
func (r *packRepository) ConsumeCredit(ctx context.Context, packID uint, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.RecruitmentPack{}).
		Where("id = ? AND status = ? AND remaining_credits > 0 AND expiry_date > ?", packID, models.PackActive, now).
		Updates(map[string]interface{}{
			"remaining_credits": gorm.Expr("remaining_credits - 1"),
			"used_credits":      gorm.Expr("used_credits + 1"),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *packRepository) MarkDepletedIfEmpty(ctx context.Context, packID uint) error {
	return r.db.WithContext(ctx).Model(&models.RecruitmentPack{}).
		Where("id = ? AND status = ? AND remaining_credits = 0", packID, models.PackActive).
		Update("status", models.PackDepleted).Error
}

func (r *packRepository) AddUsage(ctx context.Context, usage *models.RecruitmentPackUsage) error {
	return r.db.WithContext(ctx).Create(usage).Error
}

func (r *packRepository) HasUsage(ctx context.Context, companyID uint, jobID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RecruitmentPackUsage{}).
		Where("company_id = ? AND job_id = ?", companyID, jobID).
		Count(&count).Error
	return count > 0, err
}

// ExpireLapsed flips active packs past their expiry date. A zero companyID
// sweeps every company.
func (r *packRepository) ExpireLapsed(ctx context.Context, companyID uint, now time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.RecruitmentPack{}).
		Where("status = ? AND expiry_date <= ?", models.PackActive, now)
	if companyID != 0 {
		q = q.Where("company_id = ?", companyID)
	}
	tx := q.Update("status", models.PackExpired)
	return tx.RowsAffected, tx.Error
}

func (r *packRepository) ExpirePending(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).Model(&models.RecruitmentPack{}).
		Where("id IN ? AND status = ?", ids, models.PackPending).
		Update("status", models.PackExpired)
	return tx.RowsAffected, tx.Error
}
