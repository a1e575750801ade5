package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"gorm.io/gorm"
)

type boostRepository struct {
	db *gorm.DB
}

// NewBoostRepository creates a new boost repository instance
func NewBoostRepository(db *gorm.DB) BoostRepository {
	return &boostRepository{db: db}
}

func (r *boostRepository) Create(ctx context.Context, boost *models.Boost) error {
	return r.db.WithContext(ctx).Create(boost).Error
}

func (r *boostRepository) GetByID(ctx context.Context, id uint) (*models.Boost, error) {
	var b models.Boost
	if err := r.db.WithContext(ctx).First(&b, id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *boostRepository) ListActiveForTarget(ctx context.Context, target models.BoostTarget, targetID string, now time.Time) ([]models.Boost, error) {
	var out []models.Boost
	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND status = ? AND start_date <= ? AND end_date >= ?", target, targetID, models.BoostActive, now, now).
		Order("end_date DESC").
		Find(&out).Error
	return out, err
}

func (r *boostRepository) Activate(ctx context.Context, id uint, start, end time.Time, paymentMethod string) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Boost{}).
		Where("id = ? AND status = ?", id, models.BoostPending).
		Updates(map[string]interface{}{
			"status":         models.BoostActive,
			"start_date":     start,
			"end_date":       end,
			"payment_method": paymentMethod,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *boostRepository) Cancel(ctx context.Context, id, ownerID uint) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Boost{}).
		Where("id = ? AND owner_id = ? AND status IN ?", id, ownerID, []models.BoostStatus{models.BoostPending, models.BoostActive}).
		Update("status", models.BoostCancelled)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// AddCounter increments one analytics column. column must come from
// models.BoostEvent.Column.
func (r *boostRepository) AddCounter(ctx context.Context, id uint, column string, delta int64) error {
	switch column {
	case "views", "clicks", "applications", "conversions":
	default:
		return fmt.Errorf("unknown boost counter %q", column)
	}
	return r.db.WithContext(ctx).Model(&models.Boost{}).
		Where("id = ?", id).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta)).Error
}

func (r *boostRepository) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Boost{}).
		Where("status = ? AND end_date < ?", models.BoostActive, now).
		Update("status", models.BoostExpired)
	return tx.RowsAffected, tx.Error
}

func (r *boostRepository) ExpirePending(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).Model(&models.Boost{}).
		Where("id IN ? AND status = ?", ids, models.BoostPending).
		Update("status", models.BoostExpired)
	return tx.RowsAffected, tx.Error
}
