package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type quotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a new quota repository instance
func NewQuotaRepository(db *gorm.DB) QuotaRepository {
	return &quotaRepository{db: db}
}

func (r *quotaRepository) Get(ctx context.Context, userID uint, kind models.QuotaKind) (*models.Quota, error) {
	var q models.Quota
	err := r.db.WithContext(ctx).Where("user_id = ? AND kind = ?", userID, kind).First(&q).Error
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *quotaRepository) ListByUser(ctx context.Context, userID uint) ([]models.Quota, error) {
	var out []models.Quota
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("kind ASC").Find(&out).Error
	return out, err
}

// Upsert writes a fresh period for (user, kind), replacing whatever period
// the row held before.
func (r *quotaRepository) Upsert(ctx context.Context, q *models.Quota) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "kind"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"used",
			"quota_limit",
			"unlimited",
			"plan_code",
			"period_start",
			"period_end",
			"updated_at",
		}),
	}).Create(q).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return db.Where("user_id = ? AND kind = ?", q.UserID, q.Kind).First(q).Error
}

func (r *quotaRepository) CreateIfNotExists(ctx context.Context, q *models.Quota) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "kind"},
		},
		DoNothing: true,
	}).Create(q)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// IncrementWithinLimit adds amount to a current-period counter only while the
// result stays within the stored limit.
func (r *quotaRepository) IncrementWithinLimit(ctx context.Context, userID uint, kind models.QuotaKind, amount int, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Quota{}).
		Where("user_id = ? AND kind = ? AND period_end > ?", userID, kind, now).
		Where("unlimited = ? OR used + ? <= quota_limit", true, amount).
		Update("used", gorm.Expr("used + ?", amount))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// IncrementWithinCap is the free-tier variant: the cap comes from the call
// site and the stored limit and unlimited flag are ignored.
func (r *quotaRepository) IncrementWithinCap(ctx context.Context, userID uint, kind models.QuotaKind, amount, cap int, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Quota{}).
		Where("user_id = ? AND kind = ? AND period_end > ?", userID, kind, now).
		Where("used + ? <= ?", amount, cap).
		Update("used", gorm.Expr("used + ?", amount))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// RollOver resets a stale row to a new period. Only rows whose period already
// ended match, so concurrent rollovers of the same row apply once. A non-nil
// freeLimit turns the row into a free-tier counter with that limit.
func (r *quotaRepository) RollOver(ctx context.Context, id uint, now, periodStart, periodEnd time.Time, freeLimit *int) (bool, error) {
	updates := map[string]interface{}{
		"used":         0,
		"period_start": periodStart,
		"period_end":   periodEnd,
	}
	if freeLimit != nil {
		updates["quota_limit"] = *freeLimit
		updates["unlimited"] = false
		updates["plan_code"] = ""
	}
	tx := r.db.WithContext(ctx).Model(&models.Quota{}).
		Where("id = ? AND period_end <= ?", id, now).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ResetToFree turns a plan-provisioned row into a fresh free-tier counter.
// Rows that already are free-tier counters do not match, so concurrent
// callers reset it once.
func (r *quotaRepository) ResetToFree(ctx context.Context, id uint, periodStart, periodEnd time.Time, limit int) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Quota{}).
		Where("id = ? AND plan_code <> ?", id, "").
		Updates(map[string]interface{}{
			"used":         0,
			"quota_limit":  limit,
			"unlimited":    false,
			"plan_code":    "",
			"period_start": periodStart,
			"period_end":   periodEnd,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *quotaRepository) ListStale(ctx context.Context, now time.Time, limit int) ([]models.Quota, error) {
	var out []models.Quota
	err := r.db.WithContext(ctx).Where("period_end <= ?", now).Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}
