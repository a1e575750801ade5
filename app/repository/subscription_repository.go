package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"gorm.io/gorm"
)

var entitlingStatuses = []models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionTrial}

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindActive returns the entitling subscription with the latest end date.
func (r *subscriptionRepository) FindActive(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ? AND end_date >= ?", userID, entitlingStatuses, now).
		Order("end_date DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) ListByUser(ctx context.Context, userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&subs).Error
	return subs, err
}

// Activate moves a pending subscription to active and appends the payment to
// its history. It returns false when the row was not pending.
func (r *subscriptionRepository) Activate(ctx context.Context, id uint, start, end time.Time, payment models.PaymentRecord) (bool, error) {
	db := r.db.WithContext(ctx)
	tx := db.Model(&models.Subscription{}).
		Where("id = ? AND status = ?", id, models.SubscriptionPending).
		Updates(map[string]interface{}{
			"status":         models.SubscriptionActive,
			"start_date":     start,
			"end_date":       end,
			"payment_method": payment.Provider,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected == 0 {
		return false, nil
	}

	// Only the caller that won the status transition reaches this point.
	var sub models.Subscription
	if err := db.Select("id", "payment_history").First(&sub, id).Error; err != nil {
		return false, err
	}
	history := append(sub.PaymentHistory, payment)
	if err := db.Model(&models.Subscription{}).Where("id = ?", id).Update("payment_history", history).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Transition applies updates only while the row is in one of the from states.
func (r *subscriptionRepository) Transition(ctx context.Context, id uint, from []models.SubscriptionStatus, updates map[string]interface{}) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ExpireLapsed persists the terminal status of subscriptions whose end date
// passed. Rows cancelled at period end become cancelled, the rest expired.
func (r *subscriptionRepository) ExpireLapsed(ctx context.Context, now time.Time) (int64, int64, error) {
	db := r.db.WithContext(ctx)
	cancelled := db.Model(&models.Subscription{}).
		Where("status IN ? AND end_date < ? AND cancel_at_period_end = ?", entitlingStatuses, now, true).
		Update("status", models.SubscriptionCancelled)
	if cancelled.Error != nil {
		return 0, 0, cancelled.Error
	}
	expired := db.Model(&models.Subscription{}).
		Where("status IN ? AND end_date < ?", entitlingStatuses, now).
		Update("status", models.SubscriptionExpired)
	if expired.Error != nil {
		return 0, cancelled.RowsAffected, expired.Error
	}
	return expired.RowsAffected, cancelled.RowsAffected, nil
}

func (r *subscriptionRepository) ExpirePending(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id IN ? AND status = ?", ids, models.SubscriptionPending).
		Update("status", models.SubscriptionExpired)
	return tx.RowsAffected, tx.Error
}
