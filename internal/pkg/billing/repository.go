package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByReference(ctx context.Context, reference string) (*models.PaymentIntent, error)
	GetIntentByPurchase(ctx context.Context, kind models.PurchaseKind, purchaseID uint) (*models.PaymentIntent, error)
	AttachProvider(ctx context.Context, id uint, providerRef, notifTokenHash, redirectURL string) error
	TransitionIntent(ctx context.Context, id uint, from []models.IntentStatus, updates map[string]interface{}) (bool, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.PaymentIntent, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, reference, outcome, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *gormRepository) GetIntentByReference(ctx context.Context, reference string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetIntentByPurchase returns the latest intent created for a purchase.
func (r *gormRepository) GetIntentByPurchase(ctx context.Context, kind models.PurchaseKind, purchaseID uint) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("purchase_kind = ? AND purchase_id = ?", kind, purchaseID).
		Order("id DESC").
		First(&intent).Error
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *gormRepository) AttachProvider(ctx context.Context, id uint, providerRef, notifTokenHash, redirectURL string) error {
	return r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"provider_ref":     providerRef,
			"notif_token_hash": notifTokenHash,
			"redirect_url":     redirectURL,
		}).Error
}

// TransitionIntent applies updates only while the intent is in one of the
// from states.
func (r *gormRepository) TransitionIntent(ctx context.Context, id uint, from []models.IntentStatus, updates map[string]interface{}) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.PaymentIntent, error) {
	var out []models.PaymentIntent
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.IntentPending, before).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, reference, outcome, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"reference":        reference,
		"outcome":          outcome,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
