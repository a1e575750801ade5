package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"gorm.io/gorm"
)

// UserRepository is a read-only view of the marketplace identity store.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
}

// QuotaRepository persists monthly usage counters. Every mutation is a single
// conditional statement; the bool results report whether a row matched.
type QuotaRepository interface {
	Get(ctx context.Context, userID uint, kind models.QuotaKind) (*models.Quota, error)
	ListByUser(ctx context.Context, userID uint) ([]models.Quota, error)
	Upsert(ctx context.Context, q *models.Quota) error
	CreateIfNotExists(ctx context.Context, q *models.Quota) (bool, error)
	IncrementWithinLimit(ctx context.Context, userID uint, kind models.QuotaKind, amount int, now time.Time) (bool, error)
	IncrementWithinCap(ctx context.Context, userID uint, kind models.QuotaKind, amount, cap int, now time.Time) (bool, error)
	RollOver(ctx context.Context, id uint, now, periodStart, periodEnd time.Time, freeLimit *int) (bool, error)
	ResetToFree(ctx context.Context, id uint, periodStart, periodEnd time.Time, limit int) (bool, error)
	ListStale(ctx context.Context, now time.Time, limit int) ([]models.Quota, error)
}

// SubscriptionRepository persists subscriptions and their status transitions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id uint) (*models.Subscription, error)
	FindActive(ctx context.Context, userID uint, now time.Time) (*models.Subscription, error)
	ListByUser(ctx context.Context, userID uint) ([]models.Subscription, error)
	Activate(ctx context.Context, id uint, start, end time.Time, payment models.PaymentRecord) (bool, error)
	Transition(ctx context.Context, id uint, from []models.SubscriptionStatus, updates map[string]interface{}) (bool, error)
	ExpireLapsed(ctx context.Context, now time.Time) (expired int64, cancelled int64, err error)
	ExpirePending(ctx context.Context, ids []uint) (int64, error)
}

// PackRepository persists recruitment packs and credit consumption.
type PackRepository interface {
	Create(ctx context.Context, pack *models.RecruitmentPack) error
	GetByID(ctx context.Context, id uint) (*models.RecruitmentPack, error)
	FindOldestUsable(ctx context.Context, companyID uint, now time.Time) (*models.RecruitmentPack, error)
	ListActive(ctx context.Context, companyID uint, now time.Time) ([]models.RecruitmentPack, error)
	SumRemaining(ctx context.Context, companyID uint, now time.Time) (int, error)
	Activate(ctx context.Context, id uint, now, expiry time.Time, paymentMethod string) (bool, error)
	ConsumeCredit(ctx context.Context, packID uint, now time.Time) (bool, error)
	MarkDepletedIfEmpty(ctx context.Context, packID uint) error
	AddUsage(ctx context.Context, usage *models.RecruitmentPackUsage) error
	HasUsage(ctx context.Context, companyID uint, jobID string) (bool, error)
	ExpireLapsed(ctx context.Context, companyID uint, now time.Time) (int64, error)
	ExpirePending(ctx context.Context, ids []uint) (int64, error)
}

// BoostRepository persists boosts and their analytics counters.
type BoostRepository interface {
	Create(ctx context.Context, boost *models.Boost) error
	GetByID(ctx context.Context, id uint) (*models.Boost, error)
	ListActiveForTarget(ctx context.Context, target models.BoostTarget, targetID string, now time.Time) ([]models.Boost, error)
	Activate(ctx context.Context, id uint, start, end time.Time, paymentMethod string) (bool, error)
	Cancel(ctx context.Context, id, ownerID uint) (bool, error)
	AddCounter(ctx context.Context, id uint, column string, delta int64) error
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
	ExpirePending(ctx context.Context, ids []uint) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	db           *gorm.DB
	User         UserRepository
	Quota        QuotaRepository
	Subscription SubscriptionRepository
	Pack         PackRepository
	Boost        BoostRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:           db,
		User:         NewUserRepository(db),
		Quota:        NewQuotaRepository(db),
		Subscription: NewSubscriptionRepository(db),
		Pack:         NewPackRepository(db),
		Boost:        NewBoostRepository(db),
	}
}

// DB returns the handle the repositories were built on.
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// Transaction runs fn with repositories bound to a single database
// transaction. fn must not perform network calls to payment providers.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}
