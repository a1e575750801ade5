// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/database"
)

// NewDB opens a private in-memory SQLite database with the full schema. The
// pool is limited to one connection so the in-memory database survives and
// concurrent writers are serialized like row locks would serialize them.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(database.Models()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Clock is a settable time source for ledgers under test.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{T: t.UTC()}
}

func (c *Clock) Now() time.Time {
	return c.T
}

func (c *Clock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.T = t.UTC()
}

// CreateUser inserts an identity row and returns it.
func CreateUser(t testing.TB, db *gorm.DB, name, accountType string) *models.User {
	t.Helper()
	u := &models.User{
		Name:        name,
		Email:       name + "@example.sn",
		AccountType: accountType,
		Role:        models.ROLE_USER,
		Status:      models.STATUS_ACTIVE,
		APIKeyHash:  models.HashAPIKey("key-" + name),
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// CreateSubscription inserts a subscription row in the given status covering
// [start, end].
func CreateSubscription(t testing.TB, db *gorm.DB, userID uint, plan models.Plan, status models.SubscriptionStatus, start, end time.Time) *models.Subscription {
	t.Helper()
	start, end = start.UTC(), end.UTC()
	sub := &models.Subscription{
		UserID:        userID,
		Plan:          plan,
		Status:        status,
		BillingCycle:  models.BillingCycleMonthly,
		Currency:      models.DefaultCurrency,
		StartDate:     &start,
		EndDate:       &end,
		PaymentMethod: models.ProviderSandbox,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}
