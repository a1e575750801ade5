package boost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/billing"
	"github.com/ManuelReschke/Talentis/internal/pkg/catalog"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/quota"
	"github.com/ManuelReschke/Talentis/internal/pkg/testutil"
)

type env struct {
	ledger  *Ledger
	billing *billing.Service
	quotas  *quota.Ledger
	repos   *repository.Repositories
	db      *gorm.DB
	clock   *testutil.Clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	clock := testutil.NewClock(time.Date(2026, time.June, 2, 14, 0, 0, 0, time.UTC))
	cat := catalog.MustDefault()

	quotas := quota.NewLedger(repos.Quota, repos.Subscription, cat).WithClock(clock.Now)
	svc := billing.NewService(repos, gateway.NewRegistry(&testutil.Gateway{})).WithClock(clock.Now)
	ledger := NewLedger(repos, svc, quotas, cat).WithClock(clock.Now)
	svc.RegisterActivator(models.PurchaseBoost, ledger)
	return &env{ledger: ledger, billing: svc, quotas: quotas, repos: repos, db: db, clock: clock}
}

func (e *env) subscriber(t *testing.T, name string, plan models.Plan) *models.User {
	t.Helper()
	u := testutil.CreateUser(t, e.db, name, models.AccountCompany)
	now := e.clock.Now()
	testutil.CreateSubscription(t, e.db, u.ID, plan, models.SubscriptionActive, now, now.AddDate(0, 1, 0))
	require.NoError(t, e.quotas.Provision(context.Background(), u.ID, plan))
	return u
}

type brokenRecorder struct{ calls int }

func (r *brokenRecorder) Add(ctx context.Context, boostID uint, event models.BoostEvent) error {
	r.calls++
	return errors.New("redis down")
}

func TestPurchasedBoostStartsAtPayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)

	p, err := e.ledger.Purchase(ctx, PurchaseRequest{OwnerID: u.ID, Kind: models.BoostProfile7D, TargetID: "profile-1", Provider: testutil.GatewayName})
	require.NoError(t, err)
	assert.Equal(t, models.BoostPending, p.Boost.Status)
	assert.Equal(t, models.BoostTargetProfile, p.Boost.TargetType)
	assert.Equal(t, int64(2000), p.Payment.Amount)

	active, err := e.ledger.IsActive(ctx, p.Boost.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = e.ledger.GetOwned(ctx, u.ID+1, p.Boost.ID)
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))
	own, err := e.ledger.GetOwned(ctx, u.ID, p.Boost.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Payment.Reference, own.TransactionRef)

	e.clock.Advance(time.Hour)
	_, err = e.billing.ConfirmNotification(ctx, testutil.GatewayName, testutil.Paid(p.Payment.Reference, 2000))
	require.NoError(t, err)

	b, err := e.ledger.Get(ctx, p.Boost.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BoostActive, b.Status)
	assert.Equal(t, e.clock.Now(), b.StartDate.UTC())
	assert.Equal(t, e.clock.Now().AddDate(0, 0, 7), b.EndDate.UTC())

	list, err := e.ledger.ListActive(ctx, models.BoostTargetProfile, "profile-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPurchaseValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.ledger.Purchase(ctx, PurchaseRequest{OwnerID: 1, Kind: "MEGA", TargetID: "x", Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
	_, err = e.ledger.Purchase(ctx, PurchaseRequest{OwnerID: 1, Kind: models.BoostJob7D, TargetID: " ", Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
	_, err = e.ledger.Purchase(ctx, PurchaseRequest{OwnerID: 1, Kind: models.BoostJob7D, TargetID: "job-1", Amount: 1, Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
}

func TestActivateWithQuotaSpendsAllowance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.subscriber(t, "acme", models.PlanCompanyBiz)

	for i := 0; i < 5; i++ {
		b, err := e.ledger.ActivateWithQuota(ctx, u.ID, models.BoostJob7D, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.ProviderQuota, b.PaymentMethod)
		assert.True(t, b.IsActive(e.clock.Now()))
	}

	_, err := e.ledger.ActivateWithQuota(ctx, u.ID, models.BoostJob30D, "job-2")
	require.Error(t, err)
	assert.Equal(t, apperr.EFORBIDDEN, apperr.Code(err))
	assert.Equal(t, apperr.ReasonQuotaExceeded, apperr.Reason(err))

	var count int64
	require.NoError(t, e.db.Model(&models.Boost{}).Where("owner_id = ?", u.ID).Count(&count).Error)
	assert.Equal(t, int64(5), count)
}

func TestActivateWithQuotaNeedsPlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	free := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)

	_, err := e.ledger.ActivateWithQuota(ctx, free.ID, models.BoostProfile7D, "profile-1")
	require.Error(t, err)
	assert.Equal(t, apperr.EFORBIDDEN, apperr.Code(err))
	assert.Equal(t, apperr.ReasonNoSubscription, apperr.Reason(err))

	// School plans carry no job boosts.
	school := e.subscriber(t, "lycee", models.PlanSchoolEdu)
	_, err = e.ledger.ActivateWithQuota(ctx, school.ID, models.BoostJob7D, "job-1")
	assert.Equal(t, apperr.ReasonNoSubscription, apperr.Reason(err))

	_, err = e.ledger.ActivateWithQuota(ctx, school.ID, models.BoostApplicationHighlight, "app-1")
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
}

func TestRecordEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.subscriber(t, "acme", models.PlanCompanyBiz)
	b, err := e.ledger.ActivateWithQuota(ctx, u.ID, models.BoostJob7D, "job-1")
	require.NoError(t, err)

	require.NoError(t, e.ledger.RecordEvent(ctx, b.ID, models.BoostEventView))
	require.NoError(t, e.ledger.RecordEvent(ctx, b.ID, models.BoostEventView))

	broken := &brokenRecorder{}
	e.ledger.WithCounters(broken)
	require.NoError(t, e.ledger.RecordEvent(ctx, b.ID, models.BoostEventClick))
	assert.Equal(t, 1, broken.calls)

	err = e.ledger.RecordEvent(ctx, b.ID, "share")
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
	err = e.ledger.RecordEvent(ctx, 999, models.BoostEventView)
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))

	got, err := e.ledger.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Views)
	assert.Equal(t, int64(1), got.Clicks)

	e.clock.Advance(8 * 24 * time.Hour)
	err = e.ledger.RecordEvent(ctx, b.ID, models.BoostEventView)
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))
}

func TestExpireAndCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := e.subscriber(t, "acme", models.PlanCompanyBiz)

	short, err := e.ledger.ActivateWithQuota(ctx, u.ID, models.BoostJob7D, "job-1")
	require.NoError(t, err)
	long, err := e.ledger.ActivateWithQuota(ctx, u.ID, models.BoostJob30D, "job-2")
	require.NoError(t, err)

	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(e.ledger.Cancel(ctx, u.ID+1, long.ID)))
	require.NoError(t, e.ledger.Cancel(ctx, u.ID, long.ID))
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(e.ledger.Cancel(ctx, u.ID, long.ID)))

	e.clock.Advance(8 * 24 * time.Hour)
	n, err := e.ledger.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := e.ledger.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BoostExpired, got.Status)
	got, err = e.ledger.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BoostCancelled, got.Status)
}
