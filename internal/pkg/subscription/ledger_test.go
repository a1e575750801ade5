package subscription

import (
	"context"
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
	clock := testutil.NewClock(time.Date(2026, time.April, 10, 8, 0, 0, 0, time.UTC))
	cat := catalog.MustDefault()

	quotas := quota.NewLedger(repos.Quota, repos.Subscription, cat).WithClock(clock.Now)
	svc := billing.NewService(repos, gateway.NewRegistry(&testutil.Gateway{}, gateway.NewSandboxAdapter())).WithClock(clock.Now)
	ledger := NewLedger(repos, svc, quotas, cat).WithClock(clock.Now)
	svc.RegisterActivator(models.PurchaseSubscription, ledger)

	return &env{ledger: ledger, billing: svc, quotas: quotas, repos: repos, db: db, clock: clock}
}

func (e *env) buy(t *testing.T, userID uint, plan models.Plan, cycle models.BillingCycle) *Purchase {
	t.Helper()
	p, err := e.ledger.Buy(context.Background(), BuyRequest{
		UserID:   userID,
		Plan:     plan,
		Cycle:    cycle,
		Provider: testutil.GatewayName,
	})
	require.NoError(t, err)
	return p
}

func (e *env) pay(t *testing.T, p *Purchase) *billing.Settlement {
	t.Helper()
	s, err := e.billing.ConfirmNotification(context.Background(), testutil.GatewayName, testutil.Paid(p.Payment.Reference, p.Payment.Amount))
	require.NoError(t, err)
	return s
}

func TestBuyStartsPendingUntilPaid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "acme", models.AccountCompany)

	p := e.buy(t, user.ID, models.PlanCompanyBiz, models.BillingCycleMonthly)
	assert.Equal(t, models.SubscriptionPending, p.Subscription.Status)
	assert.Equal(t, int64(25000), p.Subscription.Price)
	assert.Equal(t, testutil.GatewayName, p.Subscription.PaymentMethod)
	assert.Equal(t, p.Payment.Reference, p.Subscription.TransactionRef)
	assert.NotEmpty(t, p.Payment.RedirectURL)

	active, err := e.ledger.IsActive(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, active)

	s := e.pay(t, p)
	assert.True(t, s.Activated)

	sub, err := e.ledger.GetActive(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.StartDate)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, e.clock.Now(), sub.StartDate.UTC())
	assert.Equal(t, e.clock.Now().AddDate(0, 1, 0), sub.EndDate.UTC())
	require.Len(t, sub.PaymentHistory, 1)
	assert.Equal(t, int64(25000), sub.PaymentHistory[0].Amount)
	assert.Equal(t, p.Payment.Reference, sub.PaymentHistory[0].Reference)
}

func TestYearlyPriceAppliesDiscount(t *testing.T) {
	e := newEnv(t)
	user := testutil.CreateUser(t, e.db, "acme", models.AccountCompany)

	p := e.buy(t, user.ID, models.PlanCompanyBiz, models.BillingCycleYearly)
	assert.Equal(t, int64(240000), p.Subscription.Price)
	assert.Equal(t, int64(240000), p.Payment.Amount)

	e.pay(t, p)
	sub, err := e.ledger.GetActive(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now().AddDate(1, 0, 0), sub.EndDate.UTC())
}

func TestBuyRejectsWrongAmountAndUnknownPlan(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)

	_, err := e.ledger.Buy(ctx, BuyRequest{UserID: user.ID, Plan: "GOLD", Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))

	_, err = e.ledger.Buy(ctx, BuyRequest{UserID: user.ID, Plan: models.PlanProIndividual, Amount: 100, Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))

	_, err = e.ledger.Buy(ctx, BuyRequest{UserID: user.ID, Plan: models.PlanProIndividual, Provider: "cash"})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
}

// Scenario C: a paid COMPANY_BIZ plan provisions its quotas exactly once.
func TestActivationProvisionsPlanQuotas(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "acme", models.AccountCompany)

	p := e.buy(t, user.ID, models.PlanCompanyBiz, models.BillingCycleMonthly)
	e.pay(t, p)

	views, err := e.quotas.Remaining(ctx, user.ID, models.QuotaCVViews)
	require.NoError(t, err)
	assert.Equal(t, 50, views)
	boosts, err := e.quotas.Remaining(ctx, user.ID, models.QuotaProfileBoosts)
	require.NoError(t, err)
	assert.Equal(t, 3, boosts)
	courses, err := e.quotas.Remaining(ctx, user.ID, models.QuotaCourseUploads)
	require.NoError(t, err)
	assert.Zero(t, courses)

	require.NoError(t, e.quotas.Increment(ctx, user.ID, models.QuotaCVViews, 1))

	// A redelivered confirmation must not reset the counters.
	s := e.pay(t, p)
	assert.False(t, s.Activated)
	views, err = e.quotas.Remaining(ctx, user.ID, models.QuotaCVViews)
	require.NoError(t, err)
	assert.Equal(t, 49, views)

	sub, err := e.ledger.GetActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, sub.PaymentHistory, 1)
}

func TestSecondPurchaseConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)

	e.pay(t, e.buy(t, user.ID, models.PlanProIndividual, models.BillingCycleMonthly))

	_, err := e.ledger.Buy(ctx, BuyRequest{UserID: user.ID, Plan: models.PlanCompanyBiz, Provider: testutil.GatewayName})
	require.Error(t, err)
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))
}

func TestConcurrentPendingPurchasesActivateOnlyOne(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)

	first := e.buy(t, user.ID, models.PlanProIndividual, models.BillingCycleMonthly)
	second := e.buy(t, user.ID, models.PlanProIndividual, models.BillingCycleYearly)

	e.pay(t, first)
	_, err := e.billing.ConfirmNotification(ctx, testutil.GatewayName, testutil.Paid(second.Payment.Reference, second.Payment.Amount))
	require.Error(t, err)
	assert.Equal(t, apperr.EMISMATCH, apperr.Code(err))

	intent, err := e.billing.GetIntent(ctx, user.ID, second.Payment.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.IntentReview, intent.Status)

	sub, err := e.repos.Subscription.GetByID(ctx, second.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPending, sub.Status)
}

func TestActivatePurchaseIsTotalOverStatuses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)
	now := e.clock.Now()

	cases := []struct {
		status    models.SubscriptionStatus
		activated bool
		code      string
	}{
		{models.SubscriptionActive, false, ""},
		{models.SubscriptionTrial, false, ""},
		{models.SubscriptionCancelled, false, apperr.ECONFLICT},
		{models.SubscriptionExpired, false, apperr.ECONFLICT},
		{models.SubscriptionSuspended, false, apperr.ECONFLICT},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			sub := testutil.CreateSubscription(t, e.db, user.ID, models.PlanProIndividual, tc.status, now.AddDate(-2, 0, 0), now.AddDate(-1, 0, 0))
			activated, err := e.ledger.Activate(ctx, sub.ID, models.PaymentRecord{})
			assert.Equal(t, tc.activated, activated)
			if tc.code == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tc.code, apperr.Code(err))
			}
		})
	}

	_, err := e.ledger.Activate(ctx, 9999, models.PaymentRecord{})
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))
}

func TestValidityIsReadFromEndDate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)
	e.pay(t, e.buy(t, user.ID, models.PlanProIndividual, models.BillingCycleMonthly))

	ok, err := e.ledger.VerifyPlan(ctx, user.ID, models.PlanProIndividual, models.PlanCompanyBiz)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.ledger.VerifyPlan(ctx, user.ID, models.PlanSchoolEdu)
	require.NoError(t, err)
	assert.False(t, ok)

	e.clock.Advance(31 * 24 * time.Hour)
	active, err := e.ledger.IsActive(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, active)

	// The row still says active until the sweep persists the expiry.
	subs, err := e.ledger.History(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.SubscriptionActive, subs[0].Status)

	n, err := e.ledger.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	subs, err = e.ledger.History(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionExpired, subs[0].Status)
}

func TestCancelKeepsAccessUntilPeriodEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)
	e.pay(t, e.buy(t, user.ID, models.PlanProIndividual, models.BillingCycleMonthly))

	sub, err := e.ledger.Cancel(ctx, user.ID, false)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.False(t, sub.AutoRenew)
	assert.NotNil(t, sub.CancelledAt)
	assert.Equal(t, models.SubscriptionActive, sub.Status)

	_, err = e.ledger.Cancel(ctx, user.ID, false)
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))

	active, err := e.ledger.IsActive(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, active)

	e.clock.Advance(31 * 24 * time.Hour)
	_, err = e.ledger.ExpireLapsed(ctx)
	require.NoError(t, err)
	got, err := e.repos.Subscription.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, got.Status)
}

func TestCancelImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)
	e.pay(t, e.buy(t, user.ID, models.PlanProIndividual, models.BillingCycleMonthly))

	sub, err := e.ledger.Cancel(ctx, user.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, sub.Status)

	e.clock.Advance(time.Second)
	active, err := e.ledger.IsActive(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = e.ledger.Cancel(ctx, user.ID, true)
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))
}

func TestCreateTrial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "lycee", models.AccountSchool)

	sub, err := e.ledger.CreateTrial(ctx, user.ID, models.PlanSchoolEdu)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionTrial, sub.Status)
	assert.Zero(t, sub.Price)
	assert.Equal(t, e.clock.Now().AddDate(0, 0, 30), sub.EndDate.UTC())

	slots, err := e.quotas.Remaining(ctx, user.ID, models.QuotaStudentSlots)
	require.NoError(t, err)
	assert.Equal(t, 100, slots)

	_, err = e.ledger.CreateTrial(ctx, user.ID, models.PlanSchoolEdu)
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))
	_, err = e.ledger.Buy(ctx, BuyRequest{UserID: user.ID, Plan: models.PlanSchoolEdu, Provider: testutil.GatewayName})
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))
}

func TestSandboxActivatesThroughReconciliation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, e.db, "ada", models.AccountIndividual)

	p, err := e.ledger.Buy(ctx, BuyRequest{UserID: user.ID, Plan: models.PlanProIndividual, Provider: models.ProviderSandbox})
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, p.Subscription.Status)
	assert.Equal(t, models.IntentSucceeded, p.Payment.Status)

	active, err := e.ledger.IsActive(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, active)
}
