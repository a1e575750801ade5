package recruitment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
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
	"github.com/ManuelReschke/Talentis/internal/pkg/testutil"
)

const (
	payTechKey    = "pk_test"
	payTechSecret = "sk_test"
)

type env struct {
	ledger  *Ledger
	billing *billing.Service
	repos   *repository.Repositories
	db      *gorm.DB
	clock   *testutil.Clock
	company *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	clock := testutil.NewClock(time.Date(2026, time.May, 4, 9, 30, 0, 0, time.UTC))

	paytechAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		token := fmt.Sprintf("tok_%v", in["ref_command"])
		_ = json.NewEncoder(w).Encode(map[string]any{"success": 1, "token": token, "redirect_url": "https://paytech.test/pay/" + token})
	}))
	t.Cleanup(paytechAPI.Close)

	registry := gateway.NewRegistry(
		&testutil.Gateway{},
		gateway.NewPayTechAdapter(gateway.PayTechConfig{APIKey: payTechKey, APISecret: payTechSecret, APIBaseURL: paytechAPI.URL}),
	)
	svc := billing.NewService(repos, registry).WithClock(clock.Now)
	ledger := NewLedger(repos, svc, catalog.MustDefault()).WithClock(clock.Now)
	svc.RegisterActivator(models.PurchasePack, ledger)

	return &env{
		ledger:  ledger,
		billing: svc,
		repos:   repos,
		db:      db,
		clock:   clock,
		company: testutil.CreateUser(t, db, "acme", models.AccountCompany),
	}
}

// activePack buys and pays a pack through the test gateway.
func (e *env) activePack(t *testing.T, size models.PackSize) *models.RecruitmentPack {
	t.Helper()
	ctx := context.Background()
	p, err := e.ledger.Purchase(ctx, PurchaseRequest{CompanyID: e.company.ID, Size: size, Provider: testutil.GatewayName})
	require.NoError(t, err)
	_, err = e.billing.ConfirmNotification(ctx, testutil.GatewayName, testutil.Paid(p.Payment.Reference, p.Payment.Amount))
	require.NoError(t, err)
	pack, err := e.repos.Pack.GetByID(ctx, p.Pack.ID)
	require.NoError(t, err)
	require.Equal(t, models.PackActive, pack.Status)
	return pack
}

func conserved(t *testing.T, p *models.RecruitmentPack) {
	t.Helper()
	assert.Equal(t, p.TotalCredits, p.UsedCredits+p.RemainingCredits, "pack #%d", p.ID)
	assert.GreaterOrEqual(t, p.RemainingCredits, 0)
}

// Scenario B: a SMALL pack paid through PayTech, then spent to depletion.
func TestPackPaidByIPNThenConsumed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.ledger.Purchase(ctx, PurchaseRequest{CompanyID: e.company.ID, Size: models.PackSmall, Provider: models.ProviderPayTech})
	require.NoError(t, err)
	assert.Equal(t, models.PackPending, p.Pack.Status)
	assert.Equal(t, 5, p.Pack.RemainingCredits)
	assert.Equal(t, int64(20000), p.Pack.Price)
	assert.Equal(t, "tok_"+p.Payment.Reference, p.Payment.ProviderRef)

	_, err = e.ledger.ConsumeCredit(ctx, e.company.ID, "job-0")
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))

	custom, _ := json.Marshal(map[string]string{"reference": p.Payment.Reference})
	form := url.Values{}
	form.Set("type_event", "sale_complete")
	form.Set("ref_command", p.Payment.Reference)
	form.Set("item_price", "20000")
	form.Set("currency", "xof")
	form.Set("token", p.Payment.ProviderRef)
	form.Set("custom_field", string(custom))
	form.Set("payment_method", "Orange Money")
	form.Set("api_key_sha256", gateway.HashToken(payTechKey))
	form.Set("api_secret_sha256", gateway.HashToken(payTechSecret))
	ipn := gateway.WebhookRequest{
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(form.Encode()),
	}

	res := e.billing.HandleWebhook(ctx, models.ProviderPayTech, ipn)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, 1, res.Body["success"])

	// PayTech retries the IPN; nothing changes.
	res = e.billing.HandleWebhook(ctx, models.ProviderPayTech, ipn)
	assert.Equal(t, 1, res.Body["success"])

	pack, err := e.repos.Pack.GetByID(ctx, p.Pack.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PackActive, pack.Status)
	assert.Equal(t, models.ProviderPayTech, pack.PaymentMethod)
	require.NotNil(t, pack.ExpiryDate)
	assert.Equal(t, e.clock.Now().AddDate(0, 0, 365), pack.ExpiryDate.UTC())

	total, err := e.ledger.TotalRemaining(ctx, e.company.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	for i := 1; i <= 5; i++ {
		got, err := e.ledger.ConsumeCredit(ctx, e.company.ID, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		conserved(t, got)
		assert.Equal(t, 5-i, got.RemainingCredits)
		if i < 5 {
			assert.Equal(t, models.PackActive, got.Status)
		}
	}

	pack, err = e.repos.Pack.GetByID(ctx, p.Pack.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PackDepleted, pack.Status)
	assert.Equal(t, []string{"job-1", "job-2", "job-3", "job-4", "job-5"}, pack.JobIDs())

	_, err = e.ledger.ConsumeCredit(ctx, e.company.ID, "job-6")
	require.Error(t, err)
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))
}

func TestPurchaseValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.ledger.Purchase(ctx, PurchaseRequest{CompanyID: e.company.ID, Size: "HUGE", Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))

	_, err = e.ledger.Purchase(ctx, PurchaseRequest{CompanyID: e.company.ID, Size: models.PackMedium, Amount: 1, Provider: testutil.GatewayName})
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))

	p, err := e.ledger.Purchase(ctx, PurchaseRequest{CompanyID: e.company.ID, Size: models.PackMedium, Amount: 35000, Provider: testutil.GatewayName})
	require.NoError(t, err)
	assert.Equal(t, 10, p.Pack.TotalCredits)
}

func TestConsumeIsFIFOAcrossPacks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.activePack(t, models.PackSmall)
	e.clock.Advance(time.Hour)
	second := e.activePack(t, models.PackMedium)

	active, err := e.ledger.GetActivePack(ctx, e.company.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	total, err := e.ledger.TotalRemaining(ctx, e.company.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, total)

	for i := 0; i < 6; i++ {
		got, err := e.ledger.ConsumeCredit(ctx, e.company.ID, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		if i < 5 {
			assert.Equal(t, first.ID, got.ID)
		} else {
			assert.Equal(t, second.ID, got.ID)
			assert.Equal(t, 9, got.RemainingCredits)
		}
	}

	packs, err := e.ledger.ListActive(ctx, e.company.ID)
	require.NoError(t, err)
	require.Len(t, packs, 1)
	assert.Equal(t, second.ID, packs[0].ID)
}

func TestSameJobIsChargedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activePack(t, models.PackSmall)

	_, err := e.ledger.ConsumeCredit(ctx, e.company.ID, "job-42")
	require.NoError(t, err)
	_, err = e.ledger.ConsumeCredit(ctx, e.company.ID, "job-42")
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))

	_, err = e.ledger.ConsumeCredit(ctx, e.company.ID, "  ")
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))

	total, err := e.ledger.TotalRemaining(ctx, e.company.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestExpiredPackIsSkippedAndFlipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pack := e.activePack(t, models.PackSmall)

	e.clock.Advance(366 * 24 * time.Hour)

	total, err := e.ledger.TotalRemaining(ctx, e.company.ID)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Not swept yet, but no longer usable.
	packs, err := e.ledger.ListActive(ctx, e.company.ID)
	require.NoError(t, err)
	assert.Empty(t, packs)

	_, err = e.ledger.ConsumeCredit(ctx, e.company.ID, "job-late")
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))

	got, err := e.repos.Pack.GetByID(ctx, pack.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PackExpired, got.Status)
	assert.Equal(t, 5, got.RemainingCredits)
	conserved(t, got)
}

func TestExpireLapsedSweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.activePack(t, models.PackSmall)
	e.activePack(t, models.PackLarge)

	n, err := e.ledger.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock.Advance(400 * 24 * time.Hour)
	n, err = e.ledger.ExpireLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestConcurrentConsumptionConservesCredits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pack := e.activePack(t, models.PackSmall)

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		notFound int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ledger.ConsumeCredit(ctx, e.company.ID, fmt.Sprintf("job-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.Code(err) == apperr.ENOTFOUND:
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, workers-5, notFound)

	got, err := e.repos.Pack.GetByID(ctx, pack.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RemainingCredits)
	assert.Equal(t, models.PackDepleted, got.Status)
	assert.Len(t, got.Usages, 5)
	conserved(t, got)
}

func TestActivateExpiredPackConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.ledger.Purchase(ctx, PurchaseRequest{CompanyID: e.company.ID, Size: models.PackSmall, Provider: testutil.GatewayName})
	require.NoError(t, err)
	_, err = e.repos.Pack.ExpirePending(ctx, []uint{p.Pack.ID})
	require.NoError(t, err)

	err = e.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		_, err := e.ledger.ActivatePurchase(ctx, tx, p.Pack.ID, models.PaymentRecord{})
		return err
	})
	assert.Equal(t, apperr.ECONFLICT, apperr.Code(err))
}
