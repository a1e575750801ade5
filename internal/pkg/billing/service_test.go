package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/testutil"
)

// fakeAdapter signs callbacks with a fixed header and reports whatever the
// test puts in the body.
type fakeAdapter struct {
	instant    bool
	notifToken string
	paid       bool
}

type fakeEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
	Amount    *int64 `json:"amount"`
	Token     string `json:"token"`
}

func (a *fakeAdapter) Name() string  { return "fake" }
func (a *fakeAdapter) Instant() bool { return a.instant }

func (a *fakeAdapter) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	return &gateway.InitiateResult{
		ProviderRef: "fk_" + req.Reference,
		RedirectURL: "https://pay.example/" + req.Reference,
		NotifToken:  a.notifToken,
	}, nil
}

func (a *fakeAdapter) Verify(ctx context.Context, req gateway.VerifyRequest) (bool, error) {
	return a.paid, nil
}

func (a *fakeAdapter) ParseWebhook(req gateway.WebhookRequest) (*gateway.Notification, error) {
	if req.Header("X-Fake-Signature") != "ok" {
		return nil, apperr.Unauthorized("fake.ParseWebhook", "bad signature")
	}
	var ev fakeEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, apperr.Invalid("fake.ParseWebhook", "bad payload")
	}
	return &gateway.Notification{
		EventID:    ev.ID,
		EventType:  ev.Type,
		Completed:  ev.Type == "paid",
		Failed:     ev.Type == "failed",
		Reference:  ev.Reference,
		Amount:     ev.Amount,
		Currency:   models.DefaultCurrency,
		NotifToken: ev.Token,
	}, nil
}

func (a *fakeAdapter) Ack(success bool) (int, map[string]any) {
	return http.StatusOK, map[string]any{"ok": success}
}

// packActivator activates recruitment packs directly through the repository.
type packActivator struct {
	calls int
}

func (a *packActivator) ActivatePurchase(ctx context.Context, tx *repository.Repositories, purchaseID uint, payment models.PaymentRecord) (bool, error) {
	a.calls++
	now := payment.PaidAt
	return tx.Pack.Activate(ctx, purchaseID, now, now.AddDate(1, 0, 0), payment.Provider)
}

type fixture struct {
	svc       *Service
	db        *gorm.DB
	repos     *repository.Repositories
	adapter   *fakeAdapter
	activator *packActivator
	user      *models.User
	clock     *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	adapter := &fakeAdapter{}
	activator := &packActivator{}
	clock := testutil.NewClock(time.Now())

	svc := NewService(repos, gateway.NewRegistry(adapter)).WithClock(clock.Now)
	svc.RegisterActivator(models.PurchasePack, activator)

	return &fixture{
		svc:       svc,
		db:        db,
		repos:     repos,
		adapter:   adapter,
		activator: activator,
		user:      testutil.CreateUser(t, db, "acme", models.AccountCompany),
		clock:     clock,
	}
}

func (f *fixture) checkout(t *testing.T) *Checkout {
	t.Helper()
	co, err := f.svc.Checkout(context.Background(), CheckoutRequest{
		Kind:     models.PurchasePack,
		UserID:   f.user.ID,
		Amount:   20000,
		Currency: models.DefaultCurrency,
		Provider: "fake",
	}, func(tx *repository.Repositories, reference string) (uint, error) {
		pack := &models.RecruitmentPack{
			CompanyID:        f.user.ID,
			Size:             models.PackSmall,
			TotalCredits:     5,
			RemainingCredits: 5,
			Price:            20000,
			Currency:         models.DefaultCurrency,
			PaymentMethod:    "fake",
			TransactionRef:   reference,
			Status:           models.PackPending,
			PurchaseDate:     f.clock.Now(),
		}
		err := tx.Pack.Create(context.Background(), pack)
		return pack.ID, err
	})
	require.NoError(t, err)
	return co
}

func (f *fixture) pack(t *testing.T, id uint) *models.RecruitmentPack {
	t.Helper()
	p, err := f.repos.Pack.GetByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) intent(t *testing.T, reference string) *models.PaymentIntent {
	t.Helper()
	intent, err := NewRepository(f.db).GetIntentByReference(context.Background(), reference)
	require.NoError(t, err)
	return intent
}

func webhook(t *testing.T, ev fakeEvent, signed bool) gateway.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	headers := map[string]string{}
	if signed {
		headers["x-fake-signature"] = "ok"
	}
	return gateway.WebhookRequest{Headers: headers, Body: body}
}

func amount(v int64) *int64 { return &v }

func TestCheckoutCreatesPendingPurchaseAndIntent(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)

	assert.Equal(t, models.IntentPending, co.Status)
	assert.Equal(t, "fk_"+co.Reference, co.ProviderRef)
	assert.Equal(t, "https://pay.example/"+co.Reference, co.RedirectURL)

	intent := f.intent(t, co.Reference)
	assert.Equal(t, models.PurchasePack, intent.PurchaseKind)
	assert.Equal(t, co.PurchaseID, intent.PurchaseID)
	assert.Equal(t, int64(20000), intent.Amount)
	assert.Empty(t, intent.NotifTokenHash)

	p := f.pack(t, co.PurchaseID)
	assert.Equal(t, models.PackPending, p.Status)
	assert.Equal(t, co.Reference, p.TransactionRef)
}

func TestCheckoutRejectsUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), CheckoutRequest{
		Kind:     models.PurchasePack,
		UserID:   f.user.ID,
		Amount:   100,
		Provider: "paypal",
	}, func(tx *repository.Repositories, reference string) (uint, error) {
		t.Fatal("purchase must not be created")
		return 0, nil
	})
	require.Error(t, err)
	assert.Equal(t, apperr.EINVALID, apperr.Code(err))
}

func TestWebhookActivatesOnceAcrossRetries(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)
	ctx := context.Background()

	req := webhook(t, fakeEvent{ID: "evt_1", Type: "paid", Reference: co.Reference, Amount: amount(20000)}, true)
	res := f.svc.HandleWebhook(ctx, "fake", req)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.Body["ok"])

	p := f.pack(t, co.PurchaseID)
	assert.Equal(t, models.PackActive, p.Status)
	assert.Equal(t, "fake", p.PaymentMethod)
	require.NotNil(t, p.ExpiryDate)
	assert.Equal(t, models.IntentSucceeded, f.intent(t, co.Reference).Status)

	// Same event delivered again, then a fresh event for the same payment.
	res = f.svc.HandleWebhook(ctx, "fake", req)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.Body["ok"])

	res = f.svc.HandleWebhook(ctx, "fake", webhook(t, fakeEvent{ID: "evt_2", Type: "paid", Reference: co.Reference, Amount: amount(20000)}, true))
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.Body["ok"])

	assert.Equal(t, 1, f.activator.calls)

	var events []models.BillingWebhookEvent
	require.NoError(t, f.db.Order("id ASC").Find(&events).Error)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, models.WebhookOutcomeProcessed, ev.Outcome)
		assert.Equal(t, co.Reference, ev.Reference)
		assert.NotNil(t, ev.ProcessedAt)
	}
}

func TestWebhookAmountMismatchFlagsReview(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)

	res := f.svc.HandleWebhook(context.Background(), "fake",
		webhook(t, fakeEvent{ID: "evt_low", Type: "paid", Reference: co.Reference, Amount: amount(2000)}, true))
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, false, res.Body["ok"])

	intent := f.intent(t, co.Reference)
	assert.Equal(t, models.IntentReview, intent.Status)
	assert.Contains(t, intent.ReviewReason, "2000")
	assert.Equal(t, models.PackPending, f.pack(t, co.PurchaseID).Status)
	assert.Zero(t, f.activator.calls)

	var ev models.BillingWebhookEvent
	require.NoError(t, f.db.Where("provider_event_id = ?", "evt_low").First(&ev).Error)
	assert.Equal(t, models.WebhookOutcomeMismatch, ev.Outcome)
}

func TestWebhookBadSignatureIsRejected(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)

	res := f.svc.HandleWebhook(context.Background(), "fake",
		webhook(t, fakeEvent{ID: "evt_forged", Type: "paid", Reference: co.Reference, Amount: amount(20000)}, false))
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, models.PackPending, f.pack(t, co.PurchaseID).Status)

	var ev models.BillingWebhookEvent
	require.NoError(t, f.db.First(&ev).Error)
	assert.False(t, ev.SignatureValid)
	assert.Equal(t, models.WebhookOutcomeRejected, ev.Outcome)
	assert.Contains(t, ev.ProviderEventID, "hash:")
}

func TestWebhookMalformedPayload(t *testing.T) {
	f := newFixture(t)
	res := f.svc.HandleWebhook(context.Background(), "fake", gateway.WebhookRequest{
		Headers: map[string]string{"X-Fake-Signature": "ok"},
		Body:    []byte("{not json"),
	})
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

func TestWebhookUnknownReference(t *testing.T) {
	f := newFixture(t)
	res := f.svc.HandleWebhook(context.Background(), "fake",
		webhook(t, fakeEvent{ID: "evt_x", Type: "paid", Reference: "nope", Amount: amount(1)}, true))
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, false, res.Body["ok"])

	var ev models.BillingWebhookEvent
	require.NoError(t, f.db.First(&ev).Error)
	assert.Equal(t, models.WebhookOutcomeFailed, ev.Outcome)
}

func TestWebhookFailureExpiresPurchase(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)

	res := f.svc.HandleWebhook(context.Background(), "fake",
		webhook(t, fakeEvent{ID: "evt_fail", Type: "failed", Reference: co.Reference}, true))
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, true, res.Body["ok"])

	assert.Equal(t, models.IntentFailed, f.intent(t, co.Reference).Status)
	assert.Equal(t, models.PackExpired, f.pack(t, co.PurchaseID).Status)
}

func TestNotifTokenMustMatch(t *testing.T) {
	f := newFixture(t)
	f.adapter.notifToken = "s3cret"
	co := f.checkout(t)
	ctx := context.Background()

	assert.Equal(t, gateway.HashToken("s3cret"), f.intent(t, co.Reference).NotifTokenHash)

	_, err := f.svc.ConfirmNotification(ctx, "fake", &gateway.Notification{
		Completed:  true,
		Reference:  co.Reference,
		Amount:     amount(20000),
		NotifToken: "guess",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.EUNAUTHORIZED, apperr.Code(err))
	assert.Equal(t, models.PackPending, f.pack(t, co.PurchaseID).Status)

	s, err := f.svc.ConfirmNotification(ctx, "fake", &gateway.Notification{
		Completed:  true,
		Reference:  co.Reference,
		Amount:     amount(20000),
		NotifToken: "s3cret",
	})
	require.NoError(t, err)
	assert.True(t, s.Activated)
}

func TestConfirmWithoutAmountAsksProvider(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)
	ctx := context.Background()
	n := &gateway.Notification{Completed: true, Reference: co.Reference}

	_, err := f.svc.ConfirmNotification(ctx, "fake", n)
	require.Error(t, err)
	assert.Equal(t, apperr.EMISMATCH, apperr.Code(err))
	assert.Equal(t, models.IntentPending, f.intent(t, co.Reference).Status)

	f.adapter.paid = true
	s, err := f.svc.ConfirmNotification(ctx, "fake", n)
	require.NoError(t, err)
	assert.Equal(t, models.IntentSucceeded, s.Status)
}

func TestInstantProviderActivatesAtCheckout(t *testing.T) {
	f := newFixture(t)
	f.adapter.instant = true
	co := f.checkout(t)

	assert.Equal(t, models.IntentSucceeded, co.Status)
	assert.Equal(t, models.PackActive, f.pack(t, co.PurchaseID).Status)
	assert.Equal(t, 1, f.activator.calls)
}

func TestVerifyPayment(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)
	ctx := context.Background()

	s, err := f.svc.VerifyPayment(ctx, f.user.ID, co.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.IntentPending, s.Status)

	_, err = f.svc.VerifyPayment(ctx, f.user.ID+1, co.Reference)
	assert.Equal(t, apperr.ENOTFOUND, apperr.Code(err))

	f.adapter.paid = true
	s, err = f.svc.VerifyPayment(ctx, f.user.ID, co.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.IntentSucceeded, s.Status)
	assert.True(t, s.Activated)
	assert.Equal(t, models.PackActive, f.pack(t, co.PurchaseID).Status)
}

func TestExpireStalePendingAndLatePayment(t *testing.T) {
	f := newFixture(t)
	co := f.checkout(t)
	ctx := context.Background()

	n, err := f.svc.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(DefaultPendingTimeout + time.Hour)
	n, err = f.svc.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.IntentExpired, f.intent(t, co.Reference).Status)
	assert.Equal(t, models.PackExpired, f.pack(t, co.PurchaseID).Status)

	// The buyer paid after all: the money is kept for manual handling.
	_, err = f.svc.ConfirmNotification(ctx, "fake", &gateway.Notification{
		Completed: true,
		Reference: co.Reference,
		Amount:    amount(20000),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.EMISMATCH, apperr.Code(err))
	assert.Equal(t, models.IntentReview, f.intent(t, co.Reference).Status)
	assert.Equal(t, models.PackExpired, f.pack(t, co.PurchaseID).Status)
	assert.Zero(t, f.activator.calls)
}
