// Package subscription manages premium plan purchases and their lifecycle:
// pending until paid, then active (or trial) until the end date passes.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/billing"
	"github.com/ManuelReschke/Talentis/internal/pkg/catalog"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/quota"
)

type Ledger struct {
	repos   *repository.Repositories
	billing *billing.Service
	quotas  *quota.Ledger
	catalog *catalog.Catalog
	now     func() time.Time
}

func NewLedger(repos *repository.Repositories, billingSvc *billing.Service, quotas *quota.Ledger, cat *catalog.Catalog) *Ledger {
	return &Ledger{
		repos:   repos,
		billing: billingSvc,
		quotas:  quotas,
		catalog: cat,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// BuyRequest describes a plan purchase. Amount is optional; when set it
// must match the catalog price.
type BuyRequest struct {
	UserID   uint
	Plan     models.Plan
	Cycle    models.BillingCycle
	Provider string
	Amount   int64
	Payer    gateway.Payer
}

// Purchase bundles the pending subscription with the payment handle.
type Purchase struct {
	Subscription *models.Subscription `json:"subscription"`
	Payment      *billing.Checkout    `json:"payment"`
}

// IsActive reports whether the user holds an active or trial subscription
// whose end date has not passed. Expiry is read from the end date, not from
// the persisted status.
func (l *Ledger) IsActive(ctx context.Context, userID uint) (bool, error) {
	sub, err := l.GetActive(ctx, userID)
	if err != nil {
		return false, err
	}
	return sub != nil, nil
}

// GetActive returns the entitling subscription with the latest end date, or
// nil when there is none.
func (l *Ledger) GetActive(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := l.repos.Subscription.FindActive(ctx, userID, l.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("subscription.GetActive", err)
	}
	return sub, nil
}

// VerifyPlan reports whether the user's active subscription is one of plans.
// An empty plan list accepts any active subscription.
func (l *Ledger) VerifyPlan(ctx context.Context, userID uint, plans ...models.Plan) (bool, error) {
	sub, err := l.GetActive(ctx, userID)
	if err != nil || sub == nil {
		return false, err
	}
	if len(plans) == 0 {
		return true, nil
	}
	for _, p := range plans {
		if sub.Plan == p {
			return true, nil
		}
	}
	return false, nil
}

// Buy creates a pending subscription and starts its payment. Users holding
// an active or trial subscription must cancel it first.
func (l *Ledger) Buy(ctx context.Context, req BuyRequest) (*Purchase, error) {
	const op = "subscription.Buy"
	spec, ok := l.catalog.Plan(req.Plan)
	if !ok {
		return nil, apperr.Invalid(op, fmt.Sprintf("Formule inconnue: %s", req.Plan))
	}
	if req.Cycle == "" {
		req.Cycle = models.BillingCycleMonthly
	}
	if !req.Cycle.Valid() {
		return nil, apperr.Invalid(op, fmt.Sprintf("Périodicité inconnue: %s", req.Cycle))
	}
	price, err := l.catalog.Price(req.Plan, req.Cycle)
	if err != nil {
		return nil, apperr.Invalid(op, err.Error())
	}
	if req.Amount != 0 && req.Amount != price {
		return nil, apperr.Invalid(op, fmt.Sprintf("Montant incorrect: %d %s attendus", price, l.catalog.Currency))
	}
	adapter, err := l.billing.Gateway(req.Provider)
	if err != nil {
		return nil, err
	}

	var sub *models.Subscription
	checkout, err := l.billing.Checkout(ctx, billing.CheckoutRequest{
		Kind:        models.PurchaseSubscription,
		UserID:      req.UserID,
		Amount:      price,
		Currency:    l.catalog.Currency,
		Provider:    adapter.Name(),
		Payer:       req.Payer,
		Description: fmt.Sprintf("Abonnement %s (%s)", spec.Name, req.Cycle),
	}, func(tx *repository.Repositories, reference string) (uint, error) {
		if err := l.ensureNoActive(ctx, tx, req.UserID, 0); err != nil {
			return 0, err
		}
		sub = &models.Subscription{
			UserID:         req.UserID,
			Plan:           req.Plan,
			Status:         models.SubscriptionPending,
			BillingCycle:   req.Cycle,
			Price:          price,
			Currency:       l.catalog.Currency,
			AutoRenew:      true,
			PaymentMethod:  adapter.Name(),
			TransactionRef: reference,
		}
		if err := tx.Subscription.Create(ctx, sub); err != nil {
			return 0, apperr.Internal(op, err)
		}
		return sub.ID, nil
	})
	if err != nil {
		return nil, err
	}

	// Instant providers have already activated the row.
	if fresh, err := l.repos.Subscription.GetByID(ctx, sub.ID); err == nil {
		sub = fresh
	}
	return &Purchase{Subscription: sub, Payment: checkout}, nil
}

// Activate activates a pending subscription outside of a payment
// notification, e.g. after an offline payment was checked by an operator.
func (l *Ledger) Activate(ctx context.Context, id uint, payment models.PaymentRecord) (bool, error) {
	var activated bool
	err := l.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		activated, err = l.ActivatePurchase(ctx, tx, id, payment)
		return err
	})
	return activated, err
}

// ActivatePurchase implements billing.Activator. It is total over the
// subscription statuses: pending rows are activated and provisioned, rows
// that already entitle are left alone and terminal rows are a conflict.
func (l *Ledger) ActivatePurchase(ctx context.Context, tx *repository.Repositories, id uint, payment models.PaymentRecord) (bool, error) {
	const op = "subscription.Activate"
	sub, err := tx.Subscription.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apperr.NotFound(op, "Abonnement introuvable")
	}
	if err != nil {
		return false, apperr.Internal(op, err)
	}

	switch sub.Status {
	case models.SubscriptionPending:
	case models.SubscriptionActive, models.SubscriptionTrial:
		return false, nil
	case models.SubscriptionCancelled, models.SubscriptionExpired, models.SubscriptionSuspended:
		return false, apperr.Conflict(op, fmt.Sprintf("L'abonnement est %s et ne peut plus être activé", sub.Status))
	default:
		return false, apperr.Internal(op, fmt.Errorf("unknown subscription status %q", sub.Status))
	}

	if err := l.ensureNoActive(ctx, tx, sub.UserID, sub.ID); err != nil {
		return false, err
	}

	start := payment.PaidAt
	if start.IsZero() {
		start = l.now()
	}
	start = start.UTC()
	end := catalog.PeriodEnd(start, sub.BillingCycle)
	if payment.Provider == "" {
		payment.Provider = sub.PaymentMethod
	}

	won, err := tx.Subscription.Activate(ctx, sub.ID, start, end, payment)
	if err != nil {
		return false, apperr.Internal(op, err)
	}
	if !won {
		return false, nil
	}
	if err := l.quotas.WithRepositories(tx).Provision(ctx, sub.UserID, sub.Plan); err != nil {
		return false, err
	}
	log.Infof("[Subscription] Activated #%d %s for user %d until %s", sub.ID, sub.Plan, sub.UserID, end.Format(time.RFC3339))
	return true, nil
}

// CreateTrial grants a free trial without payment and provisions its quotas.
func (l *Ledger) CreateTrial(ctx context.Context, userID uint, plan models.Plan) (*models.Subscription, error) {
	const op = "subscription.CreateTrial"
	if _, ok := l.catalog.Plan(plan); !ok {
		return nil, apperr.Invalid(op, fmt.Sprintf("Formule inconnue: %s", plan))
	}
	now := l.now()
	end := now.AddDate(0, 0, l.catalog.TrialDays)
	sub := &models.Subscription{
		UserID:        userID,
		Plan:          plan,
		Status:        models.SubscriptionTrial,
		BillingCycle:  models.BillingCycleMonthly,
		Currency:      l.catalog.Currency,
		StartDate:     &now,
		EndDate:       &end,
		PaymentMethod: models.ProviderTrial,
	}
	err := l.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := l.ensureNoActive(ctx, tx, userID, 0); err != nil {
			return err
		}
		if err := tx.Subscription.Create(ctx, sub); err != nil {
			return apperr.Internal(op, err)
		}
		return l.quotas.WithRepositories(tx).Provision(ctx, userID, plan)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Subscription] Trial %s granted to user %d until %s", plan, userID, end.Format(time.RFC3339))
	return sub, nil
}

// Cancel stops the user's active subscription. By default access continues
// until the end date and the sweep records the cancellation then; immediate
// cancellation ends access now.
func (l *Ledger) Cancel(ctx context.Context, userID uint, immediate bool) (*models.Subscription, error) {
	const op = "subscription.Cancel"
	sub, err := l.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperr.NotFound(op, "Aucun abonnement actif à résilier")
	}
	if sub.CancelAtPeriodEnd && !immediate {
		return nil, apperr.Conflict(op, "L'abonnement est déjà résilié")
	}

	now := l.now()
	updates := map[string]interface{}{
		"auto_renew":   false,
		"cancelled_at": now,
	}
	if immediate {
		updates["status"] = models.SubscriptionCancelled
		updates["end_date"] = now
		updates["cancel_at_period_end"] = false
	} else {
		updates["cancel_at_period_end"] = true
	}
	ok, err := l.repos.Subscription.Transition(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionTrial}, updates)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "L'abonnement a changé entre-temps, réessayez")
	}
	log.Infof("[Subscription] User %d cancelled #%d (immediate=%t)", userID, sub.ID, immediate)

	out, err := l.repos.Subscription.GetByID(ctx, sub.ID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return out, nil
}

// History lists all of a user's subscriptions, newest first.
func (l *Ledger) History(ctx context.Context, userID uint) ([]models.Subscription, error) {
	subs, err := l.repos.Subscription.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("subscription.History", err)
	}
	return subs, nil
}

// ExpireLapsed persists the terminal status of subscriptions past their end
// date and returns the number of rows changed.
func (l *Ledger) ExpireLapsed(ctx context.Context) (int64, error) {
	expired, cancelled, err := l.repos.Subscription.ExpireLapsed(ctx, l.now())
	if err != nil {
		return 0, apperr.Internal("subscription.ExpireLapsed", err)
	}
	if expired+cancelled > 0 {
		log.Infof("[Subscription] Sweep: %d expired, %d cancelled", expired, cancelled)
	}
	return expired + cancelled, nil
}

// ensureNoActive fails with Conflict when the user already holds an entitling
// subscription other than except.
func (l *Ledger) ensureNoActive(ctx context.Context, tx *repository.Repositories, userID, except uint) error {
	active, err := tx.Subscription.FindActive(ctx, userID, l.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Internal("subscription.ensureNoActive", err)
	}
	if active.ID == except {
		return nil
	}
	return apperr.Conflict("subscription.ensureNoActive",
		fmt.Sprintf("Vous avez déjà un abonnement %s actif jusqu'au %s, résiliez-le d'abord", active.Plan, active.EndDate.Format("02/01/2006")))
}
