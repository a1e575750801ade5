// Package boost sells time-limited visibility boosts on profiles, jobs,
// trainings and applications.
package boost

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// Recorder buffers analytics increments.
type Recorder interface {
	Add(ctx context.Context, boostID uint, event models.BoostEvent) error
}

type Ledger struct {
	repos    *repository.Repositories
	billing  *billing.Service
	quotas   *quota.Ledger
	catalog  *catalog.Catalog
	counters Recorder
	now      func() time.Time
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

// WithCounters buffers RecordEvent through r instead of writing each event
// to the database.
func (l *Ledger) WithCounters(r Recorder) *Ledger {
	l.counters = r
	return l
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

type PurchaseRequest struct {
	OwnerID  uint
	Kind     models.BoostKind
	TargetID string
	Provider string
	Amount   int64
	Payer    gateway.Payer
}

type Purchase struct {
	Boost   *models.Boost     `json:"boost"`
	Payment *billing.Checkout `json:"payment"`
}

func (l *Ledger) spec(op string, kind models.BoostKind, targetID string) (catalog.BoostSpec, error) {
	spec, ok := l.catalog.Boost(kind)
	if !ok {
		return spec, apperr.Invalid(op, fmt.Sprintf("Boost inconnu: %s", kind))
	}
	if strings.TrimSpace(targetID) == "" {
		return spec, apperr.Invalid(op, "Cible du boost manquante")
	}
	return spec, nil
}

// Purchase creates a pending boost paid through a provider. It starts when
// the payment is confirmed.
func (l *Ledger) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	const op = "boost.Purchase"
	spec, err := l.spec(op, req.Kind, req.TargetID)
	if err != nil {
		return nil, err
	}
	if req.Amount != 0 && req.Amount != spec.Price {
		return nil, apperr.Invalid(op, fmt.Sprintf("Montant incorrect: %d %s attendus", spec.Price, l.catalog.Currency))
	}
	adapter, err := l.billing.Gateway(req.Provider)
	if err != nil {
		return nil, err
	}

	var b *models.Boost
	checkout, err := l.billing.Checkout(ctx, billing.CheckoutRequest{
		Kind:        models.PurchaseBoost,
		UserID:      req.OwnerID,
		Amount:      spec.Price,
		Currency:    l.catalog.Currency,
		Provider:    adapter.Name(),
		Payer:       req.Payer,
		Description: fmt.Sprintf("Boost %s (%d jours)", req.Kind, spec.Days),
	}, func(tx *repository.Repositories, reference string) (uint, error) {
		b = &models.Boost{
			OwnerID:        req.OwnerID,
			Kind:           req.Kind,
			TargetType:     spec.Target,
			TargetID:       strings.TrimSpace(req.TargetID),
			Price:          spec.Price,
			Currency:       l.catalog.Currency,
			PaymentMethod:  adapter.Name(),
			TransactionRef: reference,
			Status:         models.BoostPending,
			DurationDays:   spec.Days,
		}
		if err := tx.Boost.Create(ctx, b); err != nil {
			return 0, apperr.Internal(op, err)
		}
		return b.ID, nil
	})
	if err != nil {
		return nil, err
	}
	if fresh, err := l.repos.Boost.GetByID(ctx, b.ID); err == nil {
		b = fresh
	}
	return &Purchase{Boost: b, Payment: checkout}, nil
}

// ActivateWithQuota spends one unit of the plan's boost allowance and starts
// the boost right away. The quota increment and the boost row commit
// together.
func (l *Ledger) ActivateWithQuota(ctx context.Context, ownerID uint, kind models.BoostKind, targetID string) (*models.Boost, error) {
	const op = "boost.ActivateWithQuota"
	spec, err := l.spec(op, kind, targetID)
	if err != nil {
		return nil, err
	}
	if spec.QuotaKind == "" {
		return nil, apperr.Invalid(op, fmt.Sprintf("Le boost %s ne peut pas être payé avec un quota", kind))
	}

	now := l.now()
	end := now.AddDate(0, 0, spec.Days)
	b := &models.Boost{
		OwnerID:       ownerID,
		Kind:          kind,
		TargetType:    spec.Target,
		TargetID:      strings.TrimSpace(targetID),
		Currency:      l.catalog.Currency,
		PaymentMethod: models.ProviderQuota,
		Status:        models.BoostActive,
		DurationDays:  spec.Days,
		StartDate:     &now,
		EndDate:       &end,
	}
	err = l.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := l.quotas.WithRepositories(tx).Increment(ctx, ownerID, spec.QuotaKind, 1); err != nil {
			if apperr.HasCode(err, apperr.ENOTFOUND) {
				return apperr.Forbidden(op, apperr.ReasonNoSubscription,
					fmt.Sprintf("Votre offre n'inclut pas de %s. Achetez ce boost ou passez à une offre premium.", spec.QuotaKind))
			}
			return err
		}
		return tx.Boost.Create(ctx, b)
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.Internal(op, err)
	}
	log.Infof("[Boost] %s on %s %s started from quota by user %d", kind, spec.Target, b.TargetID, ownerID)
	return b, nil
}

// ActivatePurchase implements billing.Activator.
func (l *Ledger) ActivatePurchase(ctx context.Context, tx *repository.Repositories, id uint, payment models.PaymentRecord) (bool, error) {
	const op = "boost.Activate"
	b, err := tx.Boost.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apperr.NotFound(op, "Boost introuvable")
	}
	if err != nil {
		return false, apperr.Internal(op, err)
	}

	switch b.Status {
	case models.BoostPending:
	case models.BoostActive:
		return false, nil
	case models.BoostExpired, models.BoostCancelled:
		return false, apperr.Conflict(op, fmt.Sprintf("Le boost est %s et ne peut plus être activé", b.Status))
	default:
		return false, apperr.Internal(op, fmt.Errorf("unknown boost status %q", b.Status))
	}

	start := payment.PaidAt
	if start.IsZero() {
		start = l.now()
	}
	method := payment.Provider
	if method == "" {
		method = b.PaymentMethod
	}
	won, err := tx.Boost.Activate(ctx, id, start, start.AddDate(0, 0, b.DurationDays), method)
	if err != nil {
		return false, apperr.Internal(op, err)
	}
	return won, nil
}

// IsActive reports whether the boost is running now.
func (l *Ledger) IsActive(ctx context.Context, id uint) (bool, error) {
	b, err := l.get(ctx, "boost.IsActive", id)
	if err != nil {
		return false, err
	}
	return b.IsActive(l.now()), nil
}

func (l *Ledger) Get(ctx context.Context, id uint) (*models.Boost, error) {
	return l.get(ctx, "boost.Get", id)
}

// GetOwned returns the boost only to its owner. Other callers get NotFound.
func (l *Ledger) GetOwned(ctx context.Context, ownerID, id uint) (*models.Boost, error) {
	const op = "boost.GetOwned"
	b, err := l.get(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if b.OwnerID != ownerID {
		return nil, apperr.NotFound(op, "Boost introuvable")
	}
	return b, nil
}

// ListActive returns the boosts currently running on a target.
func (l *Ledger) ListActive(ctx context.Context, target models.BoostTarget, targetID string) ([]models.Boost, error) {
	out, err := l.repos.Boost.ListActiveForTarget(ctx, target, targetID, l.now())
	if err != nil {
		return nil, apperr.Internal("boost.ListActive", err)
	}
	return out, nil
}

// Cancel stops a pending or running boost of the owner. Quota spent on it is
// not refunded.
func (l *Ledger) Cancel(ctx context.Context, ownerID, id uint) error {
	ok, err := l.repos.Boost.Cancel(ctx, id, ownerID)
	if err != nil {
		return apperr.Internal("boost.Cancel", err)
	}
	if !ok {
		return apperr.NotFound("boost.Cancel", "Boost introuvable ou déjà terminé")
	}
	return nil
}

// RecordEvent counts an analytics event on an active boost.
func (l *Ledger) RecordEvent(ctx context.Context, id uint, event models.BoostEvent) error {
	const op = "boost.RecordEvent"
	column, ok := event.Column()
	if !ok {
		return apperr.Invalid(op, fmt.Sprintf("Événement inconnu: %s", event))
	}
	b, err := l.get(ctx, op, id)
	if err != nil {
		return err
	}
	if !b.IsActive(l.now()) {
		return apperr.Conflict(op, "Le boost n'est pas actif")
	}

	if l.counters != nil {
		err := l.counters.Add(ctx, id, event)
		if err == nil {
			return nil
		}
		log.Warnf("[Boost] Counter buffer unavailable, writing %s for #%d directly: %v", event, id, err)
	}
	if err := l.repos.Boost.AddCounter(ctx, id, column, 1); err != nil {
		return apperr.Internal(op, err)
	}
	return nil
}

// ExpireLapsed flips running boosts past their end date to expired.
func (l *Ledger) ExpireLapsed(ctx context.Context) (int64, error) {
	n, err := l.repos.Boost.ExpireLapsed(ctx, l.now())
	if err != nil {
		return 0, apperr.Internal("boost.ExpireLapsed", err)
	}
	if n > 0 {
		log.Infof("[Boost] Sweep: %d boosts expired", n)
	}
	return n, nil
}

func (l *Ledger) get(ctx context.Context, op string, id uint) (*models.Boost, error) {
	b, err := l.repos.Boost.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "Boost introuvable")
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return b, nil
}
