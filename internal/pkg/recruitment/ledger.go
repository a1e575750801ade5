// Package recruitment sells prepaid packs of job-publication credits to
// companies and spends them oldest pack first.
package recruitment

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
)

// consumeAttempts bounds how often ConsumeCredit moves on to the next pack
// when the selected one was drained by a concurrent request.
const consumeAttempts = 3

var errNoPack = errors.New("no usable pack")

type Ledger struct {
	repos   *repository.Repositories
	billing *billing.Service
	catalog *catalog.Catalog
	now     func() time.Time
}

func NewLedger(repos *repository.Repositories, billingSvc *billing.Service, cat *catalog.Catalog) *Ledger {
	return &Ledger{
		repos:   repos,
		billing: billingSvc,
		catalog: cat,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

type PurchaseRequest struct {
	CompanyID uint
	Size      models.PackSize
	Provider  string
	Amount    int64
	Payer     gateway.Payer
}

type Purchase struct {
	Pack    *models.RecruitmentPack `json:"pack"`
	Payment *billing.Checkout       `json:"payment"`
}

// Purchase creates a pending pack and starts its payment. The pack only
// becomes usable once the payment is reconciled, for every provider.
func (l *Ledger) Purchase(ctx context.Context, req PurchaseRequest) (*Purchase, error) {
	const op = "recruitment.Purchase"
	spec, ok := l.catalog.Pack(req.Size)
	if !ok {
		return nil, apperr.Invalid(op, fmt.Sprintf("Pack inconnu: %s", req.Size))
	}
	if req.Amount != 0 && req.Amount != spec.Price {
		return nil, apperr.Invalid(op, fmt.Sprintf("Montant incorrect: %d %s attendus", spec.Price, l.catalog.Currency))
	}
	adapter, err := l.billing.Gateway(req.Provider)
	if err != nil {
		return nil, err
	}

	var pack *models.RecruitmentPack
	checkout, err := l.billing.Checkout(ctx, billing.CheckoutRequest{
		Kind:        models.PurchasePack,
		UserID:      req.CompanyID,
		Amount:      spec.Price,
		Currency:    l.catalog.Currency,
		Provider:    adapter.Name(),
		Payer:       req.Payer,
		Description: fmt.Sprintf("Pack recrutement %s (%d offres)", req.Size, spec.Credits),
	}, func(tx *repository.Repositories, reference string) (uint, error) {
		pack = &models.RecruitmentPack{
			CompanyID:        req.CompanyID,
			Size:             req.Size,
			TotalCredits:     spec.Credits,
			RemainingCredits: spec.Credits,
			Price:            spec.Price,
			Currency:         l.catalog.Currency,
			PaymentMethod:    adapter.Name(),
			TransactionRef:   reference,
			Status:           models.PackPending,
			PurchaseDate:     l.now(),
		}
		if err := tx.Pack.Create(ctx, pack); err != nil {
			return 0, apperr.Internal(op, err)
		}
		return pack.ID, nil
	})
	if err != nil {
		return nil, err
	}
	if fresh, err := l.repos.Pack.GetByID(ctx, pack.ID); err == nil {
		pack = fresh
	}
	return &Purchase{Pack: pack, Payment: checkout}, nil
}

// ActivatePurchase implements billing.Activator. The validity window starts
// when the payment is confirmed.
func (l *Ledger) ActivatePurchase(ctx context.Context, tx *repository.Repositories, id uint, payment models.PaymentRecord) (bool, error) {
	const op = "recruitment.Activate"
	pack, err := tx.Pack.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apperr.NotFound(op, "Pack introuvable")
	}
	if err != nil {
		return false, apperr.Internal(op, err)
	}

	switch pack.Status {
	case models.PackPending:
	case models.PackActive, models.PackDepleted:
		return false, nil
	case models.PackExpired:
		return false, apperr.Conflict(op, "Le pack a expiré avant la confirmation du paiement")
	default:
		return false, apperr.Internal(op, fmt.Errorf("unknown pack status %q", pack.Status))
	}

	spec, ok := l.catalog.Pack(pack.Size)
	if !ok {
		return false, apperr.Internal(op, fmt.Errorf("pack size %q missing from catalog %s", pack.Size, l.catalog.Version))
	}
	now := payment.PaidAt
	if now.IsZero() {
		now = l.now()
	}
	method := payment.Provider
	if method == "" {
		method = pack.PaymentMethod
	}
	won, err := tx.Pack.Activate(ctx, id, now, now.AddDate(0, 0, spec.ValidityDays), method)
	if err != nil {
		return false, apperr.Internal(op, err)
	}
	if won {
		log.Infof("[Recruitment] Pack #%d (%s) active for company %d", id, pack.Size, pack.CompanyID)
	}
	return won, nil
}

// GetActivePack returns the pack the next credit will come from, or nil.
func (l *Ledger) GetActivePack(ctx context.Context, companyID uint) (*models.RecruitmentPack, error) {
	pack, err := l.repos.Pack.FindOldestUsable(ctx, companyID, l.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("recruitment.GetActivePack", err)
	}
	return pack, nil
}

// ConsumeCredit spends one credit on jobID from the oldest usable pack and
// returns the pack after consumption. A job can only be paid for once.
func (l *Ledger) ConsumeCredit(ctx context.Context, companyID uint, jobID string) (*models.RecruitmentPack, error) {
	const op = "recruitment.ConsumeCredit"
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, apperr.Invalid(op, "Identifiant d'offre manquant")
	}

	now := l.now()
	// Lapsed packs are flipped in their own statement so the change survives
	// a failed consumption.
	if _, err := l.repos.Pack.ExpireLapsed(ctx, companyID, now); err != nil {
		return nil, apperr.Internal(op, err)
	}

	var packID uint
	err := l.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		used, err := tx.Pack.HasUsage(ctx, companyID, jobID)
		if err != nil {
			return err
		}
		if used {
			return apperr.Conflict(op, "Un crédit a déjà été utilisé pour cette offre")
		}

		for attempt := 0; attempt < consumeAttempts; attempt++ {
			pack, err := tx.Pack.FindOldestUsable(ctx, companyID, now)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNoPack
			}
			if err != nil {
				return err
			}
			ok, err := tx.Pack.ConsumeCredit(ctx, pack.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := tx.Pack.AddUsage(ctx, &models.RecruitmentPackUsage{
				PackID:     pack.ID,
				CompanyID:  companyID,
				JobID:      jobID,
				ConsumedAt: now,
			}); err != nil {
				return err
			}
			packID = pack.ID
			return tx.Pack.MarkDepletedIfEmpty(ctx, pack.ID)
		}
		return errNoPack
	})
	switch {
	case err == nil:
	case errors.Is(err, errNoPack):
		return nil, apperr.NotFound(op, "Aucun pack de recrutement actif, achetez un pack pour publier cette offre")
	case apperr.Code(err) != apperr.EINTERNAL:
		return nil, err
	default:
		// A concurrent request may have spent a credit on the same job.
		if used, herr := l.repos.Pack.HasUsage(ctx, companyID, jobID); herr == nil && used {
			return nil, apperr.Conflict(op, "Un crédit a déjà été utilisé pour cette offre")
		}
		return nil, apperr.Internal(op, err)
	}

	pack, err := l.repos.Pack.GetByID(ctx, packID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	log.Infof("[Recruitment] Company %d spent a credit of pack #%d on job %s (%d left)", companyID, pack.ID, jobID, pack.RemainingCredits)
	return pack, nil
}

// TotalRemaining sums the credits left across usable packs.
func (l *Ledger) TotalRemaining(ctx context.Context, companyID uint) (int, error) {
	total, err := l.repos.Pack.SumRemaining(ctx, companyID, l.now())
	if err != nil {
		return 0, apperr.Internal("recruitment.TotalRemaining", err)
	}
	return total, nil
}

// ListActive returns the usable packs, oldest first. Packs past their expiry
// date are left out even before the sweep flips them.
func (l *Ledger) ListActive(ctx context.Context, companyID uint) ([]models.RecruitmentPack, error) {
	packs, err := l.repos.Pack.ListActive(ctx, companyID, l.now())
	if err != nil {
		return nil, apperr.Internal("recruitment.ListActive", err)
	}
	return packs, nil
}

// ExpireLapsed flips every active pack past its expiry date to expired.
func (l *Ledger) ExpireLapsed(ctx context.Context) (int64, error) {
	n, err := l.repos.Pack.ExpireLapsed(ctx, 0, l.now())
	if err != nil {
		return 0, apperr.Internal("recruitment.ExpireLapsed", err)
	}
	if n > 0 {
		log.Infof("[Recruitment] Sweep: %d packs expired", n)
	}
	return n, nil
}
