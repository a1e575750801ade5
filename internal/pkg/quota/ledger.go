// Package quota tracks monthly usage counters per (user, quota kind).
//
// Counters are only ever mutated through single conditional statements, so a
// limit can never be overshot by concurrent requests.
package quota

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
	"github.com/ManuelReschke/Talentis/internal/pkg/catalog"
)

// Free-tier monthly caps used by call sites for non-subscribers.
const (
	FreeApplicationsPerMonth = 2
	FreeMessagesPerMonth     = 10
)

// UnlimitedLimit is what Remaining reports for unlimited kinds.
const UnlimitedLimit = models.UnlimitedQuota

// Ledger answers availability questions and applies usage.
type Ledger struct {
	quotas  repository.QuotaRepository
	subs    repository.SubscriptionRepository
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewLedger creates a quota ledger. The subscription repository is only
// read, to decide between premium and free-tier behaviour.
func NewLedger(quotas repository.QuotaRepository, subs repository.SubscriptionRepository, cat *catalog.Catalog) *Ledger {
	return &Ledger{
		quotas:  quotas,
		subs:    subs,
		catalog: cat,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithRepositories returns a copy of the ledger bound to repos, typically the
// repositories of an open transaction.
func (l *Ledger) WithRepositories(repos *repository.Repositories) *Ledger {
	cp := *l
	cp.quotas = repos.Quota
	cp.subs = repos.Subscription
	return &cp
}

// MonthPeriod returns the calendar month containing t, in UTC. The end is
// exclusive: it is the first instant of the next month.
func MonthPeriod(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// HasAvailable reports whether one more unit of kind may be used.
//
// Without a current record the answer depends on the user: subscribers are
// denied (their plan does not include the kind) and free users are allowed,
// their usage being governed by CheckFreeLimit instead.
func (l *Ledger) HasAvailable(ctx context.Context, userID uint, kind models.QuotaKind) (bool, error) {
	q, err := l.current(ctx, userID, kind)
	if err != nil {
		return false, err
	}
	if q == nil {
		active, err := l.hasActiveSubscription(ctx, userID)
		if err != nil {
			return false, err
		}
		return !active, nil
	}
	return q.Unlimited || q.Used < q.Limit, nil
}

// Remaining returns how many units are left this period, UnlimitedLimit for
// unlimited kinds and 0 when the kind is not provisioned.
func (l *Ledger) Remaining(ctx context.Context, userID uint, kind models.QuotaKind) (int, error) {
	q, err := l.current(ctx, userID, kind)
	if err != nil || q == nil {
		return 0, err
	}
	return q.Remaining(), nil
}

// Increment consumes amount units of kind. It fails with NotFound when the
// kind is not provisioned for the current period and with a quota_exceeded
// Forbidden error when the limit would be passed.
func (l *Ledger) Increment(ctx context.Context, userID uint, kind models.QuotaKind, amount int) error {
	const op = "quota.Increment"
	if amount <= 0 {
		return apperr.Invalid(op, "La quantité doit être positive")
	}

	q, err := l.current(ctx, userID, kind)
	if err != nil {
		return err
	}
	if q == nil {
		return apperr.NotFound(op, fmt.Sprintf("Aucun quota %s pour la période en cours", kind))
	}

	ok, err := l.quotas.IncrementWithinLimit(ctx, userID, kind, amount, l.now())
	if err != nil {
		return apperr.Internal(op, err)
	}
	if !ok {
		return exceeded(op, kind)
	}
	return nil
}

// Provision gives the user a fresh current-month record for every kind the
// plan grants. Kinds the plan does not grant are left untouched.
func (l *Ledger) Provision(ctx context.Context, userID uint, plan models.Plan) error {
	const op = "quota.Provision"
	if _, ok := l.catalog.Plan(plan); !ok {
		return apperr.Invalid(op, fmt.Sprintf("Offre inconnue: %s", plan))
	}

	start, end := MonthPeriod(l.now())
	for kind, limit := range l.catalog.PlanQuotas(plan) {
		q := &models.Quota{
			UserID:      userID,
			Kind:        kind,
			Used:        0,
			Limit:       limit,
			PlanCode:    plan,
			PeriodStart: start,
			PeriodEnd:   end,
		}
		if limit == catalog.Unlimited {
			q.Limit = UnlimitedLimit
			q.Unlimited = true
		}
		if err := l.quotas.Upsert(ctx, q); err != nil {
			return apperr.Internal(op, err)
		}
	}
	log.Infof("[Quota] Provisioned plan %s for user %d", plan, userID)
	return nil
}

// Rollover advances every record of the user whose period ended to the
// current month with a zero counter. It returns how many records moved.
func (l *Ledger) Rollover(ctx context.Context, userID uint) (int, error) {
	records, err := l.quotas.ListByUser(ctx, userID)
	if err != nil {
		return 0, apperr.Internal("quota.Rollover", err)
	}
	moved := 0
	now := l.now()
	for i := range records {
		if !records[i].IsStale(now) {
			continue
		}
		ok, err := l.rollOne(ctx, &records[i], now)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

// RolloverAll is the sweep variant of Rollover across all users. It works in
// batches of batchSize until no stale record is left.
func (l *Ledger) RolloverAll(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	moved := 0
	for {
		now := l.now()
		stale, err := l.quotas.ListStale(ctx, now, batchSize)
		if err != nil {
			return moved, apperr.Internal("quota.RolloverAll", err)
		}
		for i := range stale {
			ok, err := l.rollOne(ctx, &stale[i], now)
			if err != nil {
				return moved, err
			}
			if ok {
				moved++
			}
		}
		if len(stale) < batchSize {
			return moved, nil
		}
		if err := ctx.Err(); err != nil {
			return moved, err
		}
	}
}

// CheckFreeLimit meters a free-tier action. Subscribers pass without being
// counted. Everyone else gets limit uses of kind per calendar month.
func (l *Ledger) CheckFreeLimit(ctx context.Context, userID uint, kind models.QuotaKind, limit int) error {
	const op = "quota.CheckFreeLimit"
	if limit <= 0 {
		return apperr.Invalid(op, "La limite gratuite doit être positive")
	}

	active, err := l.hasActiveSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	now := l.now()
	start, end := MonthPeriod(now)
	created, err := l.quotas.CreateIfNotExists(ctx, &models.Quota{
		UserID:      userID,
		Kind:        kind,
		Limit:       limit,
		PeriodStart: start,
		PeriodEnd:   end,
	})
	if err != nil {
		return apperr.Internal(op, err)
	}
	if !created {
		q, err := l.quotas.Get(ctx, userID, kind)
		if err != nil {
			return apperr.Internal(op, err)
		}
		switch {
		case q.IsStale(now):
			if _, err := l.quotas.RollOver(ctx, q.ID, now, start, end, &limit); err != nil {
				return apperr.Internal(op, err)
			}
		case !q.IsFreemium():
			// Left over from a lapsed plan: premium usage does not count
			// against the free tier.
			if _, err := l.quotas.ResetToFree(ctx, q.ID, start, end, limit); err != nil {
				return apperr.Internal(op, err)
			}
		}
	}

	ok, err := l.quotas.IncrementWithinCap(ctx, userID, kind, 1, limit, now)
	if err != nil {
		return apperr.Internal(op, err)
	}
	if !ok {
		return apperr.Forbidden(op, apperr.ReasonQuotaExceeded,
			fmt.Sprintf("Limite gratuite de %d par mois atteinte pour %s. Passez à une offre premium pour continuer.", limit, kind))
	}
	return nil
}

// Usage is one line of the quota overview.
type Usage struct {
	Kind      models.QuotaKind `json:"kind"`
	Used      int              `json:"used"`
	Limit     int              `json:"limit"`
	Remaining int              `json:"remaining"`
	Unlimited bool             `json:"unlimited"`
	PlanCode  models.Plan      `json:"plan_code,omitempty"`
	PeriodEnd time.Time        `json:"period_end"`
}

// ListUsage returns the user's current-period counters, rolling stale ones
// forward first.
func (l *Ledger) ListUsage(ctx context.Context, userID uint) ([]Usage, error) {
	if _, err := l.Rollover(ctx, userID); err != nil {
		return nil, err
	}
	records, err := l.quotas.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("quota.ListUsage", err)
	}
	plan, err := l.activePlan(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Usage, 0, len(records))
	for _, q := range records {
		if !applies(&q, plan) {
			continue
		}
		out = append(out, Usage{
			Kind:      q.Kind,
			Used:      q.Used,
			Limit:     q.Limit,
			Remaining: q.Remaining(),
			Unlimited: q.Unlimited,
			PlanCode:  q.PlanCode,
			PeriodEnd: q.PeriodEnd,
		})
	}
	return out, nil
}

// current loads the record for (user, kind), rolling it into the current
// month when its period ended. A record only counts while it belongs to the
// user's standing: the active plan for subscribers, the free tier otherwise.
func (l *Ledger) current(ctx context.Context, userID uint, kind models.QuotaKind) (*models.Quota, error) {
	q, err := l.quotas.Get(ctx, userID, kind)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("quota.current", err)
	}

	plan, err := l.activePlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !applies(q, plan) {
		return nil, nil
	}

	if q.IsStale(l.now()) {
		if _, err := l.rollOne(ctx, q, l.now()); err != nil {
			return nil, err
		}
		if q, err = l.quotas.Get(ctx, userID, kind); err != nil {
			return nil, apperr.Internal("quota.current", err)
		}
	}
	return q, nil
}

func (l *Ledger) rollOne(ctx context.Context, q *models.Quota, now time.Time) (bool, error) {
	start, end := MonthPeriod(now)
	ok, err := l.quotas.RollOver(ctx, q.ID, now, start, end, nil)
	if err != nil {
		return false, apperr.Internal("quota.rollover", err)
	}
	return ok, nil
}

func (l *Ledger) activePlan(ctx context.Context, userID uint) (models.Plan, error) {
	sub, err := l.subs.FindActive(ctx, userID, l.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal("quota.activePlan", err)
	}
	return sub.Plan, nil
}

func (l *Ledger) hasActiveSubscription(ctx context.Context, userID uint) (bool, error) {
	plan, err := l.activePlan(ctx, userID)
	return plan != "", err
}

func applies(q *models.Quota, activePlan models.Plan) bool {
	return q.PlanCode == activePlan
}

func exceeded(op string, kind models.QuotaKind) error {
	return apperr.Forbidden(op, apperr.ReasonQuotaExceeded,
		fmt.Sprintf("Quota mensuel %s épuisé. Passez à une offre supérieure pour continuer.", kind))
}
