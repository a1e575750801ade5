// Package entitlements combines the subscription and quota ledgers into the
// single allow/deny decision used by request guards.
package entitlements

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/metrics"
)

// PlanVerifier is satisfied by *subscription.Ledger.
type PlanVerifier interface {
	VerifyPlan(ctx context.Context, userID uint, plans ...models.Plan) (bool, error)
}

// QuotaMeter is satisfied by *quota.Ledger.
type QuotaMeter interface {
	HasAvailable(ctx context.Context, userID uint, kind models.QuotaKind) (bool, error)
	Increment(ctx context.Context, userID uint, kind models.QuotaKind, amount int) error
}

// Decision is the outcome of an entitlement check. Reason is empty when the
// action is allowed.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err turns a denial into a forbidden error carrying the same reason.
func (d Decision) Err(op string) error {
	if d.Allowed {
		return nil
	}
	return apperr.Forbidden(op, d.Reason, d.Message)
}

type Engine struct {
	plans  PlanVerifier
	quotas QuotaMeter
}

func NewEngine(plans PlanVerifier, quotas QuotaMeter) *Engine {
	return &Engine{plans: plans, quotas: quotas}
}

// CanPerformAction checks that the user holds one of plans (any active plan
// when plans is empty) and, when kind is set, that one more unit of kind is
// available. The first failing check decides.
func (e *Engine) CanPerformAction(ctx context.Context, userID uint, plans []models.Plan, kind models.QuotaKind) (Decision, error) {
	ok, err := e.plans.VerifyPlan(ctx, userID, plans...)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return record(deny(apperr.ReasonNoSubscription, noSubscriptionMessage(plans))), nil
	}

	if kind != "" {
		ok, err = e.quotas.HasAvailable(ctx, userID, kind)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return record(deny(apperr.ReasonQuotaExceeded,
				fmt.Sprintf("Vous avez atteint la limite mensuelle %s de votre offre. Passez à une offre supérieure pour continuer.", kind))), nil
		}
	}
	return record(Decision{Allowed: true}), nil
}

// Guard runs CanPerformAction and, when autoIncrement is set, spends one unit
// of kind right after the allow decision. The increment is conditional in
// storage, so a request racing past the check still cannot overshoot the
// limit and gets a quota_exceeded error instead.
func (e *Engine) Guard(ctx context.Context, userID uint, plans []models.Plan, kind models.QuotaKind, autoIncrement bool) error {
	const op = "entitlements.Guard"
	d, err := e.CanPerformAction(ctx, userID, plans, kind)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return d.Err(op)
	}
	if autoIncrement && kind != "" {
		if err := e.quotas.Increment(ctx, userID, kind, 1); err != nil {
			if apperr.Reason(err) == apperr.ReasonQuotaExceeded {
				metrics.QuotaDenials.WithLabelValues(string(kind)).Inc()
			}
			return err
		}
	}
	return nil
}

func deny(reason, message string) Decision {
	return Decision{Allowed: false, Reason: reason, Message: message}
}

func record(d Decision) Decision {
	metrics.EntitlementDecisions.WithLabelValues(strconv.FormatBool(d.Allowed), d.Reason).Inc()
	if !d.Allowed {
		log.Debugf("[Entitlements] Denied: %s", d.Reason)
	}
	return d
}

func noSubscriptionMessage(plans []models.Plan) string {
	if len(plans) == 0 {
		return "Cette fonctionnalité nécessite un abonnement premium actif."
	}
	names := make([]string, len(plans))
	for i, p := range plans {
		names[i] = string(p)
	}
	return fmt.Sprintf("Cette fonctionnalité nécessite l'offre %s.", strings.Join(names, " ou "))
}

// ParsePlans reads a comma separated plan list such as "COMPANY_BIZ,SCHOOL_EDU".
func ParsePlans(s string) []models.Plan {
	var out []models.Plan
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, models.Plan(p))
		}
	}
	return out
}
