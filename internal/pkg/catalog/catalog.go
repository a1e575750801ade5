// Package catalog loads the versioned plan, pack and boost tables that price
// and size every premium purchase.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ManuelReschke/Talentis/app/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Unlimited is the catalog value for an unlimited quota kind.
const Unlimited = -1

type rawCatalog struct {
	Version        string                  `mapstructure:"version" validate:"required"`
	Currency       string                  `mapstructure:"currency" validate:"required,len=3"`
	AnnualDiscount float64                 `mapstructure:"annual_discount" validate:"gte=0,lt=1"`
	TrialDays      int                     `mapstructure:"trial_days" validate:"gt=0"`
	PendingTimeout time.Duration           `mapstructure:"pending_timeout" validate:"gt=0"`
	Plans          map[string]PlanSpec     `mapstructure:"plans" validate:"required,min=1,dive"`
	Packs          map[string]PackSpec     `mapstructure:"packs" validate:"required,min=1,dive"`
	Boosts         map[string]rawBoostSpec `mapstructure:"boosts" validate:"dive"`
}

type PlanSpec struct {
	Name         string         `mapstructure:"name" json:"name" validate:"required"`
	Audience     string         `mapstructure:"audience" json:"audience" validate:"oneof=individual company school"`
	MonthlyPrice int64          `mapstructure:"monthly_price" json:"monthly_price" validate:"gte=0"`
	Quotas       map[string]int `mapstructure:"quotas" json:"-" validate:"dive,gte=-1"`
}

type PackSpec struct {
	Credits      int   `mapstructure:"credits" json:"credits" validate:"gt=0"`
	Price        int64 `mapstructure:"price" json:"price" validate:"gte=0"`
	ValidityDays int   `mapstructure:"validity_days" json:"validity_days" validate:"gt=0"`
}

type rawBoostSpec struct {
	Target    string `mapstructure:"target" validate:"oneof=profile job training application"`
	Price     int64  `mapstructure:"price" validate:"gte=0"`
	Days      int    `mapstructure:"days" validate:"gt=0"`
	QuotaKind string `mapstructure:"quota_kind"`
}

type BoostSpec struct {
	Target    models.BoostTarget `json:"target"`
	Price     int64              `json:"price"`
	Days      int                `json:"days"`
	QuotaKind models.QuotaKind   `json:"quota_kind,omitempty"`
}

// Catalog is the validated, normalized price and limit table.
type Catalog struct {
	Version        string
	Currency       string
	AnnualDiscount float64
	TrialDays      int
	PendingTimeout time.Duration

	plans  map[models.Plan]PlanSpec
	quotas map[models.Plan]map[models.QuotaKind]int
	packs  map[models.PackSize]PackSpec
	boosts map[models.BoostKind]BoostSpec
}

// Load reads the catalog from path, or from the embedded default when path
// is empty. Scalar settings can be overridden with PREMIUM_* variables, e.g.
// PREMIUM_ANNUAL_DISCOUNT=0.25.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetEnvPrefix("PREMIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
	} else {
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(defaultCatalog)); err != nil {
			return nil, fmt.Errorf("read embedded catalog: %w", err)
		}
	}

	var raw rawCatalog
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	// AutomaticEnv only applies to Get, not to Unmarshal of nested keys.
	raw.AnnualDiscount = v.GetFloat64("annual_discount")
	raw.TrialDays = v.GetInt("trial_days")
	raw.PendingTimeout = v.GetDuration("pending_timeout")

	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return build(raw)
}

// MustDefault returns the embedded catalog and panics if it is invalid.
func MustDefault() *Catalog {
	c, err := Load("")
	if err != nil {
		panic(err)
	}
	return c
}

func build(raw rawCatalog) (*Catalog, error) {
	c := &Catalog{
		Version:        raw.Version,
		Currency:       strings.ToUpper(raw.Currency),
		AnnualDiscount: raw.AnnualDiscount,
		TrialDays:      raw.TrialDays,
		PendingTimeout: raw.PendingTimeout,
		plans:          make(map[models.Plan]PlanSpec, len(raw.Plans)),
		quotas:         make(map[models.Plan]map[models.QuotaKind]int, len(raw.Plans)),
		packs:          make(map[models.PackSize]PackSpec, len(raw.Packs)),
		boosts:         make(map[models.BoostKind]BoostSpec, len(raw.Boosts)),
	}

	// viper lower-cases map keys
	for key, spec := range raw.Plans {
		plan, ok := models.ParsePlan(key)
		if !ok {
			return nil, fmt.Errorf("invalid catalog: unknown plan %q", key)
		}
		limits := make(map[models.QuotaKind]int, len(spec.Quotas))
		for k, limit := range spec.Quotas {
			kind, ok := models.ParseQuotaKind(k)
			if !ok {
				return nil, fmt.Errorf("invalid catalog: plan %s has unknown quota kind %q", plan, k)
			}
			limits[kind] = limit
		}
		c.plans[plan] = spec
		c.quotas[plan] = limits
	}
	for _, plan := range models.AllPlans {
		if _, ok := c.plans[plan]; !ok {
			return nil, fmt.Errorf("invalid catalog: plan %s missing", plan)
		}
	}

	for key, spec := range raw.Packs {
		size := models.PackSize(strings.ToUpper(key))
		if !size.Valid() {
			return nil, fmt.Errorf("invalid catalog: unknown pack size %q", key)
		}
		c.packs[size] = spec
	}

	for key, spec := range raw.Boosts {
		b := BoostSpec{
			Target: models.BoostTarget(spec.Target),
			Price:  spec.Price,
			Days:   spec.Days,
		}
		if spec.QuotaKind != "" {
			kind, ok := models.ParseQuotaKind(spec.QuotaKind)
			if !ok {
				return nil, fmt.Errorf("invalid catalog: boost %s has unknown quota kind %q", key, spec.QuotaKind)
			}
			b.QuotaKind = kind
		}
		c.boosts[models.BoostKind(strings.ToUpper(key))] = b
	}
	return c, nil
}

// Plan returns the catalog entry for a plan.
func (c *Catalog) Plan(plan models.Plan) (PlanSpec, bool) {
	spec, ok := c.plans[plan]
	return spec, ok
}

// Price returns the amount charged for a plan and billing cycle. Yearly
// billing is twelve months with the annual discount applied.
func (c *Catalog) Price(plan models.Plan, cycle models.BillingCycle) (int64, error) {
	spec, ok := c.plans[plan]
	if !ok {
		return 0, fmt.Errorf("unknown plan %q", plan)
	}
	switch cycle {
	case models.BillingCycleMonthly:
		return spec.MonthlyPrice, nil
	case models.BillingCycleYearly:
		return int64(math.Round(float64(spec.MonthlyPrice) * 12 * (1 - c.AnnualDiscount))), nil
	default:
		return 0, fmt.Errorf("unknown billing cycle %q", cycle)
	}
}

// PlanQuotas returns the provisioned limits of a plan. Kinds with a zero
// limit are omitted; Unlimited marks unlimited kinds.
func (c *Catalog) PlanQuotas(plan models.Plan) map[models.QuotaKind]int {
	out := make(map[models.QuotaKind]int)
	for kind, limit := range c.quotas[plan] {
		if limit == 0 {
			continue
		}
		out[kind] = limit
	}
	return out
}

func (c *Catalog) Pack(size models.PackSize) (PackSpec, bool) {
	spec, ok := c.packs[size]
	return spec, ok
}

func (c *Catalog) Boost(kind models.BoostKind) (BoostSpec, bool) {
	spec, ok := c.boosts[kind]
	return spec, ok
}

// PeriodEnd returns the end of a subscription period that starts at start.
// The day is clamped to the last day of the target month, so Jan 31 runs
// until Feb 28 (or 29) rather than into March.
func PeriodEnd(start time.Time, cycle models.BillingCycle) time.Time {
	if cycle == models.BillingCycleYearly {
		return addMonths(start, 12)
	}
	return addMonths(start, 1)
}

func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > lastDay {
		day = lastDay
	}
	return first.AddDate(0, 0, day-1)
}

// View is the public rendering of the catalog.
type View struct {
	Version        string                         `json:"version"`
	Currency       string                         `json:"currency"`
	AnnualDiscount float64                        `json:"annual_discount"`
	TrialDays      int                            `json:"trial_days"`
	Plans          map[models.Plan]PlanView       `json:"plans"`
	Packs          map[models.PackSize]PackSpec   `json:"packs"`
	Boosts         map[models.BoostKind]BoostSpec `json:"boosts"`
}

type PlanView struct {
	PlanSpec
	YearlyPrice int64                    `json:"yearly_price"`
	Limits      map[models.QuotaKind]int `json:"limits"`
}

func (c *Catalog) View() View {
	v := View{
		Version:        c.Version,
		Currency:       c.Currency,
		AnnualDiscount: c.AnnualDiscount,
		TrialDays:      c.TrialDays,
		Plans:          make(map[models.Plan]PlanView, len(c.plans)),
		Packs:          c.packs,
		Boosts:         c.boosts,
	}
	for plan, spec := range c.plans {
		yearly, _ := c.Price(plan, models.BillingCycleYearly)
		v.Plans[plan] = PlanView{PlanSpec: spec, YearlyPrice: yearly, Limits: c.PlanQuotas(plan)}
	}
	return v
}
