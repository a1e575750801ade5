package jobqueue

import (
	"context"
	"time"

	"github.com/ManuelReschke/Talentis/internal/pkg/billing"
	"github.com/ManuelReschke/Talentis/internal/pkg/boost"
	"github.com/ManuelReschke/Talentis/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/Talentis/internal/pkg/quota"
	"github.com/ManuelReschke/Talentis/internal/pkg/recruitment"
	"github.com/ManuelReschke/Talentis/internal/pkg/subscription"
)

// Sweep names, also accepted by the admin trigger.
const (
	SweepPendingPayments = "pending_payments"
	SweepSubscriptions   = "subscriptions"
	SweepPacks           = "packs"
	SweepBoosts          = "boosts"
	SweepQuotas          = "quotas"
	SweepBoostCounters   = "boost_counters"
)

const rolloverBatch = 500

// SweepDeps are the ledgers the maintenance sweeps act on. Nil members are
// skipped.
type SweepDeps struct {
	Billing       *billing.Service
	Subscriptions *subscription.Ledger
	Packs         *recruitment.Ledger
	Boosts        *boost.Ledger
	Quotas        *quota.Ledger
	Counters      *counter.Store

	Interval      time.Duration // expiry sweeps
	FlushInterval time.Duration // boost counters
}

// RegisterSweeps adds every maintenance sweep deps allows.
func RegisterSweeps(m *Manager, deps SweepDeps) {
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Minute
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = 5 * time.Second
	}

	if deps.Billing != nil {
		m.AddSweep(Sweep{Name: SweepPendingPayments, Interval: deps.Interval, Run: func(ctx context.Context) (int64, error) {
			n, err := deps.Billing.ExpireStalePending(ctx)
			return int64(n), err
		}})
	}
	if deps.Subscriptions != nil {
		m.AddSweep(Sweep{Name: SweepSubscriptions, Interval: deps.Interval, Run: deps.Subscriptions.ExpireLapsed})
	}
	if deps.Packs != nil {
		m.AddSweep(Sweep{Name: SweepPacks, Interval: deps.Interval, Run: deps.Packs.ExpireLapsed})
	}
	if deps.Boosts != nil {
		m.AddSweep(Sweep{Name: SweepBoosts, Interval: deps.Interval, Run: deps.Boosts.ExpireLapsed})
	}
	if deps.Quotas != nil {
		m.AddSweep(Sweep{Name: SweepQuotas, Interval: deps.Interval, Run: func(ctx context.Context) (int64, error) {
			n, err := deps.Quotas.RolloverAll(ctx, rolloverBatch)
			return int64(n), err
		}})
	}
	if deps.Counters != nil {
		m.AddSweep(Sweep{Name: SweepBoostCounters, Interval: deps.FlushInterval, Run: func(ctx context.Context) (int64, error) {
			n, err := deps.Counters.Flush(ctx)
			return int64(n), err
		}})
	}
}
