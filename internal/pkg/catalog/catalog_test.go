package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Talentis/app/models"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "XOF", c.Currency)
	assert.Equal(t, 30, c.TrialDays)
	assert.Equal(t, 48*time.Hour, c.PendingTimeout)

	quotas := c.PlanQuotas(models.PlanCompanyBiz)
	assert.Equal(t, 50, quotas[models.QuotaCVViews])
	assert.Equal(t, 3, quotas[models.QuotaProfileBoosts])
	assert.Equal(t, Unlimited, quotas[models.QuotaMessages])
	_, provisioned := quotas[models.QuotaCourseUploads]
	assert.False(t, provisioned, "zero limits are not provisioned")

	pack, ok := c.Pack(models.PackMedium)
	require.True(t, ok)
	assert.Equal(t, 10, pack.Credits)

	boost, ok := c.Boost(models.BoostJob7D)
	require.True(t, ok)
	assert.Equal(t, models.BoostTargetJob, boost.Target)
	assert.Equal(t, models.QuotaJobBoosts, boost.QuotaKind)
}

func TestPriceAppliesAnnualDiscount(t *testing.T) {
	c := MustDefault()

	monthly, err := c.Price(models.PlanProIndividual, models.BillingCycleMonthly)
	require.NoError(t, err)
	yearly, err := c.Price(models.PlanProIndividual, models.BillingCycleYearly)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), monthly)
	assert.Equal(t, int64(48000), yearly)

	_, err = c.Price(models.Plan("GOLD"), models.BillingCycleMonthly)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsUnknownPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
version: "test"
currency: XOF
annual_discount: 0.1
trial_days: 7
pending_timeout: 1h
plans:
  PLATINUM:
    name: Platinum
    audience: company
    monthly_price: 1
packs:
  SMALL:
    credits: 1
    price: 1
    validity_days: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPeriodEnd(t *testing.T) {
	cases := []struct {
		start time.Time
		cycle models.BillingCycle
		want  time.Time
	}{
		{time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), models.BillingCycleMonthly, time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC), models.BillingCycleMonthly, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)},
		{time.Date(2028, 1, 31, 10, 0, 0, 0, time.UTC), models.BillingCycleMonthly, time.Date(2028, 2, 29, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC), models.BillingCycleMonthly, time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 10, 0, 0, 0, time.UTC), models.BillingCycleMonthly, time.Date(2027, 1, 31, 10, 0, 0, 0, time.UTC)},
		{time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC), models.BillingCycleYearly, time.Date(2027, 1, 31, 10, 0, 0, 0, time.UTC)},
		{time.Date(2028, 2, 29, 10, 0, 0, 0, time.UTC), models.BillingCycleYearly, time.Date(2029, 2, 28, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PeriodEnd(tc.start, tc.cycle), "%s %s", tc.cycle, tc.start)
	}
}

func TestSampleConfigMatchesEmbeddedCatalog(t *testing.T) {
	sample, err := os.ReadFile("../../../config/catalog.yaml")
	require.NoError(t, err)
	assert.Equal(t, string(defaultCatalog), string(sample), "config/catalog.yaml must stay in sync with the embedded default")
}
