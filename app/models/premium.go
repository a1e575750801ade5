package models

import "strings"

// Plan is a premium subscription tier.
type Plan string

const (
	PlanProIndividual Plan = "PRO_INDIVIDUAL"
	PlanCompanyBiz    Plan = "COMPANY_BIZ"
	PlanSchoolEdu     Plan = "SCHOOL_EDU"
)

// AllPlans lists the sellable plans in display order.
var AllPlans = []Plan{PlanProIndividual, PlanCompanyBiz, PlanSchoolEdu}

func (p Plan) Valid() bool {
	switch p {
	case PlanProIndividual, PlanCompanyBiz, PlanSchoolEdu:
		return true
	}
	return false
}

// ParsePlan normalizes user input like "company_biz" into a Plan.
func ParsePlan(raw string) (Plan, bool) {
	p := Plan(strings.ToUpper(strings.TrimSpace(raw)))
	return p, p.Valid()
}

// QuotaKind is a metered monthly counter.
type QuotaKind string

const (
	QuotaCVViews           QuotaKind = "CV_VIEWS"
	QuotaJobPosts          QuotaKind = "JOB_POSTS"
	QuotaCourseUploads     QuotaKind = "COURSE_UPLOADS"
	QuotaStudentSlots      QuotaKind = "STUDENT_SLOTS"
	QuotaProfileBoosts     QuotaKind = "PROFILE_BOOSTS"
	QuotaJobBoosts         QuotaKind = "JOB_BOOSTS"
	QuotaTrainingBoosts    QuotaKind = "TRAINING_BOOSTS"
	QuotaMessages          QuotaKind = "MESSAGES"
	QuotaApplications      QuotaKind = "APPLICATIONS"
	QuotaPushNotifications QuotaKind = "PUSH_NOTIFICATIONS"
)

var AllQuotaKinds = []QuotaKind{
	QuotaCVViews,
	QuotaJobPosts,
	QuotaCourseUploads,
	QuotaStudentSlots,
	QuotaProfileBoosts,
	QuotaJobBoosts,
	QuotaTrainingBoosts,
	QuotaMessages,
	QuotaApplications,
	QuotaPushNotifications,
}

func (k QuotaKind) Valid() bool {
	for _, known := range AllQuotaKinds {
		if k == known {
			return true
		}
	}
	return false
}

func ParseQuotaKind(raw string) (QuotaKind, bool) {
	k := QuotaKind(strings.ToUpper(strings.TrimSpace(raw)))
	return k, k.Valid()
}

type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// Payment providers. The provider name doubles as the payment method stored
// on purchases.
const (
	ProviderStripe      = "stripe"
	ProviderWave        = "wave"
	ProviderOrangeMoney = "orange_money"
	ProviderPayTech     = "paytech"
	ProviderSandbox     = "sandbox"
	// ProviderQuota marks boosts funded from a monthly boost allowance.
	ProviderQuota = "quota"
	// ProviderTrial marks complimentary trial subscriptions.
	ProviderTrial = "trial"
)

const DefaultCurrency = "XOF"
