package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/billing"
	"github.com/ManuelReschke/Talentis/internal/pkg/catalog"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/recruitment"
	"github.com/ManuelReschke/Talentis/internal/pkg/testutil"
)

type sentMail struct {
	to, subject, body string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func TestPurchaseEmails(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	clock := testutil.NewClock(time.Date(2026, time.July, 1, 9, 0, 0, 0, time.UTC))

	q := NewQueue(rdb, 1)
	mailer := &fakeMailer{}
	RegisterMailHandlers(q, repos.User, mailer)

	svc := billing.NewService(repos, gateway.NewRegistry(&testutil.Gateway{})).WithClock(clock.Now)
	svc.SetNotifier(NewNotifier(q))
	packs := recruitment.NewLedger(repos, svc, catalog.MustDefault()).WithClock(clock.Now)
	svc.RegisterActivator(models.PurchasePack, packs)

	company := testutil.CreateUser(t, db, "acme", models.AccountCompany)
	paid, err := packs.Purchase(ctx, recruitment.PurchaseRequest{CompanyID: company.ID, Size: models.PackSmall, Provider: testutil.GatewayName})
	require.NoError(t, err)
	abandoned, err := packs.Purchase(ctx, recruitment.PurchaseRequest{CompanyID: company.ID, Size: models.PackMedium, Provider: testutil.GatewayName})
	require.NoError(t, err)

	_, err = svc.ConfirmNotification(ctx, testutil.GatewayName, testutil.Paid(paid.Payment.Reference, paid.Payment.Amount))
	require.NoError(t, err)
	// Redelivery activates nothing and queues nothing.
	_, err = svc.ConfirmNotification(ctx, testutil.GatewayName, testutil.Paid(paid.Payment.Reference, paid.Payment.Amount))
	require.NoError(t, err)

	clock.Advance(billing.DefaultPendingTimeout + time.Hour)
	n, err := svc.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), size)
	for i := 0; i < 2; i++ {
		ok, err := q.ProcessNext(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Len(t, mailer.sent, 2)
	assert.Equal(t, "acme@example.sn", mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].subject, "Paiement confirmé")
	assert.Contains(t, mailer.sent[0].body, paid.Payment.Reference)
	assert.Contains(t, mailer.sent[1].subject, "non abouti")
	assert.Contains(t, mailer.sent[1].body, abandoned.Payment.Reference)
	assert.Contains(t, mailer.sent[1].body, "expired")
}

func TestNoticeForMissingUserIsDropped(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repos := repository.NewRepositories(testutil.NewDB(t))

	q := NewQueue(rdb, 1)
	mailer := &fakeMailer{}
	RegisterMailHandlers(q, repos.User, mailer)

	_, err := q.EnqueueJob(ctx, JobTypePurchaseActivated, PurchaseNoticePayload{UserID: 404, Reference: "ref"}.ToMap())
	require.NoError(t, err)
	ok, err := q.ProcessNext(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, mailer.sent)

	stats, _ := q.GetJobStats(ctx)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}
