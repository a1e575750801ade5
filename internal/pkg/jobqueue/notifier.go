package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/mail"
)

// Notifier queues purchase emails. It implements billing.Notifier.
type Notifier struct {
	queue *Queue
}

func NewNotifier(q *Queue) *Notifier {
	return &Notifier{queue: q}
}

func (n *Notifier) PurchaseActivated(ctx context.Context, intent models.PaymentIntent) error {
	_, err := n.queue.EnqueueJob(ctx, JobTypePurchaseActivated, PurchaseNoticeFromIntent(intent).ToMap())
	return err
}

func (n *Notifier) PurchaseClosed(ctx context.Context, intent models.PaymentIntent) error {
	_, err := n.queue.EnqueueJob(ctx, JobTypePurchaseClosed, PurchaseNoticeFromIntent(intent).ToMap())
	return err
}

// RegisterMailHandlers wires the purchase email jobs to mailer. Users are
// only read, to address the email.
func RegisterMailHandlers(q *Queue, users repository.UserRepository, mailer mail.Mailer) {
	q.Handle(JobTypePurchaseActivated, noticeHandler(users, mailer, mail.PurchaseActivated))
	q.Handle(JobTypePurchaseClosed, noticeHandler(users, mailer, mail.PurchaseClosed))
}

func noticeHandler(users repository.UserRepository, mailer mail.Mailer, render func(mail.Notice) (string, string, error)) Handler {
	return func(ctx context.Context, job *Job) error {
		p, err := PurchaseNoticePayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		user, err := users.GetByID(ctx, p.UserID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[JobQueue] User %d of payment %s is gone, skipping email", p.UserID, p.Reference)
			return nil
		}
		if err != nil {
			return err
		}
		if user.Email == "" {
			return nil
		}

		subject, body, err := render(mail.Notice{
			Name:      user.Name,
			Item:      itemLabel(p.PurchaseKind),
			Reference: p.Reference,
			Amount:    p.Amount,
			Currency:  p.Currency,
			Status:    string(p.Status),
		})
		if err != nil {
			return err
		}
		return mailer.Send(ctx, user.Email, subject, body)
	}
}

func itemLabel(kind models.PurchaseKind) string {
	switch kind {
	case models.PurchaseSubscription:
		return "Votre abonnement premium"
	case models.PurchasePack:
		return "Votre pack de recrutement"
	case models.PurchaseBoost:
		return "Votre boost"
	default:
		return "Votre achat"
	}
}
