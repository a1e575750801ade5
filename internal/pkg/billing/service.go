package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
	"github.com/ManuelReschke/Talentis/internal/pkg/metrics"
)

// DefaultPendingTimeout is how long a purchase may wait for its payment.
const DefaultPendingTimeout = 48 * time.Hour

// Service creates payment intents and reconciles provider confirmations with
// the pending purchases they pay for. Every path that confirms a payment,
// webhook, manual verification or instant provider, ends in settle.
type Service struct {
	repos          *repository.Repositories
	gateways       *gateway.Registry
	activators     map[models.PurchaseKind]Activator
	notifier       Notifier
	archiver       Archiver
	pendingTimeout time.Duration
	now            func() time.Time
}

// NewService creates a billing service on top of the shared repositories.
func NewService(repos *repository.Repositories, gateways *gateway.Registry) *Service {
	return &Service{
		repos:          repos,
		gateways:       gateways,
		activators:     make(map[models.PurchaseKind]Activator),
		pendingTimeout: DefaultPendingTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RegisterActivator sets the activator for one purchase kind.
func (s *Service) RegisterActivator(kind models.PurchaseKind, a Activator) {
	s.activators[kind] = a
}

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }
func (s *Service) SetArchiver(a Archiver) { s.archiver = a }

func (s *Service) SetPendingTimeout(d time.Duration) {
	if d > 0 {
		s.pendingTimeout = d
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Gateway returns the adapter for a payment method.
func (s *Service) Gateway(method string) (gateway.Adapter, error) {
	return s.gateways.Get(method)
}

func (s *Service) intents() Repository {
	return NewRepository(s.repos.DB())
}

// Checkout creates the pending purchase and its payment intent in one
// transaction, then asks the provider to start the payment. The provider
// call happens outside the transaction; when it fails both rows stay pending
// and are expired by the stale sweep.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest, create CreatePurchaseFunc) (*Checkout, error) {
	const op = "billing.Checkout"
	adapter, err := s.gateways.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, apperr.Invalid(op, "Le montant doit être positif")
	}
	if req.Currency == "" {
		req.Currency = models.DefaultCurrency
	}

	intent := &models.PaymentIntent{
		Reference:    uuid.NewString(),
		Provider:     adapter.Name(),
		PurchaseKind: req.Kind,
		UserID:       req.UserID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       models.IntentPending,
	}
	err = s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		id, err := create(tx, intent.Reference)
		if err != nil {
			return err
		}
		intent.PurchaseID = id
		if err := NewRepository(tx.DB()).CreateIntent(ctx, intent); err != nil {
			return apperr.Internal(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	initReq := gateway.InitiateRequest{
		Reference:   intent.Reference,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Payer:       req.Payer,
		Description: req.Description,
		Metadata: map[string]string{
			"purchase_kind": string(req.Kind),
			"purchase_id":   fmt.Sprint(intent.PurchaseID),
		},
	}
	started := time.Now()
	res, err := adapter.Initiate(ctx, initReq)
	observeGateway(adapter.Name(), "initiate", started, err)
	if err != nil {
		log.Errorf("[Billing] Initiate via %s failed for %s: %v", adapter.Name(), intent.Reference, err)
		return nil, err
	}

	tokenHash := ""
	if res.NotifToken != "" {
		tokenHash = gateway.HashToken(res.NotifToken)
	}
	if err := s.intents().AttachProvider(ctx, intent.ID, res.ProviderRef, tokenHash, res.RedirectURL); err != nil {
		return nil, apperr.Internal(op, err)
	}
	intent.ProviderRef = res.ProviderRef
	intent.NotifTokenHash = tokenHash

	out := &Checkout{
		Reference:    intent.Reference,
		Provider:     adapter.Name(),
		ProviderRef:  res.ProviderRef,
		RedirectURL:  res.RedirectURL,
		ClientSecret: res.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Status:       models.IntentPending,
		PurchaseID:   intent.PurchaseID,
	}

	if adapter.Instant() {
		settlement, err := s.settle(ctx, adapter, intent, gateway.Confirmation(initReq, res, adapter.Name()))
		if err != nil {
			return nil, err
		}
		out.Status = settlement.Status
	}
	log.Infof("[Billing] Checkout %s started: %s #%d via %s (%d %s)", intent.Reference, req.Kind, intent.PurchaseID, adapter.Name(), intent.Amount, intent.Currency)
	return out, nil
}

// ConfirmNotification reconciles an authenticated provider notification
// reporting a completed payment.
func (s *Service) ConfirmNotification(ctx context.Context, provider string, n *gateway.Notification) (*Settlement, error) {
	const op = "billing.ConfirmNotification"
	adapter, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	intent, err := s.locate(ctx, op, adapter.Name(), n)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, adapter, intent, n)
}

// VerifyPayment asks the provider whether the payment behind reference went
// through and, if so, settles it like a webhook would.
func (s *Service) VerifyPayment(ctx context.Context, userID uint, reference string) (*Settlement, error) {
	const op = "billing.VerifyPayment"
	intent, err := s.intents().GetIntentByReference(ctx, reference)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && intent.UserID != userID) {
		return nil, apperr.NotFound(op, "Paiement introuvable")
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if intent.Status != models.IntentPending {
		return settlementOf(intent, false), nil
	}

	adapter, err := s.gateways.Get(intent.Provider)
	if err != nil {
		return nil, err
	}
	paid, err := s.verify(ctx, adapter, intent, intent.ProviderRef)
	if err != nil {
		return nil, err
	}
	if !paid {
		return settlementOf(intent, false), nil
	}

	amount := intent.Amount
	return s.settle(ctx, adapter, intent, &gateway.Notification{
		EventType:   "manual.verify",
		Completed:   true,
		Reference:   intent.Reference,
		ProviderRef: intent.ProviderRef,
		Amount:      &amount,
		Currency:    intent.Currency,
		Method:      adapter.Name(),
	})
}

// locate finds the intent a notification refers to. The reference we issued
// is mandatory; the provider's own transaction ref must agree when both
// sides have one.
func (s *Service) locate(ctx context.Context, op, provider string, n *gateway.Notification) (*models.PaymentIntent, error) {
	if strings.TrimSpace(n.Reference) == "" {
		return nil, apperr.Mismatch(op, "référence de paiement absente de la notification")
	}
	intent, err := s.intents().GetIntentByReference(ctx, n.Reference)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, fmt.Sprintf("aucun paiement en attente pour la référence %s", n.Reference))
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	if intent.Provider != provider {
		return nil, apperr.Mismatch(op, fmt.Sprintf("la référence %s appartient au prestataire %s", n.Reference, intent.Provider))
	}
	if intent.ProviderRef != "" && n.ProviderRef != "" && intent.ProviderRef != n.ProviderRef {
		return nil, apperr.Mismatch(op, "la transaction du prestataire ne correspond pas à la référence")
	}
	if intent.NotifTokenHash != "" && !gateway.TokenMatches(n.NotifToken, intent.NotifTokenHash) {
		return nil, apperr.Unauthorized(op, "jeton de notification invalide")
	}
	return intent, nil
}

// settle applies a confirmed payment to its intent and purchase exactly
// once. Repeated confirmations of a settled intent are no-ops.
func (s *Service) settle(ctx context.Context, adapter gateway.Adapter, intent *models.PaymentIntent, n *gateway.Notification) (*Settlement, error) {
	const op = "billing.settle"
	switch intent.Status {
	case models.IntentSucceeded:
		return settlementOf(intent, false), nil
	case models.IntentPending:
	case models.IntentReview:
		return nil, apperr.Mismatch(op, "paiement déjà en attente de vérification manuelle")
	case models.IntentExpired, models.IntentFailed:
		s.review(ctx, adapter.Name(), intent, fmt.Sprintf("paiement confirmé pour un achat %s", intent.Status))
		return nil, apperr.Mismatch(op, "paiement reçu pour un achat expiré, vérification manuelle requise")
	default:
		return nil, apperr.Internal(op, fmt.Errorf("unknown intent status %q", intent.Status))
	}

	if n.Amount == nil {
		// The provider does not report amounts; ask it directly.
		paid, err := s.verify(ctx, adapter, intent, n.ProviderRef)
		if err != nil {
			return nil, err
		}
		if !paid {
			return nil, apperr.Mismatch(op, "le prestataire ne confirme pas le paiement")
		}
	} else if *n.Amount != intent.Amount {
		reason := fmt.Sprintf("montant reçu %d, attendu %d", *n.Amount, intent.Amount)
		s.review(ctx, adapter.Name(), intent, reason)
		return nil, apperr.Mismatch(op, reason)
	}
	if n.Currency != "" && !strings.EqualFold(n.Currency, intent.Currency) {
		reason := fmt.Sprintf("devise reçue %s, attendue %s", n.Currency, intent.Currency)
		s.review(ctx, adapter.Name(), intent, reason)
		return nil, apperr.Mismatch(op, reason)
	}

	activator, ok := s.activators[intent.PurchaseKind]
	if !ok {
		return nil, apperr.Internal(op, fmt.Errorf("no activator for %s", intent.PurchaseKind))
	}

	now := s.now()
	providerRef := intent.ProviderRef
	if providerRef == "" {
		providerRef = n.ProviderRef
	}
	payment := models.PaymentRecord{
		Reference:     intent.Reference,
		Provider:      adapter.Name(),
		ProviderTxnID: n.ProviderTxnID,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		PaidAt:        now,
	}

	var (
		won       bool
		activated bool
	)
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		won, err = NewRepository(tx.DB()).TransitionIntent(ctx, intent.ID, []models.IntentStatus{models.IntentPending}, map[string]interface{}{
			"status":          models.IntentSucceeded,
			"confirmed_at":    now,
			"provider_ref":    providerRef,
			"provider_txn_id": n.ProviderTxnID,
		})
		if err != nil {
			return apperr.Internal(op, err)
		}
		if !won {
			return nil
		}
		activated, err = activator.ActivatePurchase(ctx, tx, intent.PurchaseID, payment)
		return err
	})
	if err != nil {
		if apperr.HasCode(err, apperr.ECONFLICT) {
			s.review(ctx, adapter.Name(), intent, apperr.Message(err))
			return nil, apperr.Mismatch(op, "paiement reçu mais l'achat n'est plus activable: "+apperr.Message(err))
		}
		return nil, err
	}

	if !won {
		// A concurrent confirmation got there first.
		current, err := s.intents().GetIntentByReference(ctx, intent.Reference)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}
		if current.Status == models.IntentSucceeded {
			return settlementOf(current, false), nil
		}
		return nil, apperr.Conflict(op, fmt.Sprintf("paiement %s dans l'état %s", current.Reference, current.Status))
	}

	intent.Status = models.IntentSucceeded
	intent.ConfirmedAt = &now
	intent.ProviderRef = providerRef
	intent.ProviderTxnID = n.ProviderTxnID
	metrics.PurchasesActivated.WithLabelValues(string(intent.PurchaseKind), adapter.Name()).Inc()
	log.Infof("[Billing] Settled %s: %s #%d via %s (activated=%t)", intent.Reference, intent.PurchaseKind, intent.PurchaseID, adapter.Name(), activated)

	if s.notifier != nil && activated {
		if err := s.notifier.PurchaseActivated(ctx, *intent); err != nil {
			log.Warnf("[Billing] Could not queue activation notice for %s: %v", intent.Reference, err)
		}
	}
	return settlementOf(intent, activated), nil
}

// FailPayment records a provider-reported failure. The purchase is expired
// so the buyer can start over.
func (s *Service) FailPayment(ctx context.Context, provider string, n *gateway.Notification) error {
	const op = "billing.FailPayment"
	intent, err := s.locate(ctx, op, provider, n)
	if err != nil {
		return err
	}
	changed, err := s.closeIntent(ctx, intent, models.IntentFailed)
	if err != nil {
		return err
	}
	if changed {
		log.Infof("[Billing] Payment %s failed at %s", intent.Reference, provider)
	}
	return nil
}

// ExpireStalePending expires intents that stayed pending longer than the
// pending timeout, together with their purchases.
func (s *Service) ExpireStalePending(ctx context.Context) (int, error) {
	const batch = 200
	before := s.now().Add(-s.pendingTimeout)
	expired := 0
	for {
		stale, err := s.intents().ListStalePending(ctx, before, batch)
		if err != nil {
			return expired, apperr.Internal("billing.ExpireStalePending", err)
		}
		for i := range stale {
			changed, err := s.closeIntent(ctx, &stale[i], models.IntentExpired)
			if err != nil {
				return expired, err
			}
			if changed {
				expired++
			}
		}
		if len(stale) < batch {
			return expired, nil
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
	}
}

// closeIntent moves a pending intent to a terminal status and expires its
// purchase in the same transaction.
func (s *Service) closeIntent(ctx context.Context, intent *models.PaymentIntent, status models.IntentStatus) (bool, error) {
	var changed bool
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		changed, err = NewRepository(tx.DB()).TransitionIntent(ctx, intent.ID, []models.IntentStatus{models.IntentPending}, map[string]interface{}{
			"status": status,
		})
		if err != nil || !changed {
			return err
		}
		ids := []uint{intent.PurchaseID}
		switch intent.PurchaseKind {
		case models.PurchaseSubscription:
			_, err = tx.Subscription.ExpirePending(ctx, ids)
		case models.PurchasePack:
			_, err = tx.Pack.ExpirePending(ctx, ids)
		case models.PurchaseBoost:
			_, err = tx.Boost.ExpirePending(ctx, ids)
		default:
			err = fmt.Errorf("unknown purchase kind %q", intent.PurchaseKind)
		}
		return err
	})
	if err != nil {
		return false, apperr.Internal("billing.closeIntent", err)
	}
	if changed && s.notifier != nil {
		closed := *intent
		closed.Status = status
		if err := s.notifier.PurchaseClosed(ctx, closed); err != nil {
			log.Warnf("[Billing] Could not queue closing notice for %s: %v", intent.Reference, err)
		}
	}
	return changed, nil
}

// GetIntent returns the caller's intent for reference.
func (s *Service) GetIntent(ctx context.Context, userID uint, reference string) (*models.PaymentIntent, error) {
	intent, err := s.intents().GetIntentByReference(ctx, reference)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && intent.UserID != userID) {
		return nil, apperr.NotFound("billing.GetIntent", "Paiement introuvable")
	}
	if err != nil {
		return nil, apperr.Internal("billing.GetIntent", err)
	}
	return intent, nil
}

// HandleWebhook authenticates, records and reconciles one provider callback
// and builds the acknowledgment the provider expects. Only authentication
// and parse failures produce a non-200 status; business failures are
// acknowledged so the provider stops retrying, and are logged and recorded.
func (s *Service) HandleWebhook(ctx context.Context, provider string, req gateway.WebhookRequest) WebhookResponse {
	adapter, err := s.gateways.Get(provider)
	if err != nil {
		return WebhookResponse{Status: http.StatusNotFound, Body: map[string]any{"error": "unknown provider"}}
	}
	name := adapter.Name()

	n, parseErr := adapter.ParseWebhook(req)
	in := WebhookEventInput{
		Provider:       name,
		PayloadJSON:    string(req.Body),
		SignatureValid: parseErr == nil,
	}
	if n != nil {
		in.ProviderEventID = n.EventID
		in.EventType = n.EventType
	}
	if in.EventType == "" {
		in.EventType = "unknown"
	}

	created, event, recErr := s.RecordWebhookEvent(ctx, in)
	if recErr != nil {
		log.Errorf("[Billing] Could not record %s webhook: %v", name, recErr)
	}

	if parseErr != nil {
		log.Warnf("[Billing] Rejected %s webhook: %v", name, parseErr)
		s.finish(ctx, name, event, "", models.WebhookOutcomeRejected, parseErr)
		if apperr.HasCode(parseErr, apperr.EUNAUTHORIZED) {
			return WebhookResponse{Status: http.StatusUnauthorized, Body: map[string]any{"error": "invalid signature"}}
		}
		return WebhookResponse{Status: http.StatusBadRequest, Body: map[string]any{"error": "invalid payload"}}
	}

	if !created && event != nil && event.ProcessedAt != nil &&
		(event.Outcome == models.WebhookOutcomeProcessed || event.Outcome == models.WebhookOutcomeIgnored) {
		log.Infof("[Billing] Duplicate %s webhook %s ignored", name, event.ProviderEventID)
		status, body := adapter.Ack(true)
		return WebhookResponse{Status: status, Body: body}
	}

	var (
		outcome    string
		processErr error
	)
	switch {
	case n.Completed:
		_, processErr = s.ConfirmNotification(ctx, name, n)
		outcome = models.WebhookOutcomeProcessed
	case n.Failed:
		processErr = s.FailPayment(ctx, name, n)
		outcome = models.WebhookOutcomeProcessed
	default:
		outcome = models.WebhookOutcomeIgnored
	}
	if processErr != nil {
		switch apperr.Code(processErr) {
		case apperr.EMISMATCH, apperr.EUNAUTHORIZED:
			outcome = models.WebhookOutcomeMismatch
		default:
			outcome = models.WebhookOutcomeFailed
		}
		log.Errorf("[Billing] %s webhook %s (%s) not applied: %v", name, n.EventID, n.Reference, processErr)
	}
	s.finish(ctx, name, event, n.Reference, outcome, processErr)

	status, body := adapter.Ack(processErr == nil)
	return WebhookResponse{Status: status, Body: body}
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" || !in.SignatureValid {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.intents().CreateWebhookEventIfNotExists(ctx, event)
}

func (s *Service) finish(ctx context.Context, provider string, event *models.BillingWebhookEvent, reference, outcome string, processErr error) {
	metrics.WebhooksTotal.WithLabelValues(provider, outcome).Inc()
	if event == nil {
		return
	}
	errMsg := ""
	if processErr != nil {
		errMsg = processErr.Error()
	}
	if err := s.intents().MarkWebhookProcessed(ctx, event.ID, reference, outcome, errMsg); err != nil {
		log.Errorf("[Billing] Could not mark webhook %d processed: %v", event.ID, err)
	}
	if s.archiver != nil && (outcome == models.WebhookOutcomeRejected || outcome == models.WebhookOutcomeMismatch) {
		archived := *event
		archived.Reference = reference
		archived.Outcome = outcome
		archived.ProcessingError = errMsg
		if err := s.archiver.ArchiveWebhook(ctx, archived); err != nil {
			log.Warnf("[Billing] Could not archive webhook %d: %v", event.ID, err)
		}
	}
}

func (s *Service) verify(ctx context.Context, adapter gateway.Adapter, intent *models.PaymentIntent, providerRef string) (bool, error) {
	if providerRef == "" {
		providerRef = intent.ProviderRef
	}
	started := time.Now()
	paid, err := adapter.Verify(ctx, gateway.VerifyRequest{
		Reference:   intent.Reference,
		ProviderRef: providerRef,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
	})
	observeGateway(adapter.Name(), "verify", started, err)
	return paid, err
}

// review parks an intent for manual reconciliation. The purchase stays
// pending.
func (s *Service) review(ctx context.Context, provider string, intent *models.PaymentIntent, reason string) {
	metrics.ReconciliationMismatches.WithLabelValues(provider, reviewLabel(reason)).Inc()
	_, err := s.intents().TransitionIntent(ctx, intent.ID,
		[]models.IntentStatus{models.IntentPending, models.IntentExpired, models.IntentFailed},
		map[string]interface{}{
			"status":        models.IntentReview,
			"review_reason": reason,
		})
	if err != nil {
		log.Errorf("[Billing] Could not flag %s for review: %v", intent.Reference, err)
		return
	}
	log.Warnf("[Billing] Payment %s flagged for review: %s", intent.Reference, reason)
}

func reviewLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "montant"):
		return "amount"
	case strings.HasPrefix(reason, "devise"):
		return "currency"
	case strings.HasPrefix(reason, "paiement confirmé"):
		return "late"
	default:
		return "state"
	}
}

func settlementOf(intent *models.PaymentIntent, activated bool) *Settlement {
	return &Settlement{
		Reference:  intent.Reference,
		Kind:       intent.PurchaseKind,
		PurchaseID: intent.PurchaseID,
		Status:     intent.Status,
		Activated:  activated,
	}
}

func observeGateway(provider, operation string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.GatewayRequestDuration.WithLabelValues(provider, operation, status).Observe(time.Since(started).Seconds())
}
