package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// APIURL overrides the Stripe API endpoint, for tests.
	APIURL string
}

// StripeAdapter collects card payments through Stripe Checkout in payment
// mode. Our reference travels as client_reference_id and metadata.
type StripeAdapter struct {
	cfg StripeConfig
	api *client.API
}

func NewStripeAdapter(cfg StripeConfig) *StripeAdapter {
	var backends *stripe.Backends
	if cfg.APIURL != "" {
		backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL:        stripe.String(cfg.APIURL),
				HTTPClient: newHTTPClient(DefaultTimeout),
			}),
		}
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, backends)
	return &StripeAdapter{cfg: cfg, api: api}
}

func (a *StripeAdapter) Name() string  { return models.ProviderStripe }
func (a *StripeAdapter) Instant() bool { return false }

func (a *StripeAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "gateway.stripe.Initiate"
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(a.cfg.SuccessURL),
		CancelURL:         stripe.String(a.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if req.Payer.Email != "" {
		params.CustomerEmail = stripe.String(req.Payer.Email)
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, apperr.PaymentProvider(op, a.Name(), fmt.Errorf("stripe create checkout session: %w", err))
	}
	return &InitiateResult{ProviderRef: sess.ID, RedirectURL: sess.URL}, nil
}

func (a *StripeAdapter) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := a.api.CheckoutSessions.Get(req.ProviderRef, params)
	if err != nil {
		return false, apperr.PaymentProvider("gateway.stripe.Verify", a.Name(), fmt.Errorf("stripe get checkout session: %w", err))
	}
	return sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid, nil
}

func (a *StripeAdapter) ParseWebhook(req WebhookRequest) (*Notification, error) {
	event, err := webhook.ConstructEventWithOptions(req.Body, req.Header("Stripe-Signature"), a.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, badSignature(a.Name())
	}

	n := &Notification{EventID: event.ID, EventType: string(event.Type), Method: a.Name()}
	switch event.Type {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed",
		"checkout.session.expired":
	default:
		return n, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, invalidPayload(a.Name(), err)
	}
	n.Reference = sess.ClientReferenceID
	if n.Reference == "" {
		n.Reference = sess.Metadata["reference"]
	}
	n.ProviderRef = sess.ID
	n.Amount = amountPtr(sess.AmountTotal)
	n.Currency = strings.ToUpper(string(sess.Currency))
	if sess.PaymentIntent != nil {
		n.ProviderTxnID = sess.PaymentIntent.ID
	}

	switch event.Type {
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		n.Failed = true
	default:
		n.Completed = sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	}
	return n, nil
}

func (a *StripeAdapter) Ack(success bool) (int, map[string]any) {
	return http.StatusOK, map[string]any{"received": true}
}
