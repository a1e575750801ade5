package billing

import (
	"context"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/app/repository"
	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
)

// Activator turns a paid purchase of one kind into an entitlement. It runs
// inside the reconciliation transaction and must only use tx. It returns
// false when the purchase was already active.
type Activator interface {
	ActivatePurchase(ctx context.Context, tx *repository.Repositories, purchaseID uint, payment models.PaymentRecord) (bool, error)
}

// Notifier is told about purchases that became active, and about pending
// purchases closed as failed or expired.
type Notifier interface {
	PurchaseActivated(ctx context.Context, intent models.PaymentIntent) error
	PurchaseClosed(ctx context.Context, intent models.PaymentIntent) error
}

// Archiver keeps a copy of notifications that were rejected.
type Archiver interface {
	ArchiveWebhook(ctx context.Context, event models.BillingWebhookEvent) error
}

// CheckoutRequest describes a purchase about to be paid.
type CheckoutRequest struct {
	Kind        models.PurchaseKind
	UserID      uint
	Amount      int64
	Currency    string
	Provider    string
	Payer       gateway.Payer
	Description string
}

// CreatePurchaseFunc inserts the pending purchase row inside the checkout
// transaction and returns its id. reference is the payment reference to
// store on the row.
type CreatePurchaseFunc func(tx *repository.Repositories, reference string) (uint, error)

// Checkout is the handle returned to the buyer.
type Checkout struct {
	Reference    string              `json:"reference"`
	Provider     string              `json:"provider"`
	ProviderRef  string              `json:"provider_ref,omitempty"`
	RedirectURL  string              `json:"redirect_url,omitempty"`
	ClientSecret string              `json:"client_secret,omitempty"`
	Amount       int64               `json:"amount"`
	Currency     string              `json:"currency"`
	Status       models.IntentStatus `json:"status"`
	PurchaseID   uint                `json:"purchase_id"`
}

// Settlement reports what reconciliation did with a confirmed payment.
type Settlement struct {
	Reference  string              `json:"reference"`
	Kind       models.PurchaseKind `json:"purchase_kind"`
	PurchaseID uint                `json:"purchase_id"`
	Status     models.IntentStatus `json:"status"`
	// Activated is true only for the call that performed the activation.
	Activated bool `json:"activated"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// WebhookResponse is what the HTTP layer sends back to the provider.
type WebhookResponse struct {
	Status int
	Body   map[string]any
}
