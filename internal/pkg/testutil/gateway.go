package testutil

import (
	"context"
	"net/http"

	"github.com/ManuelReschke/Talentis/internal/pkg/gateway"
)

// GatewayName is the provider name of Gateway.
const GatewayName = "testpay"

// Gateway is a payment provider that never confirms on its own. Tests settle
// its payments through the billing service.
type Gateway struct {
	Paid bool
}

func (g *Gateway) Name() string  { return GatewayName }
func (g *Gateway) Instant() bool { return false }

func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	return &gateway.InitiateResult{
		ProviderRef: "tp_" + req.Reference,
		RedirectURL: "https://testpay.example/checkout/" + req.Reference,
	}, nil
}

func (g *Gateway) Verify(ctx context.Context, req gateway.VerifyRequest) (bool, error) {
	return g.Paid, nil
}

func (g *Gateway) ParseWebhook(req gateway.WebhookRequest) (*gateway.Notification, error) {
	return nil, http.ErrNotSupported
}

func (g *Gateway) Ack(success bool) (int, map[string]any) {
	return http.StatusOK, map[string]any{"ok": success}
}

// Paid builds the completed notification for a reference and amount.
func Paid(reference string, amount int64) *gateway.Notification {
	return &gateway.Notification{
		EventID:   "evt_" + reference,
		EventType: "paid",
		Completed: true,
		Reference: reference,
		Amount:    &amount,
	}
}
