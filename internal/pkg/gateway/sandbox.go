package gateway

import (
	"context"
	"net/http"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

// SandboxAdapter confirms every payment at initiation. It exists for local
// development and demos and is only registered when explicitly enabled.
type SandboxAdapter struct{}

func NewSandboxAdapter() *SandboxAdapter {
	return &SandboxAdapter{}
}

func (a *SandboxAdapter) Name() string  { return models.ProviderSandbox }
func (a *SandboxAdapter) Instant() bool { return true }

func (a *SandboxAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	return &InitiateResult{ProviderRef: "sbx_" + req.Reference}, nil
}

func (a *SandboxAdapter) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	return req.ProviderRef == "sbx_"+req.Reference, nil
}

// ParseWebhook rejects every callback; sandbox payments never arrive by HTTP.
func (a *SandboxAdapter) ParseWebhook(req WebhookRequest) (*Notification, error) {
	return nil, apperr.Unauthorized("gateway.sandbox.ParseWebhook", "le mode bac à sable n'accepte pas de notification")
}

func (a *SandboxAdapter) Ack(success bool) (int, map[string]any) {
	return http.StatusOK, map[string]any{"ok": success}
}

// Confirmation builds the notification an instant provider would have sent
// for a successful initiation.
func Confirmation(req InitiateRequest, res *InitiateResult, provider string) *Notification {
	return &Notification{
		EventID:     "instant:" + req.Reference,
		EventType:   "instant.completed",
		Completed:   true,
		Reference:   req.Reference,
		ProviderRef: res.ProviderRef,
		Amount:      amountPtr(req.Amount),
		Currency:    req.Currency,
		Method:      provider,
	}
}
