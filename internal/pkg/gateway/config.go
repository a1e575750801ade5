package gateway

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/Talentis/internal/pkg/env"
)

// NewRegistryFromEnv registers every provider whose credentials are present.
func NewRegistryFromEnv() *Registry {
	r := NewRegistry()
	timeout := DefaultTimeout
	if d, err := time.ParseDuration(env.GetEnv("GATEWAY_TIMEOUT", "")); err == nil && d > 0 {
		timeout = d
	}
	public := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")

	if key := env.GetEnv("STRIPE_SECRET_KEY", ""); key != "" {
		r.Register(NewStripeAdapter(StripeConfig{
			SecretKey:     key,
			WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:    env.GetEnv("STRIPE_SUCCESS_URL", public+"/premium/success"),
			CancelURL:     env.GetEnv("STRIPE_CANCEL_URL", public+"/premium/cancel"),
		}))
	}
	if key := env.GetEnv("WAVE_API_KEY", ""); key != "" {
		r.Register(NewWaveAdapter(WaveConfig{
			APIKey:        key,
			WebhookSecret: env.GetEnv("WAVE_WEBHOOK_SECRET", ""),
			SuccessURL:    env.GetEnv("WAVE_SUCCESS_URL", public+"/premium/success"),
			ErrorURL:      env.GetEnv("WAVE_ERROR_URL", public+"/premium/cancel"),
			APIBaseURL:    env.GetEnv("WAVE_API_BASE_URL", defaultWaveAPIBaseURL),
			Timeout:       timeout,
		}))
	}
	if id := env.GetEnv("ORANGE_MONEY_CLIENT_ID", ""); id != "" {
		r.Register(NewOrangeMoneyAdapter(OrangeMoneyConfig{
			ClientID:     id,
			ClientSecret: env.GetEnv("ORANGE_MONEY_CLIENT_SECRET", ""),
			MerchantKey:  env.GetEnv("ORANGE_MONEY_MERCHANT_KEY", ""),
			Country:      env.GetEnv("ORANGE_MONEY_COUNTRY", "sn"),
			ReturnURL:    env.GetEnv("ORANGE_MONEY_RETURN_URL", public+"/premium/success"),
			CancelURL:    env.GetEnv("ORANGE_MONEY_CANCEL_URL", public+"/premium/cancel"),
			NotifURL:     env.GetEnv("ORANGE_MONEY_NOTIF_URL", public+"/webhooks/orange_money"),
			APIBaseURL:   env.GetEnv("ORANGE_MONEY_API_BASE_URL", defaultOrangeAPIBaseURL),
			Timeout:      timeout,
		}))
	}
	if key := env.GetEnv("PAYTECH_API_KEY", ""); key != "" {
		r.Register(NewPayTechAdapter(PayTechConfig{
			APIKey:     key,
			APISecret:  env.GetEnv("PAYTECH_API_SECRET", ""),
			Env:        env.GetEnv("PAYTECH_ENV", "test"),
			IPNURL:     env.GetEnv("PAYTECH_IPN_URL", public+"/webhooks/paytech"),
			SuccessURL: env.GetEnv("PAYTECH_SUCCESS_URL", public+"/premium/success"),
			CancelURL:  env.GetEnv("PAYTECH_CANCEL_URL", public+"/premium/cancel"),
			APIBaseURL: env.GetEnv("PAYTECH_API_BASE_URL", defaultPayTechAPIBaseURL),
			Timeout:    timeout,
		}))
	}
	if env.GetEnv("SANDBOX_PAYMENTS_ENABLED", "false") == "true" {
		log.Warn("[Gateway] Sandbox payments are enabled, every purchase is confirmed instantly")
		r.Register(NewSandboxAdapter())
	}

	log.Infof("[Gateway] Payment providers: %s", strings.Join(r.Names(), ", "))
	return r
}
