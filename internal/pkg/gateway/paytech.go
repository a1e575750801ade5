package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

const defaultPayTechAPIBaseURL = "https://paytech.sn"

type PayTechConfig struct {
	APIKey    string
	APISecret string
	// Env is "test" or "prod".
	Env        string
	IPNURL     string
	SuccessURL string
	CancelURL  string
	APIBaseURL string
	Timeout    time.Duration
}

// PayTechAdapter collects payments through the PayTech aggregator (card,
// Orange Money, Wave, Free Money). IPN callbacks prove their origin by
// carrying sha256 hashes of our API key and secret.
type PayTechAdapter struct {
	cfg        PayTechConfig
	HTTPClient *http.Client
}

func NewPayTechAdapter(cfg PayTechConfig) *PayTechAdapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultPayTechAPIBaseURL
	}
	if cfg.Env == "" {
		cfg.Env = "test"
	}
	return &PayTechAdapter{cfg: cfg, HTTPClient: newHTTPClient(cfg.Timeout)}
}

func (a *PayTechAdapter) Name() string  { return models.ProviderPayTech }
func (a *PayTechAdapter) Instant() bool { return false }

type payTechRequestResponse struct {
	Success     int    `json:"success"`
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
	Message     string `json:"message"`
}

func (a *PayTechAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "gateway.paytech.Initiate"
	custom, err := json.Marshal(map[string]string{"reference": req.Reference})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	payload, err := json.Marshal(map[string]any{
		"item_name":    req.Description,
		"item_price":   req.Amount,
		"currency":     req.Currency,
		"ref_command":  req.Reference,
		"command_name": req.Description,
		"env":          a.cfg.Env,
		"ipn_url":      a.cfg.IPNURL,
		"success_url":  a.cfg.SuccessURL,
		"cancel_url":   a.cfg.CancelURL,
		"custom_field": string(custom),
	})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	var out payTechRequestResponse
	if err := a.do(ctx, http.MethodPost, "/api/payment/request-payment", payload, &out); err != nil {
		return nil, apperr.PaymentProvider(op, a.Name(), err)
	}
	if out.Success != 1 || out.Token == "" {
		return nil, apperr.PaymentProvider(op, a.Name(), fmt.Errorf("paytech refused payment request: %s", out.Message))
	}
	return &InitiateResult{ProviderRef: out.Token, RedirectURL: out.RedirectURL}, nil
}

type payTechStatusResponse struct {
	Success int `json:"success"`
	Payment struct {
		State      string `json:"state"`
		RefCommand string `json:"ref_command"`
	} `json:"payment"`
}

func (a *PayTechAdapter) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	var out payTechStatusResponse
	path := "/api/payment/get-status?token_payment=" + url.QueryEscape(req.ProviderRef)
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, apperr.PaymentProvider("gateway.paytech.Verify", a.Name(), err)
	}
	return out.Success == 1 && out.Payment.State == "completed" && out.Payment.RefCommand == req.Reference, nil
}

func (a *PayTechAdapter) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.APIBaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("API_KEY", a.cfg.APIKey)
	req.Header.Set("API_SECRET", a.cfg.APISecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paytech request failed: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

// payTechIPN holds the IPN fields; PayTech posts them form-encoded or as JSON.
type payTechIPN struct {
	TypeEvent       string `json:"type_event"`
	RefCommand      string `json:"ref_command"`
	ItemPrice       string `json:"item_price"`
	Currency        string `json:"currency"`
	Token           string `json:"token"`
	CustomField     string `json:"custom_field"`
	PaymentMethod   string `json:"payment_method"`
	APIKeySHA256    string `json:"api_key_sha256"`
	APISecretSHA256 string `json:"api_secret_sha256"`
}

func (a *PayTechAdapter) ParseWebhook(req WebhookRequest) (*Notification, error) {
	ipn, err := decodePayTechIPN(req)
	if err != nil {
		return nil, invalidPayload(a.Name(), err)
	}
	if !a.authentic(ipn) {
		return nil, badSignature(a.Name())
	}

	n := &Notification{
		EventType:   ipn.TypeEvent,
		Reference:   payTechReference(ipn),
		ProviderRef: ipn.Token,
		Currency:    strings.ToUpper(ipn.Currency),
		Method:      a.Name(),
	}
	if ipn.PaymentMethod != "" {
		n.Method = a.Name() + ":" + strings.ToLower(ipn.PaymentMethod)
	}
	if ipn.Token != "" {
		n.EventID = ipn.Token + ":" + ipn.TypeEvent
	}
	if ipn.ItemPrice != "" {
		amount, err := parseAmount(ipn.ItemPrice)
		if err != nil {
			return nil, invalidPayload(a.Name(), err)
		}
		n.Amount = amountPtr(amount)
	}

	switch ipn.TypeEvent {
	case "sale_complete":
		n.Completed = true
	case "sale_canceled":
		n.Failed = true
	}
	return n, nil
}

// authentic compares the attached hashes with our own credentials hashed the
// same way. Callbacks without hashes are rejected.
func (a *PayTechAdapter) authentic(ipn *payTechIPN) bool {
	if ipn.APIKeySHA256 == "" || ipn.APISecretSHA256 == "" || a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return false
	}
	keyOK := subtle.ConstantTimeCompare([]byte(HashToken(a.cfg.APIKey)), []byte(strings.ToLower(ipn.APIKeySHA256))) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(HashToken(a.cfg.APISecret)), []byte(strings.ToLower(ipn.APISecretSHA256))) == 1
	return keyOK && secretOK
}

func decodePayTechIPN(req WebhookRequest) (*payTechIPN, error) {
	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var ipn payTechIPN
	if body[0] == '{' {
		// item_price may be a number or a string.
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, err
		}
		get := func(k string) string {
			switch v := raw[k].(type) {
			case string:
				return v
			case float64:
				return fmt.Sprintf("%.0f", v)
			case nil:
				return ""
			default:
				b, _ := json.Marshal(v)
				return string(b)
			}
		}
		ipn = payTechIPN{
			TypeEvent:       get("type_event"),
			RefCommand:      get("ref_command"),
			ItemPrice:       get("item_price"),
			Currency:        get("currency"),
			Token:           get("token"),
			CustomField:     get("custom_field"),
			PaymentMethod:   get("payment_method"),
			APIKeySHA256:    get("api_key_sha256"),
			APISecretSHA256: get("api_secret_sha256"),
		}
		return &ipn, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	ipn = payTechIPN{
		TypeEvent:       form.Get("type_event"),
		RefCommand:      form.Get("ref_command"),
		ItemPrice:       form.Get("item_price"),
		Currency:        form.Get("currency"),
		Token:           form.Get("token"),
		CustomField:     form.Get("custom_field"),
		PaymentMethod:   form.Get("payment_method"),
		APIKeySHA256:    form.Get("api_key_sha256"),
		APISecretSHA256: form.Get("api_secret_sha256"),
	}
	return &ipn, nil
}

// payTechReference prefers the reference inside custom_field (plain or
// base64 JSON) and falls back to ref_command.
func payTechReference(ipn *payTechIPN) string {
	custom := strings.TrimSpace(ipn.CustomField)
	if custom != "" {
		candidates := [][]byte{[]byte(custom)}
		if decoded, err := base64.StdEncoding.DecodeString(custom); err == nil {
			candidates = append(candidates, decoded)
		}
		for _, c := range candidates {
			var fields map[string]string
			if json.Unmarshal(c, &fields) == nil && fields["reference"] != "" {
				return fields["reference"]
			}
		}
	}
	return ipn.RefCommand
}

func (a *PayTechAdapter) Ack(success bool) (int, map[string]any) {
	if success {
		return http.StatusOK, map[string]any{"success": 1}
	}
	return http.StatusOK, map[string]any{"success": 0}
}
