package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

const defaultWaveAPIBaseURL = "https://api.wave.com"

// waveSignatureTolerance bounds the age of a signed Wave callback.
const waveSignatureTolerance = 5 * time.Minute

type WaveConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	ErrorURL      string
	APIBaseURL    string
	Timeout       time.Duration
}

// WaveAdapter collects mobile-money payments through Wave checkout sessions.
type WaveAdapter struct {
	cfg        WaveConfig
	HTTPClient *http.Client
	now        func() time.Time
}

func NewWaveAdapter(cfg WaveConfig) *WaveAdapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultWaveAPIBaseURL
	}
	return &WaveAdapter{cfg: cfg, HTTPClient: newHTTPClient(cfg.Timeout), now: time.Now}
}

func (a *WaveAdapter) Name() string  { return models.ProviderWave }
func (a *WaveAdapter) Instant() bool { return false }

type waveSession struct {
	ID              string `json:"id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	ClientReference string `json:"client_reference"`
	CheckoutStatus  string `json:"checkout_status"`
	PaymentStatus   string `json:"payment_status"`
	TransactionID   string `json:"transaction_id"`
	WaveLaunchURL   string `json:"wave_launch_url"`
}

func (a *WaveAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "gateway.wave.Initiate"
	payload, err := json.Marshal(map[string]string{
		"amount":           strconv.FormatInt(req.Amount, 10),
		"currency":         req.Currency,
		"client_reference": req.Reference,
		"success_url":      a.cfg.SuccessURL,
		"error_url":        a.cfg.ErrorURL,
	})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	var sess waveSession
	if err := a.do(ctx, http.MethodPost, "/v1/checkout/sessions", payload, &sess); err != nil {
		return nil, apperr.PaymentProvider(op, a.Name(), err)
	}
	if sess.ID == "" || sess.WaveLaunchURL == "" {
		return nil, apperr.PaymentProvider(op, a.Name(), errors.New("wave checkout session response is incomplete"))
	}
	return &InitiateResult{ProviderRef: sess.ID, RedirectURL: sess.WaveLaunchURL}, nil
}

func (a *WaveAdapter) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	var sess waveSession
	if err := a.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+req.ProviderRef, nil, &sess); err != nil {
		return false, apperr.PaymentProvider("gateway.wave.Verify", a.Name(), err)
	}
	return sess.PaymentStatus == "succeeded", nil
}

func (a *WaveAdapter) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.APIBaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
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
		return fmt.Errorf("wave request failed: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

type waveEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data waveSession `json:"data"`
}

func (a *WaveAdapter) ParseWebhook(req WebhookRequest) (*Notification, error) {
	if !a.validSignature(req.Header("Wave-Signature"), req.Body) {
		return nil, badSignature(a.Name())
	}

	var ev waveEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, invalidPayload(a.Name(), err)
	}

	n := &Notification{
		EventID:       ev.ID,
		EventType:     ev.Type,
		Reference:     ev.Data.ClientReference,
		ProviderRef:   ev.Data.ID,
		ProviderTxnID: ev.Data.TransactionID,
		Currency:      strings.ToUpper(ev.Data.Currency),
		Method:        a.Name(),
	}
	if ev.Data.Amount != "" {
		amount, err := parseAmount(ev.Data.Amount)
		if err != nil {
			return nil, invalidPayload(a.Name(), err)
		}
		n.Amount = amountPtr(amount)
	}

	switch ev.Type {
	case "checkout.session.completed":
		n.Completed = ev.Data.PaymentStatus == "succeeded"
	case "checkout.session.payment_failed":
		n.Failed = true
	}
	return n, nil
}

// validSignature checks a "t=<unix>,v1=<hex>[,v1=<hex>]" header against
// HMAC-SHA256(secret, timestamp + body).
func (a *WaveAdapter) validSignature(header string, body []byte) bool {
	if header == "" || a.cfg.WebhookSecret == "" {
		return false
	}
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if age := a.now().Sub(time.Unix(ts, 0)); age > waveSignatureTolerance || age < -waveSignatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := mac.Sum(nil)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

// SignWave builds a Wave-Signature header for body. It is used by tests and
// by local tooling that replays callbacks.
func SignWave(secret string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *WaveAdapter) Ack(success bool) (int, map[string]any) {
	return http.StatusOK, map[string]any{"ok": success}
}
