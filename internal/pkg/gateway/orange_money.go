package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/Talentis/app/models"
	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

const defaultOrangeAPIBaseURL = "https://api.orange.com"

type OrangeMoneyConfig struct {
	ClientID     string
	ClientSecret string
	MerchantKey  string
	// Country is the path segment of the web payment API, e.g. "sn".
	Country   string
	ReturnURL string
	CancelURL string
	// NotifURL receives callbacks; the payment reference is appended as ?ref=.
	NotifURL   string
	APIBaseURL string
	Timeout    time.Duration
}

// OrangeMoneyAdapter collects payments through the Orange Money web payment
// API. Callbacks carry no signature and no amount: they are authenticated by
// the notif_token issued at initiation and confirmed with a status lookup.
type OrangeMoneyAdapter struct {
	cfg        OrangeMoneyConfig
	HTTPClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewOrangeMoneyAdapter(cfg OrangeMoneyConfig) *OrangeMoneyAdapter {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultOrangeAPIBaseURL
	}
	if cfg.Country == "" {
		cfg.Country = "sn"
	}
	return &OrangeMoneyAdapter{cfg: cfg, HTTPClient: newHTTPClient(cfg.Timeout)}
}

func (a *OrangeMoneyAdapter) Name() string  { return models.ProviderOrangeMoney }
func (a *OrangeMoneyAdapter) Instant() bool { return false }

type orangeTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (a *OrangeMoneyAdapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/oauth/v3/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out orangeTokenResponse
	if err := a.send(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("orange money token response has no access_token")
	}
	a.token = out.AccessToken
	// Refresh a minute early.
	a.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return a.token, nil
}

type orangeInitResponse struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	PayToken   string `json:"pay_token"`
	PaymentURL string `json:"payment_url"`
	NotifToken string `json:"notif_token"`
}

func (a *OrangeMoneyAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	const op = "gateway.orange_money.Initiate"
	notifURL, err := url.Parse(a.cfg.NotifURL)
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("invalid ORANGE_MONEY_NOTIF_URL: %w", err))
	}
	q := notifURL.Query()
	q.Set("ref", req.Reference)
	notifURL.RawQuery = q.Encode()

	payload, err := json.Marshal(map[string]any{
		"merchant_key": a.cfg.MerchantKey,
		"currency":     req.Currency,
		"order_id":     req.Reference,
		"amount":       req.Amount,
		"return_url":   a.cfg.ReturnURL,
		"cancel_url":   a.cfg.CancelURL,
		"notif_url":    notifURL.String(),
		"lang":         "fr",
		"reference":    req.Description,
	})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	var out orangeInitResponse
	if err := a.authorized(ctx, "/orange-money-webpay/"+a.cfg.Country+"/v1/webpayment", payload, &out); err != nil {
		return nil, apperr.PaymentProvider(op, a.Name(), err)
	}
	if out.PayToken == "" || out.PaymentURL == "" || out.NotifToken == "" {
		return nil, apperr.PaymentProvider(op, a.Name(), fmt.Errorf("orange money init incomplete: %s", out.Message))
	}
	return &InitiateResult{ProviderRef: out.PayToken, RedirectURL: out.PaymentURL, NotifToken: out.NotifToken}, nil
}

type orangeStatusResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	TxnID   string `json:"txnid"`
}

func (a *OrangeMoneyAdapter) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	payload, err := json.Marshal(map[string]any{
		"order_id":  req.Reference,
		"amount":    req.Amount,
		"pay_token": req.ProviderRef,
	})
	if err != nil {
		return false, apperr.Internal("gateway.orange_money.Verify", err)
	}
	var out orangeStatusResponse
	if err := a.authorized(ctx, "/orange-money-webpay/"+a.cfg.Country+"/v1/transactionstatus", payload, &out); err != nil {
		return false, apperr.PaymentProvider("gateway.orange_money.Verify", a.Name(), err)
	}
	return out.Status == "SUCCESS" && out.OrderID == req.Reference, nil
}

func (a *OrangeMoneyAdapter) authorized(ctx context.Context, path string, payload []byte, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return a.send(req, out)
}

func (a *OrangeMoneyAdapter) send(req *http.Request, out any) error {
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("orange money request failed: status=%d body=%s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}

func (a *OrangeMoneyAdapter) endpoint(path string) string {
	return strings.TrimRight(a.cfg.APIBaseURL, "/") + path
}

type orangeCallback struct {
	Status     string `json:"status"`
	NotifToken string `json:"notif_token"`
	TxnID      string `json:"txnid"`
}

// ParseWebhook only decodes the callback. The notif_token is checked by the
// reconciler against the hash stored on the payment intent.
func (a *OrangeMoneyAdapter) ParseWebhook(req WebhookRequest) (*Notification, error) {
	var cb orangeCallback
	if err := json.Unmarshal(req.Body, &cb); err != nil {
		return nil, invalidPayload(a.Name(), err)
	}
	if cb.NotifToken == "" {
		return nil, badSignature(a.Name())
	}

	n := &Notification{
		EventID:       cb.TxnID,
		EventType:     cb.Status,
		Reference:     req.Query["ref"],
		ProviderTxnID: cb.TxnID,
		NotifToken:    cb.NotifToken,
		Method:        a.Name(),
	}
	switch cb.Status {
	case "SUCCESS":
		n.Completed = true
	case "FAILED", "EXPIRED":
		n.Failed = true
	}
	return n, nil
}

func (a *OrangeMoneyAdapter) Ack(success bool) (int, map[string]any) {
	return http.StatusOK, map[string]any{"status": "OK"}
}
