// Package gateway adapts the payment providers behind one interface. Every
// adapter initiates a payment carrying our own reference, verifies it on
// demand and turns the provider's callback into a Notification.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
)

// DefaultTimeout bounds every call to a provider.
const DefaultTimeout = 15 * time.Second

// Payer identifies who pays. Providers use whichever fields they support.
type Payer struct {
	UserID uint
	Name   string
	Email  string
	Phone  string
}

type InitiateRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Payer       Payer
	Description string
	Metadata    map[string]string
}

type InitiateResult struct {
	ProviderRef  string
	RedirectURL  string
	ClientSecret string
	// NotifToken is a secret the provider will present in its callback. Only
	// its hash is stored.
	NotifToken string
}

type VerifyRequest struct {
	Reference   string
	ProviderRef string
	Amount      int64
	Currency    string
}

// WebhookRequest is the transport-neutral view of a provider callback.
type WebhookRequest struct {
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

// Header looks a header up case-insensitively.
func (r WebhookRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Notification is a provider callback after authentication and translation.
type Notification struct {
	EventID       string
	EventType     string
	Completed     bool
	Failed        bool
	Reference     string
	ProviderRef   string
	ProviderTxnID string
	// Amount is nil when the provider does not report one.
	Amount     *int64
	Currency   string
	Method     string
	NotifToken string
}

// Adapter is implemented by every payment provider.
type Adapter interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, req VerifyRequest) (bool, error)
	ParseWebhook(req WebhookRequest) (*Notification, error)
	Ack(success bool) (int, map[string]any)
	// Instant reports whether payments confirm synchronously at initiation.
	Instant() bool
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name or a NotFound error.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, apperr.Invalid("gateway.Get", fmt.Sprintf("Moyen de paiement non disponible: %s", name))
	}
	return a, nil
}

// Names lists the registered providers in alphabetical order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HashToken returns the hex sha256 of a provider secret, as stored locally.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenMatches compares a presented token with a stored hash in constant time.
func TokenMatches(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(strings.ToLower(storedHash))) == 1
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// parseAmount reads amounts that providers send as strings ("5000",
// "5000.00"). Currencies handled here have no minor unit.
func parseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return int64(math.Round(f)), nil
}

func amountPtr(v int64) *int64 {
	return &v
}

func invalidPayload(provider string, err error) error {
	return apperr.Wrap(err, apperr.EINVALID, "gateway."+provider+".ParseWebhook", "notification illisible")
}

func badSignature(provider string) error {
	return apperr.Unauthorized("gateway."+provider+".ParseWebhook", "signature de notification invalide")
}
