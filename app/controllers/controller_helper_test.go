package controllers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/Talentis/internal/pkg/apperr"
	"github.com/ManuelReschke/Talentis/internal/pkg/usercontext"
)

func TestBindJSONValidates(t *testing.T) {
	app := fiber.New()
	app.Post("/", func(c *fiber.Ctx) error {
		var req BuySubscriptionRequest
		if err := bindJSON(c, "test", &req); err != nil {
			return respondError(c, err)
		}
		return c.JSON(req)
	})

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"missing fields", `{}`, http.StatusBadRequest},
		{"bad cycle", `{"plan":"COMPANY_BIZ","method":"wave","billing_cycle":"weekly"}`, http.StatusBadRequest},
		{"bad payer email", `{"plan":"COMPANY_BIZ","method":"wave","payer":{"email":"nope"}}`, http.StatusBadRequest},
		{"malformed", `{"plan":`, http.StatusBadRequest},
		{"ok", `{"plan":"COMPANY_BIZ","method":"wave","billing_cycle":"yearly"}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)

			if tc.status == http.StatusBadRequest {
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, apperr.EINVALID, body["error"])
				assert.NotEmpty(t, body["message"])
			}
		})
	}
}

func TestRespondErrorShape(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return respondError(c, apperr.Forbidden("test", apperr.ReasonQuotaExceeded, "Limite atteinte"))
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, map[string]string{"error": apperr.EFORBIDDEN, "message": "Limite atteinte", "reason": apperr.ReasonQuotaExceeded}, body)
}

func TestPayerDefaultsToAccount(t *testing.T) {
	uc := usercontext.UserContext{UserID: 4, Username: "Awa", Email: "awa@example.sn", IsLoggedIn: true}

	var none *PayerRequest
	p := none.payer(uc)
	assert.Equal(t, uint(4), p.UserID)
	assert.Equal(t, "awa@example.sn", p.Email)

	p = (&PayerRequest{Phone: "+221770000000", Email: "billing@example.sn"}).payer(uc)
	assert.Equal(t, "Awa", p.Name)
	assert.Equal(t, "billing@example.sn", p.Email)
	assert.Equal(t, "+221770000000", p.Phone)
}
