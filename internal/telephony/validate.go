package telephony

import (
	"net/http"

	twilioclient "github.com/twilio/twilio-go/client"
)

// WebhookValidator checks the X-Twilio-Signature header of incoming
// webhooks against the account auth token.
type WebhookValidator struct {
	inner   twilioclient.RequestValidator
	baseURL string
}

// NewWebhookValidator creates a validator for webhooks delivered to baseURL
// (scheme and host as the carrier sees them, e.g. "https://api.example.com").
func NewWebhookValidator(authToken, baseURL string) *WebhookValidator {
	return &WebhookValidator{
		inner:   twilioclient.NewRequestValidator(authToken),
		baseURL: baseURL,
	}
}

// Validate reports whether r carries a correct signature over its form
// parameters. The request form must already be parsed.
func (v *WebhookValidator) Validate(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}
	return v.inner.Validate(v.baseURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature"))
}
