package telephony

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go/client"

	"reminder-engine/internal/models"
)

// providerStatuses maps the SMS and voice callback vocabularies onto the three
// statuses the engine acts on.
var providerStatuses = map[string]models.Status{
	// SMS
	"queued":      models.StatusSent,
	"accepted":    models.StatusSent,
	"sending":     models.StatusSent,
	"sent":        models.StatusSent,
	"delivered":   models.StatusDelivered,
	"read":        models.StatusDelivered,
	"failed":      models.StatusFailed,
	"undelivered": models.StatusFailed,
	"canceled":    models.StatusFailed,
	// Voice
	"initiated":   models.StatusSent,
	"ringing":     models.StatusSent,
	"in-progress": models.StatusSent,
	"answered":    models.StatusSent,
	"completed":   models.StatusDelivered,
	"busy":        models.StatusFailed,
	"no-answer":   models.StatusFailed,
}

// MapStatus translates a provider status. Unknown values return
// models.ErrUnknownProviderStatus.
func MapStatus(providerStatus string) (models.Status, error) {
	s, ok := providerStatuses[strings.ToLower(strings.TrimSpace(providerStatus))]
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownProviderStatus, providerStatus)
	}
	return s, nil
}

// Callback is a parsed provider status callback.
type Callback struct {
	SID          string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

// ParseCallback reads a Twilio status callback form. SMS callbacks carry
// MessageSid/MessageStatus, voice callbacks CallSid/CallStatus.
func ParseCallback(form map[string][]string) (Callback, error) {
	get := func(k string) string {
		if v := form[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	cb := Callback{
		SID:          get("MessageSid"),
		Status:       get("MessageStatus"),
		ErrorCode:    get("ErrorCode"),
		ErrorMessage: get("ErrorMessage"),
	}
	if cb.SID == "" {
		cb.SID = get("CallSid")
	}
	if cb.Status == "" {
		cb.Status = get("CallStatus")
	}
	if cb.SID == "" {
		cb.SID = get("SmsSid")
	}
	if cb.Status == "" {
		cb.Status = get("SmsStatus")
	}
	if cb.SID == "" || cb.Status == "" {
		return cb, models.NewValidationError("callback", "missing sid or status")
	}
	return cb, nil
}

// SignatureValidator checks the X-Twilio-Signature header of incoming callbacks.
type SignatureValidator struct {
	validator client.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: client.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches url and the posted form values.
func (v *SignatureValidator) Valid(url string, form map[string][]string, signature string) bool {
	params := make(map[string]string, len(form))
	for k, vals := range form {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(url, params, signature)
}
