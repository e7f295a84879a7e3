// Package webhook authenticates gateway callbacks and decodes their payload.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"storefront-checkout/internal/domain"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature   = errors.New("missing signature")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Verifier checks an HMAC-SHA256 over the raw request body.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify must run before the body is parsed.
func (v *Verifier) Verify(rawBody []byte, signature string) error {
	if len(v.secret) == 0 {
		return errors.New("webhook secret not configured")
	}
	if signature == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok || len(hexSig) != sha256.Size*2 {
		return ErrMalformedSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrMalformedSignature
	}

	if !hmac.Equal(got, v.sum(rawBody)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the header value a sender would attach to body.
func (v *Verifier) Sign(body []byte) string {
	return signaturePrefix + hex.EncodeToString(v.sum(body))
}

func (v *Verifier) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// Event is a verified gateway callback with its status already mapped.
type Event struct {
	PaymentID      string
	OrderID        string
	Provider       string
	ExternalID     string
	ExternalStatus string
	Status         domain.PaymentStatus
}

type payload struct {
	PaymentID  string `json:"paymentId"`
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
}

// Decode parses an already verified body.
func Decode(rawBody []byte) (*Event, error) {
	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("%w: webhook body is not valid json", domain.ErrValidation)
	}
	if err := domain.ValidatePaymentID(p.PaymentID); err != nil {
		return nil, err
	}
	if p.OrderID != "" {
		if err := domain.ValidateOrderID(p.OrderID); err != nil {
			return nil, err
		}
	}
	status, ok := domain.MapExternalStatus(p.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown webhook status %q", domain.ErrValidation, p.Status)
	}

	return &Event{
		PaymentID:      p.PaymentID,
		OrderID:        p.OrderID,
		Provider:       p.Provider,
		ExternalID:     p.ExternalID,
		ExternalStatus: p.Status,
		Status:         status,
	}, nil
}
