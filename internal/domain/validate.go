package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Currency = "BRL"

	paymentIDPrefix = "pay_"
	legacyKeyPrefix = "legacy_"
)

var (
	MaxAmount = decimal.RequireFromString("50000.00")

	paymentIDPattern      = regexp.MustCompile(`^pay_[a-f0-9]{32}$`)
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)
)

// NewPaymentID returns a fresh opaque payment id.
func NewPaymentID() string {
	return paymentIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LegacyIdempotencyKey is the synthetic key given to intents rebuilt from an
// order record.
func LegacyIdempotencyKey(paymentID string) string {
	return legacyKeyPrefix + strings.TrimPrefix(paymentID, paymentIDPrefix)
}

func ValidatePaymentID(id string) error {
	if !paymentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid payment id", ErrValidation)
	}
	return nil
}

func ValidateOrderID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return fmt.Errorf("%w: invalid order id", ErrValidation)
	}
	return nil
}

func ValidateIdempotencyKey(key string) error {
	if !idempotencyKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: invalid idempotency key", ErrValidation)
	}
	return nil
}

func ValidateCurrency(c string) error {
	if c != Currency {
		return fmt.Errorf("%w: unsupported currency %q", ErrValidation, c)
	}
	return nil
}

func ValidateMethod(m PaymentMethod) error {
	if !m.Valid() {
		return fmt.Errorf("%w: unsupported payment method %q", ErrValidation, m)
	}
	return nil
}

// NormalizeAmount checks the amount bounds and rounds it to cents.
func NormalizeAmount(a decimal.Decimal) (decimal.Decimal, error) {
	rounded := a.Round(2)
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if rounded.GreaterThan(MaxAmount) {
		return decimal.Zero, fmt.Errorf("%w: amount exceeds %s", ErrValidation, MaxAmount.StringFixed(2))
	}
	return rounded, nil
}
