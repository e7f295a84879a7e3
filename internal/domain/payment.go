package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentInitialized PaymentStatus = "initialized"
	PaymentProcessing  PaymentStatus = "processing"
	PaymentPending     PaymentStatus = "pending"
	PaymentConfirmed   PaymentStatus = "confirmed"
	PaymentApproved    PaymentStatus = "approved"
	PaymentDeclined    PaymentStatus = "declined"
	PaymentCancelled   PaymentStatus = "cancelled"
	PaymentRefunded    PaymentStatus = "refunded"
)

// IsTerminal reports whether the status ends the lifecycle for idempotent re-entry.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentConfirmed, PaymentApproved, PaymentDeclined, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

// IsClosed reports whether the intent can no longer be confirmed.
func (s PaymentStatus) IsClosed() bool {
	return s == PaymentDeclined || s == PaymentCancelled || s == PaymentRefunded
}

type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "credit_card"
	MethodPix        PaymentMethod = "pix"
	MethodBoleto     PaymentMethod = "boleto"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodPix, MethodBoleto:
		return true
	}
	return false
}

// InitialStatus is the status an intent is created with.
func (m PaymentMethod) InitialStatus() PaymentStatus {
	if m == MethodCreditCard {
		return PaymentProcessing
	}
	return PaymentPending
}

type PaymentIntent struct {
	PaymentID      string          `json:"paymentId"`
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	Status         PaymentStatus   `json:"status"`
	Confirmations  int             `json:"confirmations"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Provider       string          `json:"provider,omitempty"`
	ExternalID     string          `json:"externalId,omitempty"`
	Legacy         bool            `json:"legacy,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

func (p *PaymentIntent) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AwaitingCard reports whether the intent is a card payment still inside its
// confirmation window. Once expired it can only be cancelled.
func (p *PaymentIntent) AwaitingCard() bool {
	return p.PaymentMethod == MethodCreditCard && p.Status == PaymentProcessing
}

// OrderStatus derives the order status from the intent. It is recomputed on
// every write and never stored on the intent.
func (p *PaymentIntent) OrderStatus() OrderStatus {
	return DeriveOrderStatus(p.PaymentMethod, p.Status)
}

func DeriveOrderStatus(method PaymentMethod, status PaymentStatus) OrderStatus {
	switch status {
	case PaymentCancelled, PaymentDeclined, PaymentRefunded:
		return OrderCancelled
	case PaymentConfirmed, PaymentApproved:
		return OrderProcessing
	case PaymentProcessing:
		if method == MethodCreditCard {
			return OrderProcessing
		}
	}
	return OrderPending
}

var externalStatuses = map[string]PaymentStatus{
	"approved":    PaymentApproved,
	"paid":        PaymentApproved,
	"confirmed":   PaymentApproved,
	"processing":  PaymentProcessing,
	"in_analysis": PaymentProcessing,
	"pending":     PaymentPending,
	"waiting":     PaymentPending,
	"declined":    PaymentDeclined,
	"rejected":    PaymentDeclined,
	"failed":      PaymentDeclined,
	"cancelled":   PaymentCancelled,
	"canceled":    PaymentCancelled,
	"refunded":    PaymentRefunded,
	"refund":      PaymentRefunded,
}

// MapExternalStatus translates a gateway status word into the internal enum.
func MapExternalStatus(external string) (PaymentStatus, bool) {
	s, ok := externalStatuses[strings.ToLower(strings.TrimSpace(external))]
	return s, ok
}

// StatusFromOrder approximates a payment status for an intent that only
// survives as an order record.
func StatusFromOrder(o *Order) PaymentStatus {
	switch o.Status {
	case OrderCancelled:
		return PaymentCancelled
	case OrderShipped, OrderDelivered:
		return PaymentApproved
	case OrderProcessing:
		if o.PaymentMethod == MethodCreditCard {
			return PaymentProcessing
		}
		return PaymentApproved
	}
	return PaymentPending
}
