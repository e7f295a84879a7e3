package events

import (
	"context"
	"storefront-checkout/internal/domain"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Type string

const (
	IntentCreated Type = "payment.intent.created"
	StatusChanged Type = "payment.intent.status_changed"
	Refunded      Type = "payment.intent.refunded"
)

const Version = 1

// Event is a payment lifecycle fact emitted after the stores have been updated.
type Event struct {
	ID         string               `json:"event_id"`
	Type       Type                 `json:"event_type"`
	Version    int                  `json:"event_version"`
	OccurredAt time.Time            `json:"occurred_at"`
	PaymentID  string               `json:"payment_id"`
	OrderID    string               `json:"order_id"`
	UserID     string               `json:"user_id"`
	Method     domain.PaymentMethod `json:"payment_method"`
	Amount     decimal.Decimal      `json:"amount"`
	From       domain.PaymentStatus `json:"from_status,omitempty"`
	To         domain.PaymentStatus `json:"to_status"`
	Provider   string               `json:"provider,omitempty"`
}

// New fills the envelope for an event about p.
func New(t Type, p *domain.PaymentIntent, from domain.PaymentStatus, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Version:    Version,
		OccurredAt: at.UTC(),
		PaymentID:  p.PaymentID,
		OrderID:    p.OrderID,
		UserID:     p.UserID,
		Method:     p.PaymentMethod,
		Amount:     p.Amount,
		From:       from,
		To:         p.Status,
		Provider:   p.Provider,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("payment event",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("payment_id", e.PaymentID),
		zap.String("order_id", e.OrderID),
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
