package repo

import (
	"context"
	"sort"
	"storefront-checkout/internal/domain"
	"sync"
)

type IntentRepo interface {
	Save(ctx context.Context, intent *domain.PaymentIntent) error
	// FindByID returns nil, nil when the intent is unknown.
	FindByID(ctx context.Context, paymentID string) (*domain.PaymentIntent, error)
	Delete(ctx context.Context, paymentID string) error
	// List returns a snapshot of every stored intent, oldest first.
	List(ctx context.Context) ([]domain.PaymentIntent, error)
}

type memoryIntentRepo struct {
	mu      sync.RWMutex
	intents map[string]domain.PaymentIntent
}

func NewMemoryIntentRepo() IntentRepo {
	return &memoryIntentRepo{intents: make(map[string]domain.PaymentIntent)}
}

func (r *memoryIntentRepo) Save(ctx context.Context, intent *domain.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[intent.PaymentID] = *intent
	return nil
}

func (r *memoryIntentRepo) FindByID(ctx context.Context, paymentID string) (*domain.PaymentIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.intents[paymentID]
	if !exists {
		return nil, nil
	}
	return &p, nil
}

func (r *memoryIntentRepo) Delete(ctx context.Context, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.intents, paymentID)
	return nil
}

func (r *memoryIntentRepo) List(ctx context.Context) ([]domain.PaymentIntent, error) {
	r.mu.RLock()
	intents := make([]domain.PaymentIntent, 0, len(r.intents))
	for _, p := range r.intents {
		intents = append(intents, p)
	}
	r.mu.RUnlock()

	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}
