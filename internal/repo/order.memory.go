package repo

import (
	"context"
	"fmt"
	"storefront-checkout/internal/domain"
	"sync"
)

// MemoryOrderRepo is an in-process order store for tests and the simulator.
type MemoryOrderRepo struct {
	mu       sync.RWMutex
	orders   map[string]domain.Order
	items    map[string][]domain.OrderItem
	products map[string]domain.Product
	updates  int
	failNext error
}

func NewMemoryOrderRepo() *MemoryOrderRepo {
	return &MemoryOrderRepo{
		orders:   make(map[string]domain.Order),
		items:    make(map[string][]domain.OrderItem),
		products: make(map[string]domain.Product),
	}
}

func (r *MemoryOrderRepo) PutOrder(o domain.Order, items ...domain.OrderItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o
	if len(items) > 0 {
		r.items[o.ID] = append([]domain.OrderItem(nil), items...)
	}
}

func (r *MemoryOrderRepo) PutProduct(p domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

// Updates reports how many UpdateOrder calls were applied.
func (r *MemoryOrderRepo) Updates() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updates
}

// FailNextUpdate makes the next UpdateOrder call return err.
func (r *MemoryOrderRepo) FailNextUpdate(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

func (r *MemoryOrderRepo) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r *MemoryOrderRepo) GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.PaymentID != "" && o.PaymentID == paymentID {
			return &o, nil
		}
	}
	return nil, nil
}

func (r *MemoryOrderRepo) GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.OrderItem(nil), r.items[orderID]...), nil
}

func (r *MemoryOrderRepo) GetProductsByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var products []domain.Product
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (r *MemoryOrderRepo) UpdateOrder(ctx context.Context, id string, update domain.OrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failNext; err != nil {
		r.failNext = nil
		return err
	}
	o, ok := r.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	update.Apply(&o)
	r.orders[id] = o
	r.updates++
	return nil
}
