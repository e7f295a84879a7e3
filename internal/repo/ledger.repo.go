package repo

import (
	"context"
	"strings"
	"sync"
)

// LedgerKey is the dedup identity of an initiate request.
type LedgerKey struct {
	UserID         string
	OrderID        string
	IdempotencyKey string
}

func (k LedgerKey) String() string {
	return strings.Join([]string{k.UserID, k.OrderID, k.IdempotencyKey}, ":")
}

// IdempotencyLedger maps a dedup key to the payment id it created.
type IdempotencyLedger interface {
	Get(ctx context.Context, key LedgerKey) (paymentID string, found bool, err error)
	Put(ctx context.Context, key LedgerKey, paymentID string) error
	Delete(ctx context.Context, key LedgerKey) error
}

type memoryLedger struct {
	mu      sync.RWMutex
	entries map[LedgerKey]string
}

func NewMemoryLedger() IdempotencyLedger {
	return &memoryLedger{entries: make(map[LedgerKey]string)}
}

func (l *memoryLedger) Get(ctx context.Context, key LedgerKey) (string, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.entries[key]
	return id, ok, nil
}

func (l *memoryLedger) Put(ctx context.Context, key LedgerKey, paymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = paymentID
	return nil
}

func (l *memoryLedger) Delete(ctx context.Context, key LedgerKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
