package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"storefront-checkout/internal/domain"
	"sync"
	"time"

	"github.com/google/uuid"
)

const SimulatedName = "simulated"

// Simulated is an in-process gateway with random outcomes: most charges pass,
// some are declined, and a few are charged but answer with a timeout (the
// phantom charge the status poller later reconciles).
type Simulated struct {
	mu      sync.RWMutex
	charges map[string]*Result // keyed by payment id
	byExt   map[string]*Result

	rng          *rand.Rand
	latency      time.Duration
	phantomDelay time.Duration
}

func NewSimulated(seed uint64, latency, phantomDelay time.Duration) *Simulated {
	return &Simulated{
		charges:      make(map[string]*Result),
		byExt:        make(map[string]*Result),
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		latency:      latency,
		phantomDelay: phantomDelay,
	}
}

func (s *Simulated) Name() string { return SimulatedName }

func (s *Simulated) Process(ctx context.Context, req Request) (*Result, error) {
	// a payment id is only ever charged once
	s.mu.RLock()
	if res, exists := s.charges[req.PaymentID]; exists {
		s.mu.RUnlock()
		copied := *res
		return &copied, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	chance := s.rng.IntN(100)
	s.mu.Unlock()

	res := &Result{ExternalID: "sim_" + uuid.NewString()}
	switch {
	case chance < 70:
		res.Status = successStatus(req.Method)
		if err := sleep(ctx, s.latency); err != nil {
			return nil, err
		}
	case chance < 90:
		res.Status = "rejected"
		if err := sleep(ctx, s.latency); err != nil {
			return nil, err
		}
	default:
		// charged on the provider side, but the caller only sees a timeout
		res.Status = successStatus(req.Method)
		s.record(req.PaymentID, res)
		_ = sleep(ctx, s.phantomDelay)
		return nil, fmt.Errorf("%w: simulated gateway timed out", domain.ErrUpstream)
	}

	s.record(req.PaymentID, res)
	copied := *res
	return &copied, nil
}

func (s *Simulated) Status(ctx context.Context, externalID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if res, exists := s.byExt[externalID]; exists {
		copied := *res
		return &copied, nil
	}
	return nil, fmt.Errorf("%w: unknown transaction %s", domain.ErrNotFound, externalID)
}

// Lookup returns what the provider recorded for a payment id, if anything.
func (s *Simulated) Lookup(paymentID string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.charges[paymentID]
	if !ok {
		return nil, false
	}
	copied := *res
	return &copied, true
}

func (s *Simulated) FindByPaymentID(ctx context.Context, paymentID string) (*Result, error) {
	if res, ok := s.Lookup(paymentID); ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: no charge for %s", domain.ErrNotFound, paymentID)
}

func (s *Simulated) record(paymentID string, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges[paymentID] = res
	s.byExt[res.ExternalID] = res
}

func successStatus(m domain.PaymentMethod) string {
	if m == domain.MethodCreditCard {
		return "paid"
	}
	return "waiting"
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
