package worker

import (
	"context"
	"storefront-checkout/internal/ratelimit"
	"storefront-checkout/internal/service"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the one background loop of the process: it evicts elapsed
// rate-limit buckets, purges expired intents and asks gateways about charges
// whose outcome we never heard back.
type Sweeper struct {
	checkout service.CheckoutService
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
	interval time.Duration
}

func NewSweeper(
	checkout service.CheckoutService,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
	interval time.Duration,
) *Sweeper {
	return &Sweeper{
		checkout: checkout,
		limiter:  limiter,
		logger:   logger,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("sweeper started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs a single pass. Failures are logged and retried on the next tick.
func (w *Sweeper) Tick(ctx context.Context) {
	if w.limiter != nil {
		if n := w.limiter.Sweep(); n > 0 {
			w.logger.Debug("rate limit buckets evicted", zap.Int("count", n))
		}
	}

	purged, err := w.checkout.PurgeExpired(ctx)
	if err != nil {
		w.logger.Error("intent purge failed", zap.Error(err))
	} else if purged > 0 {
		w.logger.Info("expired intents purged", zap.Int("count", purged))
	}

	updated, err := w.checkout.PollGateways(ctx)
	if err != nil {
		w.logger.Error("gateway reconciliation failed", zap.Error(err))
	} else if updated > 0 {
		w.logger.Info("intents reconciled with gateways", zap.Int("count", updated))
	}
}
