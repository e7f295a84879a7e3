package service

import (
	"context"
	"errors"
	"fmt"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/webhook"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type CheckoutService interface {
	Initiate(ctx context.Context, user domain.User, req InitiateRequest) (*Result, error)
	Confirm(ctx context.Context, user domain.User, paymentID string) (*Result, error)
	Status(ctx context.Context, user domain.User, paymentID string) (*Result, error)
	// Refund refunds the intent. A zero amount means the full intent amount.
	Refund(ctx context.Context, user domain.User, paymentID string, amount decimal.Decimal) (*Result, error)
	// HandleWebhook applies an already verified gateway callback. applied is
	// false when no intent or order matches the payment id.
	HandleWebhook(ctx context.Context, ev *webhook.Event) (applied bool, err error)
	ProcessWithGateway(ctx context.Context, user domain.User, provider string, req GatewayRequest) (*Result, error)

	// PurgeExpired and PollGateways are driven by the background sweeper.
	PurgeExpired(ctx context.Context) (int, error)
	PollGateways(ctx context.Context) (int, error)
}

type InitiateRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  domain.PaymentMethod
	IdempotencyKey string
}

type GatewayRequest struct {
	PaymentID     string
	CardToken     string
	TargetAccount string
}

// Result is what every orchestrator operation answers with.
type Result struct {
	Intent      *domain.PaymentIntent
	OrderStatus domain.OrderStatus
	Idempotent  bool
	// Instructions is set by gateway processing for asynchronous methods.
	Instructions string
}

type Options struct {
	IntentTTL         time.Duration
	ExpiredRetention  time.Duration
	TerminalRetention time.Duration
	MaxConfirmations  int
	UpstreamTimeout   time.Duration
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		IntentTTL:         30 * time.Minute,
		ExpiredRetention:  15 * time.Minute,
		TerminalRetention: 24 * time.Hour,
		MaxConfirmations:  3,
		UpstreamTimeout:   8 * time.Second,
		Now:               time.Now,
	}
}

type checkoutService struct {
	orders     repo.OrderRepo
	intents    repo.IntentRepo
	ledger     repo.IdempotencyLedger
	reconciler Reconciler
	gateways   payment.Registry
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       Options

	flight singleflight.Group
	locks  intentLocks
}

func NewCheckoutService(
	orders repo.OrderRepo,
	intents repo.IntentRepo,
	ledger repo.IdempotencyLedger,
	gateways payment.Registry,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) CheckoutService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultOptions().UpstreamTimeout
	}
	if gateways == nil {
		gateways = payment.NewRegistry()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &checkoutService{
		orders:     orders,
		intents:    intents,
		ledger:     ledger,
		reconciler: NewReconciler(orders),
		gateways:   gateways,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		opts:       opts,
	}
}

func validateInitiate(req *InitiateRequest) error {
	if err := domain.ValidateOrderID(req.OrderID); err != nil {
		return err
	}
	if err := domain.ValidateMethod(req.PaymentMethod); err != nil {
		return err
	}
	if err := domain.ValidateCurrency(req.Currency); err != nil {
		return err
	}
	if err := domain.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return err
	}
	amount, err := domain.NormalizeAmount(req.Amount)
	if err != nil {
		return err
	}
	req.Amount = amount
	return nil
}

func (s *checkoutService) Initiate(ctx context.Context, user domain.User, req InitiateRequest) (*Result, error) {
	if err := validateInitiate(&req); err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, req.OrderID)
	}
	if order.UserID != user.ID {
		return nil, fmt.Errorf("%w: order belongs to another user", domain.ErrForbidden)
	}
	if order.PaymentMethod != "" && order.PaymentMethod != req.PaymentMethod {
		return nil, fmt.Errorf("%w: order was placed with %s", domain.ErrConflict, order.PaymentMethod)
	}

	total, ok, err := s.reconciler.Reconcile(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order items cannot be priced", domain.ErrConflict)
	}
	if !withinTolerance(req.Amount, total) {
		return nil, fmt.Errorf("%w: amount %s does not match order total %s",
			domain.ErrConflict, req.Amount.StringFixed(2), total.StringFixed(2))
	}
	if !order.Total.Equal(total) {
		if err := s.orders.UpdateOrder(ctx, order.ID, domain.OrderUpdate{Total: &total}); err != nil {
			return nil, err
		}
		s.logger.Warn("order total drift healed",
			zap.String("order_id", order.ID),
			zap.String("stored", order.Total.StringFixed(2)),
			zap.String("recomputed", total.StringFixed(2)),
		)
	}

	key := repo.LedgerKey{UserID: user.ID, OrderID: order.ID, IdempotencyKey: req.IdempotencyKey}
	ran := false
	v, err, _ := s.flight.Do(key.String(), func() (any, error) {
		ran = true
		// shared by every caller in the flight, so it must outlive the first one
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.UpstreamTimeout)
		defer cancel()
		return s.createOnce(flightCtx, key, req, total)
	})
	if err != nil {
		return nil, err
	}

	res := *v.(*Result)
	intent := *res.Intent
	res.Intent = &intent
	if !ran {
		// another request with the same key created it
		res.Idempotent = true
	}
	return &res, nil
}

// createOnce runs inside the per-key flight: ledger lookup, intent creation,
// order update and ledger write happen without another request for the same
// key interleaving.
func (s *checkoutService) createOnce(ctx context.Context, key repo.LedgerKey, req InitiateRequest, total decimal.Decimal) (*Result, error) {
	now := s.opts.Now()

	paymentID, found, err := s.ledger.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		res, err := s.replay(ctx, key, paymentID, now)
		if err != nil || res != nil {
			return res, err
		}
	}

	order, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, req.OrderID)
	}
	if order.Status != domain.OrderPending {
		return nil, fmt.Errorf("%w: order is %s", domain.ErrConflict, order.Status)
	}

	intent := &domain.PaymentIntent{
		PaymentID:      domain.NewPaymentID(),
		OrderID:        order.ID,
		UserID:         key.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		Status:         req.PaymentMethod.InitialStatus(),
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.opts.IntentTTL),
	}
	if err := s.intents.Save(ctx, intent); err != nil {
		return nil, err
	}

	orderStatus := intent.OrderStatus()
	update := domain.OrderUpdate{
		Status:        &orderStatus,
		PaymentMethod: &intent.PaymentMethod,
		PaymentID:     &intent.PaymentID,
		Total:         &total,
	}
	if err := s.orders.UpdateOrder(ctx, order.ID, update); err != nil {
		_ = s.intents.Delete(ctx, intent.PaymentID)
		return nil, err
	}

	if err := s.ledger.Put(ctx, key, intent.PaymentID); err != nil {
		s.logger.Error("failed to record idempotency key",
			zap.Error(err),
			zap.String("payment_id", intent.PaymentID),
		)
		_ = s.intents.Delete(ctx, intent.PaymentID)
		return nil, err
	}

	s.metrics.Created(string(intent.PaymentMethod))
	s.logger.Info("payment intent created",
		zap.String("payment_id", intent.PaymentID),
		zap.String("order_id", intent.OrderID),
		zap.String("method", string(intent.PaymentMethod)),
		zap.String("status", string(intent.Status)),
	)
	s.publish(ctx, events.New(events.IntentCreated, intent, "", now))

	return &Result{Intent: intent, OrderStatus: orderStatus}, nil
}

// replay answers a ledger hit. A nil result with a nil error means the key is
// free again and a new intent may be created.
func (s *checkoutService) replay(ctx context.Context, key repo.LedgerKey, paymentID string, now time.Time) (*Result, error) {
	unlock := s.locks.lock(paymentID)
	defer unlock()

	existing, err := s.intents.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// the intent was purged but the order still remembers the payment
		order, err := s.orders.GetOrderByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if order != nil && order.UserID == key.UserID {
			return &Result{Intent: s.legacyIntent(order, paymentID), OrderStatus: order.Status, Idempotent: true}, nil
		}
		if err := s.ledger.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if !existing.Expired(now) || existing.Status.IsTerminal() {
		return &Result{Intent: existing, OrderStatus: existing.OrderStatus(), Idempotent: true}, nil
	}
	if existing.AwaitingCard() {
		if _, err := s.transition(ctx, existing, domain.PaymentCancelled, now); err != nil {
			return nil, err
		}
		return nil, expiredError(existing)
	}

	order, err := s.orders.GetOrderByID(ctx, existing.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.Status != domain.OrderPending {
		return nil, fmt.Errorf("%w: order is no longer payable", domain.ErrConflict)
	}
	s.logger.Info("purging expired intent on retry",
		zap.String("payment_id", existing.PaymentID),
		zap.String("order_id", existing.OrderID),
	)
	if err := s.purge(ctx, existing); err != nil {
		return nil, err
	}
	return nil, nil
}

func expiredError(intent *domain.PaymentIntent) error {
	return fmt.Errorf("%w: card confirmation window closed at %s",
		domain.ErrExpired, intent.ExpiresAt.UTC().Format(time.RFC3339))
}

func (s *checkoutService) Confirm(ctx context.Context, user domain.User, paymentID string) (*Result, error) {
	if err := domain.ValidatePaymentID(paymentID); err != nil {
		return nil, err
	}
	unlock := s.locks.lock(paymentID)
	defer unlock()

	intent, err := s.loadIntent(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if intent.UserID != user.ID {
		return nil, fmt.Errorf("%w: payment belongs to another user", domain.ErrForbidden)
	}

	switch {
	case intent.Status.IsClosed():
		return nil, fmt.Errorf("%w: payment is %s", domain.ErrConflict, intent.Status)
	case intent.Status == domain.PaymentConfirmed, intent.Status == domain.PaymentApproved, intent.Status == domain.PaymentPending:
		return &Result{Intent: intent, OrderStatus: intent.OrderStatus(), Idempotent: true}, nil
	}

	now := s.opts.Now()
	if intent.AwaitingCard() && intent.Expired(now) {
		if _, err := s.transition(ctx, intent, domain.PaymentCancelled, now); err != nil {
			return nil, err
		}
		return nil, expiredError(intent)
	}

	if intent.Confirmations >= s.opts.MaxConfirmations {
		return nil, fmt.Errorf("%w: confirmation attempts exhausted", domain.ErrConflict)
	}
	intent.Confirmations++

	next := domain.PaymentPending
	if intent.PaymentMethod == domain.MethodCreditCard {
		next = domain.PaymentConfirmed
	}
	orderStatus, err := s.transition(ctx, intent, next, now)
	if err != nil {
		return nil, err
	}
	return &Result{Intent: intent, OrderStatus: orderStatus}, nil
}

func (s *checkoutService) Status(ctx context.Context, user domain.User, paymentID string) (*Result, error) {
	if err := domain.ValidatePaymentID(paymentID); err != nil {
		return nil, err
	}

	intent, err := s.intents.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		order, err := s.orders.GetOrderByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentID)
		}
		if order.UserID != user.ID {
			return nil, fmt.Errorf("%w: payment belongs to another user", domain.ErrForbidden)
		}
		return &Result{Intent: s.legacyIntent(order, paymentID), OrderStatus: order.Status}, nil
	}

	if intent.UserID != user.ID {
		return nil, fmt.Errorf("%w: payment belongs to another user", domain.ErrForbidden)
	}
	res := &Result{Intent: intent, OrderStatus: intent.OrderStatus()}
	order, err := s.orders.GetOrderByID(ctx, intent.OrderID)
	if err != nil {
		return nil, err
	}
	if order != nil {
		res.OrderStatus = order.Status
	}
	return res, nil
}

func (s *checkoutService) Refund(ctx context.Context, user domain.User, paymentID string, amount decimal.Decimal) (*Result, error) {
	if err := domain.ValidatePaymentID(paymentID); err != nil {
		return nil, err
	}
	if !amount.IsZero() {
		normalized, err := domain.NormalizeAmount(amount)
		if err != nil {
			return nil, err
		}
		amount = normalized
	}
	unlock := s.locks.lock(paymentID)
	defer unlock()

	intent, err := s.loadIntent(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if intent.UserID != user.ID {
		return nil, fmt.Errorf("%w: payment belongs to another user", domain.ErrForbidden)
	}
	if intent.Status == domain.PaymentRefunded {
		return &Result{Intent: intent, OrderStatus: intent.OrderStatus(), Idempotent: true}, nil
	}
	if amount.GreaterThan(intent.Amount) {
		return nil, fmt.Errorf("%w: refund %s exceeds payment %s",
			domain.ErrConflict, amount.StringFixed(2), intent.Amount.StringFixed(2))
	}

	order, err := s.orders.GetOrderByID(ctx, intent.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, intent.OrderID)
	}
	if order.Status == domain.OrderDelivered {
		return nil, fmt.Errorf("%w: order already delivered", domain.ErrConflict)
	}

	orderStatus, err := s.transition(ctx, intent, domain.PaymentRefunded, s.opts.Now())
	if err != nil {
		return nil, err
	}
	return &Result{Intent: intent, OrderStatus: orderStatus}, nil
}

func (s *checkoutService) HandleWebhook(ctx context.Context, ev *webhook.Event) (bool, error) {
	unlock := s.locks.lock(ev.PaymentID)
	defer unlock()

	intent, err := s.intents.FindByID(ctx, ev.PaymentID)
	if err != nil {
		return false, err
	}
	if intent == nil {
		order, err := s.orders.GetOrderByPaymentID(ctx, ev.PaymentID)
		if err != nil {
			return false, err
		}
		if order == nil {
			s.logger.Warn("webhook for unknown payment ignored",
				zap.String("payment_id", ev.PaymentID),
				zap.String("provider", ev.Provider),
			)
			return false, nil
		}
		intent = s.legacyIntent(order, ev.PaymentID)
	}
	if ev.OrderID != "" && ev.OrderID != intent.OrderID {
		return false, fmt.Errorf("%w: webhook order does not match payment", domain.ErrConflict)
	}

	if ev.Provider != "" {
		intent.Provider = ev.Provider
	}
	if ev.ExternalID != "" {
		intent.ExternalID = ev.ExternalID
	}
	if _, err := s.transition(ctx, intent, ev.Status, s.opts.Now()); err != nil {
		return false, err
	}
	s.logger.Info("webhook applied",
		zap.String("payment_id", intent.PaymentID),
		zap.String("external_status", ev.ExternalStatus),
		zap.String("status", string(intent.Status)),
	)
	return true, nil
}

func (s *checkoutService) ProcessWithGateway(ctx context.Context, user domain.User, provider string, req GatewayRequest) (*Result, error) {
	if err := domain.ValidatePaymentID(req.PaymentID); err != nil {
		return nil, err
	}
	gw, ok := s.gateways.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: gateway %s is not configured", domain.ErrNotFound, provider)
	}
	unlock := s.locks.lock(req.PaymentID)
	defer unlock()

	intent, err := s.loadIntent(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if intent.UserID != user.ID {
		return nil, fmt.Errorf("%w: payment belongs to another user", domain.ErrForbidden)
	}
	if intent.ExternalID != "" && intent.Provider == provider {
		return &Result{Intent: intent, OrderStatus: intent.OrderStatus(), Idempotent: true}, nil
	}
	if intent.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: payment is %s", domain.ErrConflict, intent.Status)
	}
	now := s.opts.Now()
	if intent.Expired(now) {
		return nil, fmt.Errorf("%w: payment intent expired", domain.ErrExpired)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	defer cancel()
	res, err := gw.Process(callCtx, payment.Request{
		PaymentID:     intent.PaymentID,
		OrderID:       intent.OrderID,
		Amount:        intent.Amount,
		Currency:      intent.Currency,
		Method:        intent.PaymentMethod,
		Customer:      user,
		CardToken:     req.CardToken,
		TargetAccount: req.TargetAccount,
	})
	if err != nil {
		s.metrics.Gateway(provider, "error")
		if errors.Is(err, domain.ErrUpstream) {
			// the charge may still have gone through; let the poller ask later
			intent.Provider = provider
			intent.UpdatedAt = now
			if saveErr := s.intents.Save(ctx, intent); saveErr != nil {
				s.logger.Error("failed to mark intent for polling", zap.Error(saveErr))
			}
		}
		s.logger.Warn("gateway call failed",
			zap.Error(err),
			zap.String("provider", provider),
			zap.String("payment_id", intent.PaymentID),
		)
		return nil, err
	}
	s.metrics.Gateway(provider, "ok")

	status, ok := domain.MapExternalStatus(res.Status)
	if !ok {
		return nil, fmt.Errorf("%w: %s answered with unknown status %q", domain.ErrUpstream, provider, res.Status)
	}
	intent.Provider = provider
	intent.ExternalID = res.ExternalID
	orderStatus, err := s.transition(ctx, intent, status, now)
	if err != nil {
		return nil, err
	}
	return &Result{Intent: intent, OrderStatus: orderStatus, Instructions: res.Instructions}, nil
}

// PurgeExpired removes non-terminal intents past their expiry plus the expired
// retention, and terminal intents past the terminal retention. Card intents
// that were never confirmed are cancelled rather than removed. Terminal
// intents keep their ledger entry so a late retry still gets its result.
func (s *checkoutService) PurgeExpired(ctx context.Context) (int, error) {
	intents, err := s.intents.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.opts.Now()
	purged := 0
	for i := range intents {
		if !intents[i].Expired(now) {
			continue
		}
		removed, err := s.expire(ctx, intents[i].PaymentID, now)
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}
	s.metrics.Swept(purged)
	return purged, nil
}

func (s *checkoutService) expire(ctx context.Context, paymentID string, now time.Time) (bool, error) {
	unlock := s.locks.lock(paymentID)
	defer unlock()

	intent, err := s.intents.FindByID(ctx, paymentID)
	if err != nil || intent == nil {
		return false, err
	}
	retention := s.opts.ExpiredRetention
	if intent.Status.IsTerminal() {
		retention = s.opts.TerminalRetention
	}
	if !now.After(intent.ExpiresAt.Add(retention)) {
		return false, nil
	}

	if intent.AwaitingCard() {
		s.logger.Info("cancelling unconfirmed card intent",
			zap.String("payment_id", intent.PaymentID),
			zap.String("order_id", intent.OrderID),
		)
		_, err := s.transition(ctx, intent, domain.PaymentCancelled, now)
		return false, err
	}
	return true, s.purge(ctx, intent)
}

// PollGateways asks each gateway about the non-terminal intents it handled and
// applies whatever the gateway now reports.
func (s *checkoutService) PollGateways(ctx context.Context) (int, error) {
	intents, err := s.intents.List(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range intents {
		if intents[i].Provider == "" || intents[i].Status.IsTerminal() {
			continue
		}
		changed, err := s.poll(ctx, intents[i].PaymentID)
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func (s *checkoutService) poll(ctx context.Context, paymentID string) (bool, error) {
	unlock := s.locks.lock(paymentID)
	defer unlock()

	// the listing may be stale by now
	intent, err := s.intents.FindByID(ctx, paymentID)
	if err != nil || intent == nil {
		return false, err
	}
	if intent.Provider == "" || intent.Status.IsTerminal() {
		return false, nil
	}
	gw, ok := s.gateways.Get(intent.Provider)
	if !ok {
		return false, nil
	}

	res, err := s.lookupCharge(ctx, gw, intent)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("gateway status check failed",
				zap.Error(err),
				zap.String("provider", intent.Provider),
				zap.String("payment_id", intent.PaymentID),
			)
		}
		return false, nil
	}
	status, ok := domain.MapExternalStatus(res.Status)
	if !ok || (status == intent.Status && intent.ExternalID == res.ExternalID) {
		return false, nil
	}

	intent.ExternalID = res.ExternalID
	if _, err := s.transition(ctx, intent, status, s.opts.Now()); err != nil {
		return false, err
	}
	s.logger.Info("gateway status reconciled",
		zap.String("payment_id", intent.PaymentID),
		zap.String("provider", intent.Provider),
		zap.String("status", string(status)),
	)
	return true, nil
}

func (s *checkoutService) lookupCharge(ctx context.Context, gw payment.Gateway, intent *domain.PaymentIntent) (*payment.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.UpstreamTimeout)
	defer cancel()

	if intent.ExternalID != "" {
		return gw.Status(ctx, intent.ExternalID)
	}
	finder, ok := gw.(payment.Finder)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot look up by payment id", domain.ErrNotFound, gw.Name())
	}
	return finder.FindByPaymentID(ctx, intent.PaymentID)
}

// loadIntent returns the stored intent or rebuilds a legacy one from the order
// that references paymentID.
func (s *checkoutService) loadIntent(ctx context.Context, paymentID string) (*domain.PaymentIntent, error) {
	intent, err := s.intents.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if intent != nil {
		return intent, nil
	}

	order, err := s.orders.GetOrderByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: payment %s", domain.ErrNotFound, paymentID)
	}
	return s.legacyIntent(order, paymentID), nil
}

func (s *checkoutService) legacyIntent(order *domain.Order, paymentID string) *domain.PaymentIntent {
	now := s.opts.Now()
	return &domain.PaymentIntent{
		PaymentID:      paymentID,
		OrderID:        order.ID,
		UserID:         order.UserID,
		Amount:         order.Total.Round(2),
		Currency:       domain.Currency,
		PaymentMethod:  order.PaymentMethod,
		Status:         domain.StatusFromOrder(order),
		IdempotencyKey: domain.LegacyIdempotencyKey(paymentID),
		Legacy:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.opts.IntentTTL),
	}
}

// transition moves intent to next, writes the derived order status first and
// the intent second so a failed order write leaves both untouched.
func (s *checkoutService) transition(ctx context.Context, intent *domain.PaymentIntent, next domain.PaymentStatus, now time.Time) (domain.OrderStatus, error) {
	from := intent.Status
	orderStatus := domain.DeriveOrderStatus(intent.PaymentMethod, next)
	if err := s.orders.UpdateOrder(ctx, intent.OrderID, domain.OrderUpdate{Status: &orderStatus}); err != nil {
		intent.Status = from
		return "", err
	}

	intent.Status = next
	intent.UpdatedAt = now
	if err := s.intents.Save(ctx, intent); err != nil {
		return "", err
	}

	if from != next {
		s.metrics.Transition(string(from), string(next))
		eventType := events.StatusChanged
		if next == domain.PaymentRefunded {
			eventType = events.Refunded
		}
		s.publish(ctx, events.New(eventType, intent, from, now))
	}
	return orderStatus, nil
}

func (s *checkoutService) purge(ctx context.Context, intent *domain.PaymentIntent) error {
	if err := s.intents.Delete(ctx, intent.PaymentID); err != nil {
		return err
	}
	if intent.Legacy || intent.Status.IsTerminal() {
		return nil
	}
	return s.ledger.Delete(ctx, repo.LedgerKey{
		UserID:         intent.UserID,
		OrderID:        intent.OrderID,
		IdempotencyKey: intent.IdempotencyKey,
	})
}

func (s *checkoutService) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("payment event dropped",
			zap.Error(err),
			zap.String("event_type", string(e.Type)),
			zap.String("payment_id", e.PaymentID),
		)
	}
}
