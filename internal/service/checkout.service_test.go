package service

import (
	"context"
	"fmt"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/webhook"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	orderID  = "0b6f7a8e-1c2d-4e3f-8a9b-0c1d2e3f4a5b"
	productA = "5f0c3c2e-7f41-4d8e-9a55-1b2c3d4e5f60"
	productB = "8d2e1f00-3a4b-4c5d-8e6f-7a8b9c0d1e2f"
	testKey  = "checkout-key-0001"
)

var (
	buyer    = domain.User{ID: "2d9c6f4e-aaaa-4bbb-8ccc-000000000001", Email: "buyer@example.com"}
	stranger = domain.User{ID: "2d9c6f4e-aaaa-4bbb-8ccc-000000000002", Email: "other@example.com"}
	t0       = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []events.Type
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	svc       CheckoutService
	orders    *repo.MemoryOrderRepo
	intents   repo.IntentRepo
	ledger    repo.IdempotencyLedger
	publisher *recordingPublisher
	opts      Options
	now       time.Time
}

func newFixture(t *testing.T, method domain.PaymentMethod, gateways ...payment.Gateway) *fixture {
	t.Helper()

	f := &fixture{
		orders:    repo.NewMemoryOrderRepo(),
		intents:   repo.NewMemoryIntentRepo(),
		ledger:    repo.NewMemoryLedger(),
		publisher: &recordingPublisher{},
		now:       t0,
	}
	f.orders.PutProduct(domain.Product{ID: productA, Name: "Camiseta", Price: decimal.RequireFromString("50.00")})
	f.orders.PutProduct(domain.Product{ID: productB, Name: "Caneca", Price: decimal.RequireFromString("50.00")})
	f.orders.PutOrder(domain.Order{
		ID:            orderID,
		UserID:        buyer.ID,
		Total:         decimal.RequireFromString("150.00"),
		Status:        domain.OrderPending,
		PaymentMethod: method,
	},
		domain.OrderItem{OrderID: orderID, ProductID: productA, Quantity: 2},
		domain.OrderItem{OrderID: orderID, ProductID: productB, Quantity: 1},
	)

	f.opts = DefaultOptions()
	f.opts.Now = func() time.Time { return f.now }
	f.svc = NewCheckoutService(f.orders, f.intents, f.ledger, payment.NewRegistry(gateways...), f.publisher, nil, zap.NewNop(), f.opts)
	return f
}

// useOrders rebuilds the service on top of orders, keeping the intent store
// and ledger.
func (f *fixture) useOrders(orders repo.OrderRepo) {
	f.svc = NewCheckoutService(orders, f.intents, f.ledger, payment.NewRegistry(), f.publisher, nil, zap.NewNop(), f.opts)
}

// heldOrders parks the first status write matching hold until release is
// closed. Held writes fail when the caller's context is gone by then.
type heldOrders struct {
	*repo.MemoryOrderRepo
	hold    domain.OrderStatus
	parked  chan struct{}
	release chan struct{}
	once    sync.Once
}

func newHeldOrders(orders *repo.MemoryOrderRepo, hold domain.OrderStatus) *heldOrders {
	return &heldOrders{
		MemoryOrderRepo: orders,
		hold:            hold,
		parked:          make(chan struct{}),
		release:         make(chan struct{}),
	}
}

func (h *heldOrders) UpdateOrder(ctx context.Context, id string, update domain.OrderUpdate) error {
	if update.Status != nil && *update.Status == h.hold {
		h.once.Do(func() {
			close(h.parked)
			<-h.release
		})
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return h.MemoryOrderRepo.UpdateOrder(ctx, id, update)
}

func (f *fixture) initiate(t *testing.T, method domain.PaymentMethod, amount string) (*Result, error) {
	t.Helper()
	return f.svc.Initiate(context.Background(), buyer, InitiateRequest{
		OrderID:        orderID,
		Amount:         decimal.RequireFromString(amount),
		Currency:       domain.Currency,
		PaymentMethod:  method,
		IdempotencyKey: testKey,
	})
}

func (f *fixture) order(t *testing.T) *domain.Order {
	t.Helper()
	o, err := f.orders.GetOrderByID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (f *fixture) intent(t *testing.T, paymentID string) *domain.PaymentIntent {
	t.Helper()
	p, err := f.intents.FindByID(context.Background(), paymentID)
	require.NoError(t, err)
	return p
}

func TestInitiate_PixIsIdempotent(t *testing.T) {
	f := newFixture(t, domain.MethodPix)

	first, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	assert.False(t, first.Idempotent)
	assert.Equal(t, domain.PaymentPending, first.Intent.Status)
	assert.Equal(t, domain.OrderPending, first.OrderStatus)
	assert.Regexp(t, `^pay_[a-f0-9]{32}$`, first.Intent.PaymentID)
	assert.Equal(t, t0.Add(30*time.Minute), first.Intent.ExpiresAt)

	second, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.Intent.PaymentID, second.Intent.PaymentID)

	all, err := f.intents.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, f.orders.Updates(), "the order is updated once")

	o := f.order(t)
	assert.Equal(t, first.Intent.PaymentID, o.PaymentID)
	assert.Equal(t, domain.MethodPix, o.PaymentMethod)
	assert.Equal(t, []events.Type{events.IntentCreated}, f.publisher.types())
}

func TestInitiate_ConcurrentRetriesCreateOneIntent(t *testing.T) {
	f := newFixture(t, domain.MethodPix)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]int)
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.initiate(t, domain.MethodPix, "150.00")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Intent.PaymentID]++
			if !res.Idempotent {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	all, err := f.intents.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInitiate_Reconciliation(t *testing.T) {
	f := newFixture(t, domain.MethodPix)

	_, err := f.initiate(t, domain.MethodPix, "151.00")
	assert.ErrorIs(t, err, domain.ErrConflict)
	all, _ := f.intents.List(context.Background())
	assert.Empty(t, all)
	assert.Equal(t, 0, f.orders.Updates())

	res, err := f.initiate(t, domain.MethodPix, "150.01")
	require.NoError(t, err, "a cent of rounding is tolerated")
	assert.Equal(t, "150.01", res.Intent.Amount.StringFixed(2))
}

func TestInitiate_HealsDriftedTotal(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	o := f.order(t)
	o.Total = decimal.RequireFromString("120.00")
	f.orders.PutOrder(*o)

	_, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	assert.Equal(t, "150.00", f.order(t).Total.StringFixed(2))
}

func TestInitiate_UntrustedItems(t *testing.T) {
	tests := []struct {
		name  string
		items []domain.OrderItem
	}{
		{"no items", nil},
		{"unknown product", []domain.OrderItem{{OrderID: orderID, ProductID: "9a9a9a9a-0000-4000-8000-000000000000", Quantity: 1}}},
		{"invalid product id", []domain.OrderItem{{OrderID: orderID, ProductID: "sku-1", Quantity: 1}}},
		{"zero quantity", []domain.OrderItem{{OrderID: orderID, ProductID: productA, Quantity: 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := repo.NewMemoryOrderRepo()
			orders.PutProduct(domain.Product{ID: productA, Price: decimal.RequireFromString("50.00")})
			orders.PutOrder(domain.Order{ID: orderID, UserID: buyer.ID, Status: domain.OrderPending}, tt.items...)

			_, ok, err := NewReconciler(orders).Reconcile(context.Background(), orderID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestInitiate_Rejections(t *testing.T) {
	valid := InitiateRequest{
		OrderID:        orderID,
		Amount:         decimal.RequireFromString("150.00"),
		Currency:       domain.Currency,
		PaymentMethod:  domain.MethodPix,
		IdempotencyKey: testKey,
	}

	tests := []struct {
		name   string
		user   domain.User
		mutate func(*InitiateRequest)
		want   error
	}{
		{"bad order id", buyer, func(r *InitiateRequest) { r.OrderID = "42" }, domain.ErrValidation},
		{"bad method", buyer, func(r *InitiateRequest) { r.PaymentMethod = "bitcoin" }, domain.ErrValidation},
		{"bad currency", buyer, func(r *InitiateRequest) { r.Currency = "USD" }, domain.ErrValidation},
		{"short key", buyer, func(r *InitiateRequest) { r.IdempotencyKey = "abc" }, domain.ErrValidation},
		{"key with spaces", buyer, func(r *InitiateRequest) { r.IdempotencyKey = "abc def ghi" }, domain.ErrValidation},
		{"zero amount", buyer, func(r *InitiateRequest) { r.Amount = decimal.Zero }, domain.ErrValidation},
		{"over ceiling", buyer, func(r *InitiateRequest) { r.Amount = decimal.RequireFromString("50000.01") }, domain.ErrValidation},
		{"unknown order", buyer, func(r *InitiateRequest) { r.OrderID = "00000000-0000-4000-8000-000000000000" }, domain.ErrNotFound},
		{"not the owner", stranger, func(r *InitiateRequest) {}, domain.ErrForbidden},
		{"method mismatch", buyer, func(r *InitiateRequest) { r.PaymentMethod = domain.MethodBoleto }, domain.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.MethodPix)
			req := valid
			tt.mutate(&req)

			_, err := f.svc.Initiate(context.Background(), tt.user, req)
			assert.ErrorIs(t, err, tt.want)
			all, _ := f.intents.List(context.Background())
			assert.Empty(t, all)
		})
	}
}

func TestInitiate_OrderNotPayable(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	o := f.order(t)
	o.Status = domain.OrderShipped
	f.orders.PutOrder(*o)

	_, err := f.initiate(t, domain.MethodPix, "150.00")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestInitiate_OrderWriteFailureDiscardsIntent(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	f.orders.FailNextUpdate(fmt.Errorf("%w: order store timed out", domain.ErrUpstream))

	_, err := f.initiate(t, domain.MethodPix, "150.00")
	assert.ErrorIs(t, err, domain.ErrUpstream)

	all, _ := f.intents.List(context.Background())
	assert.Empty(t, all)
	_, found, _ := f.ledger.Get(context.Background(), repo.LedgerKey{UserID: buyer.ID, OrderID: orderID, IdempotencyKey: testKey})
	assert.False(t, found)
	assert.Empty(t, f.order(t).PaymentID)

	res, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err, "a retry after the failure succeeds")
	assert.False(t, res.Idempotent)
}

func TestInitiate_ExpiredIntentIsReplacedOnRetry(t *testing.T) {
	f := newFixture(t, domain.MethodPix)

	first, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)

	f.now = t0.Add(31 * time.Minute)
	second, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	assert.False(t, second.Idempotent)
	assert.NotEqual(t, first.Intent.PaymentID, second.Intent.PaymentID)
	assert.Nil(t, f.intent(t, first.Intent.PaymentID))
}

func TestInitiate_RetryAfterCardWindowClosed(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)
	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	f.now = t0.Add(31 * time.Minute)
	_, err = f.initiate(t, domain.MethodCreditCard, "150.00")
	assert.ErrorIs(t, err, domain.ErrExpired)

	stored := f.intent(t, pid)
	require.NotNil(t, stored, "the intent is kept")
	assert.Equal(t, domain.PaymentCancelled, stored.Status)
	assert.Equal(t, domain.OrderCancelled, f.order(t).Status)
	id, found, err := f.ledger.Get(ctx, repo.LedgerKey{UserID: buyer.ID, OrderID: orderID, IdempotencyKey: testKey})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, pid, id)

	_, err = f.svc.Confirm(ctx, buyer, pid)
	assert.ErrorIs(t, err, domain.ErrConflict)

	again, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.Equal(t, pid, again.Intent.PaymentID)
	assert.Equal(t, domain.PaymentCancelled, again.Intent.Status)
}

func TestInitiate_ExpiredIntentKeptWhenOrderMovedOn(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)

	o := f.order(t)
	o.Status = domain.OrderShipped
	f.orders.PutOrder(*o)

	f.now = t0.Add(31 * time.Minute)
	_, err = f.initiate(t, domain.MethodPix, "150.00")
	assert.ErrorIs(t, err, domain.ErrConflict)

	stored := f.intent(t, created.Intent.PaymentID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.PaymentPending, stored.Status)
	_, found, _ := f.ledger.Get(context.Background(), repo.LedgerKey{UserID: buyer.ID, OrderID: orderID, IdempotencyKey: testKey})
	assert.True(t, found)
	assert.Equal(t, domain.OrderShipped, f.order(t).Status)
}

func TestInitiate_CallerCancellationDoesNotFailTheFlight(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)
	held := newHeldOrders(f.orders, domain.OrderProcessing)
	f.useOrders(held)

	req := InitiateRequest{
		OrderID:        orderID,
		Amount:         decimal.RequireFromString("150.00"),
		Currency:       domain.Currency,
		PaymentMethod:  domain.MethodCreditCard,
		IdempotencyKey: testKey,
	}
	type outcome struct {
		res *Result
		err error
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Initiate(ctx, buyer, req)
		first <- outcome{res, err}
	}()
	<-held.parked

	second := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Initiate(context.Background(), buyer, req)
		second <- outcome{res, err}
	}()
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(held.release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.res.Intent.PaymentID, b.res.Intent.PaymentID)
	assert.True(t, b.res.Idempotent)
	assert.Equal(t, domain.OrderProcessing, f.order(t).Status)
	assert.Equal(t, a.res.Intent.PaymentID, f.order(t).PaymentID)
}

func TestConfirm_CreditCard(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)

	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentProcessing, created.Intent.Status)
	assert.Equal(t, domain.OrderProcessing, created.OrderStatus)

	confirmed, err := f.svc.Confirm(context.Background(), buyer, created.Intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, confirmed.Intent.Status)
	assert.Equal(t, 1, confirmed.Intent.Confirmations)
	assert.Equal(t, domain.OrderProcessing, f.order(t).Status)

	again, err := f.svc.Confirm(context.Background(), buyer, created.Intent.PaymentID)
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.Equal(t, 1, again.Intent.Confirmations, "echo does not count as an attempt")
	assert.Contains(t, f.publisher.types(), events.StatusChanged)
}

func TestConfirm_ClosedIntentsNeverMove(t *testing.T) {
	for _, status := range []domain.PaymentStatus{domain.PaymentCancelled, domain.PaymentRefunded, domain.PaymentDeclined} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, domain.MethodCreditCard)
			created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
			require.NoError(t, err)

			stored := f.intent(t, created.Intent.PaymentID)
			stored.Status = status
			require.NoError(t, f.intents.Save(context.Background(), stored))

			_, err = f.svc.Confirm(context.Background(), buyer, stored.PaymentID)
			assert.ErrorIs(t, err, domain.ErrConflict)
			assert.Equal(t, status, f.intent(t, stored.PaymentID).Status)
			assert.Equal(t, 0, f.intent(t, stored.PaymentID).Confirmations)
		})
	}
}

func TestConfirm_ExpiredCardIntent(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)
	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)

	f.now = created.Intent.ExpiresAt.Add(time.Second)
	_, err = f.svc.Confirm(context.Background(), buyer, created.Intent.PaymentID)
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, domain.PaymentCancelled, f.intent(t, created.Intent.PaymentID).Status)
	assert.Equal(t, domain.OrderCancelled, f.order(t).Status)

	_, err = f.svc.Confirm(context.Background(), buyer, created.Intent.PaymentID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestConfirm_ConcurrentUpdateIsNotLost(t *testing.T) {
	cases := []struct {
		name  string
		apply func(f *fixture, pid string) error
		want  domain.PaymentStatus
	}{
		{
			name: "refund",
			apply: func(f *fixture, pid string) error {
				_, err := f.svc.Refund(context.Background(), buyer, pid, decimal.Zero)
				return err
			},
			want: domain.PaymentRefunded,
		},
		{
			name: "webhook",
			apply: func(f *fixture, pid string) error {
				_, err := f.svc.HandleWebhook(context.Background(), &webhook.Event{
					PaymentID:      pid,
					ExternalStatus: "declined",
					Status:         domain.PaymentDeclined,
				})
				return err
			},
			want: domain.PaymentDeclined,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, domain.MethodCreditCard)
			created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
			require.NoError(t, err)
			pid := created.Intent.PaymentID

			held := newHeldOrders(f.orders, domain.OrderProcessing)
			f.useOrders(held)

			confirmed := make(chan error, 1)
			go func() {
				_, err := f.svc.Confirm(context.Background(), buyer, pid)
				confirmed <- err
			}()
			<-held.parked

			applied := make(chan error, 1)
			go func() { applied <- tc.apply(f, pid) }()
			time.Sleep(20 * time.Millisecond)
			close(held.release)

			require.NoError(t, <-confirmed)
			require.NoError(t, <-applied)
			assert.Equal(t, tc.want, f.intent(t, pid).Status)
			assert.Equal(t, domain.OrderCancelled, f.order(t).Status)
		})
	}
}

func TestConfirm_AttemptCeiling(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)
	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)

	stored := f.intent(t, created.Intent.PaymentID)
	stored.Confirmations = 3
	require.NoError(t, f.intents.Save(context.Background(), stored))

	_, err = f.svc.Confirm(context.Background(), buyer, stored.PaymentID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.PaymentProcessing, f.intent(t, stored.PaymentID).Status)
}

func TestConfirm_RebuildsLegacyIntent(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)
	paymentID := "pay_00112233445566778899aabbccddeeff"
	o := f.order(t)
	o.Status = domain.OrderProcessing
	o.PaymentID = paymentID
	f.orders.PutOrder(*o)

	res, err := f.svc.Confirm(context.Background(), buyer, paymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, res.Intent.Status)

	stored := f.intent(t, paymentID)
	require.NotNil(t, stored)
	assert.True(t, stored.Legacy)
	assert.Equal(t, "legacy_00112233445566778899aabbccddeeff", stored.IdempotencyKey)
	assert.Equal(t, "150.00", stored.Amount.StringFixed(2))

	_, err = f.svc.Confirm(context.Background(), buyer, "pay_ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.Confirm(context.Background(), buyer, "pay_nothex")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOwnershipIsEnforced(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	_, err = f.svc.Confirm(ctx, stranger, pid)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Status(ctx, stranger, pid)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.Refund(ctx, stranger, pid, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	assert.Equal(t, domain.PaymentPending, f.intent(t, pid).Status)
}

func TestStatus_MergesOrderAndFallsBack(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID

	o := f.order(t)
	o.Status = domain.OrderShipped
	f.orders.PutOrder(*o)

	res, err := f.svc.Status(context.Background(), buyer, pid)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, res.Intent.Status)
	assert.Equal(t, domain.OrderShipped, res.OrderStatus)

	require.NoError(t, f.intents.Delete(context.Background(), pid))
	res, err = f.svc.Status(context.Background(), buyer, pid)
	require.NoError(t, err)
	assert.True(t, res.Intent.Legacy)
	assert.Equal(t, domain.PaymentApproved, res.Intent.Status)
	assert.Nil(t, f.intent(t, pid), "status never writes")
}

func TestRefund(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	_, err = f.svc.Refund(ctx, buyer, pid, decimal.RequireFromString("200.00"))
	assert.ErrorIs(t, err, domain.ErrConflict)

	res, err := f.svc.Refund(ctx, buyer, pid, decimal.RequireFromString("150.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, res.Intent.Status)
	assert.Equal(t, domain.OrderCancelled, f.order(t).Status)

	again, err := f.svc.Refund(ctx, buyer, pid, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, again.Idempotent)
	assert.Contains(t, f.publisher.types(), events.Refunded)

	_, err = f.svc.Confirm(ctx, buyer, pid)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRefund_DeliveredOrder(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)

	o := f.order(t)
	o.Status = domain.OrderDelivered
	f.orders.PutOrder(*o)

	_, err = f.svc.Refund(context.Background(), buyer, created.Intent.PaymentID, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.PaymentPending, f.intent(t, created.Intent.PaymentID).Status)
	assert.Equal(t, domain.OrderDelivered, f.order(t).Status)
}

func TestHandleWebhook(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	applied, err := f.svc.HandleWebhook(ctx, &webhook.Event{
		PaymentID:      pid,
		Provider:       "blackcat",
		ExternalID:     "tx_123",
		ExternalStatus: "paid",
		Status:         domain.PaymentApproved,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	stored := f.intent(t, pid)
	assert.Equal(t, domain.PaymentApproved, stored.Status)
	assert.Equal(t, "tx_123", stored.ExternalID)
	assert.Equal(t, domain.OrderProcessing, f.order(t).Status)

	applied, err = f.svc.HandleWebhook(ctx, &webhook.Event{PaymentID: "pay_ffffffffffffffffffffffffffffffff", Status: domain.PaymentApproved})
	require.NoError(t, err)
	assert.False(t, applied, "unknown payments are acknowledged and ignored")

	_, err = f.svc.HandleWebhook(ctx, &webhook.Event{PaymentID: pid, OrderID: "00000000-0000-4000-8000-000000000000", Status: domain.PaymentDeclined})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.PaymentApproved, f.intent(t, pid).Status)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Name() string { return "mockpay" }

func (m *mockGateway) Process(ctx context.Context, req payment.Request) (*payment.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*payment.Result)
	return res, args.Error(1)
}

func (m *mockGateway) Status(ctx context.Context, externalID string) (*payment.Result, error) {
	args := m.Called(ctx, externalID)
	res, _ := args.Get(0).(*payment.Result)
	return res, args.Error(1)
}

func (m *mockGateway) FindByPaymentID(ctx context.Context, paymentID string) (*payment.Result, error) {
	args := m.Called(ctx, paymentID)
	res, _ := args.Get(0).(*payment.Result)
	return res, args.Error(1)
}

func TestProcessWithGateway(t *testing.T) {
	gw := new(mockGateway)
	f := newFixture(t, domain.MethodCreditCard, gw)
	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	gw.On("Process", mock.Anything, mock.MatchedBy(func(r payment.Request) bool {
		return r.PaymentID == pid && r.CardToken == "tok_visa" && r.Customer.ID == buyer.ID
	})).Return(&payment.Result{ExternalID: "tx_1", Status: "paid"}, nil).Once()

	res, err := f.svc.ProcessWithGateway(ctx, buyer, "mockpay", GatewayRequest{PaymentID: pid, CardToken: "tok_visa"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, res.Intent.Status)
	assert.Equal(t, "tx_1", res.Intent.ExternalID)
	assert.Equal(t, domain.OrderProcessing, f.order(t).Status)

	again, err := f.svc.ProcessWithGateway(ctx, buyer, "mockpay", GatewayRequest{PaymentID: pid, CardToken: "tok_visa"})
	require.NoError(t, err)
	assert.True(t, again.Idempotent)

	_, err = f.svc.ProcessWithGateway(ctx, buyer, "wise", GatewayRequest{PaymentID: pid})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.ProcessWithGateway(ctx, stranger, "mockpay", GatewayRequest{PaymentID: pid})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	gw.AssertExpectations(t)
}

func TestPollGateways_RecoversPhantomCharge(t *testing.T) {
	gw := new(mockGateway)
	f := newFixture(t, domain.MethodCreditCard, gw)
	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	gw.On("Process", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: mockpay timed out", domain.ErrUpstream)).Once()
	_, err = f.svc.ProcessWithGateway(ctx, buyer, "mockpay", GatewayRequest{PaymentID: pid})
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, "mockpay", f.intent(t, pid).Provider)
	assert.Equal(t, domain.PaymentProcessing, f.intent(t, pid).Status)

	gw.On("FindByPaymentID", mock.Anything, pid).Return(&payment.Result{ExternalID: "tx_ghost", Status: "paid"}, nil).Once()
	n, err := f.svc.PollGateways(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.PaymentApproved, f.intent(t, pid).Status)
	assert.Equal(t, "tx_ghost", f.intent(t, pid).ExternalID)

	n, err = f.svc.PollGateways(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "terminal intents are not polled")
	gw.AssertExpectations(t)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	key := repo.LedgerKey{UserID: buyer.ID, OrderID: orderID, IdempotencyKey: testKey}
	ctx := context.Background()

	f.now = created.Intent.ExpiresAt.Add(time.Minute)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "expired intents are kept for the retention window")

	f.now = created.Intent.ExpiresAt.Add(16 * time.Minute)
	n, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, f.intent(t, created.Intent.PaymentID))
	_, found, _ := f.ledger.Get(ctx, key)
	assert.False(t, found)
}

func TestPurgeExpired_TerminalRetention(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.svc.Refund(ctx, buyer, created.Intent.PaymentID, decimal.Zero)
	require.NoError(t, err)

	f.now = created.Intent.ExpiresAt.Add(time.Hour)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = created.Intent.ExpiresAt.Add(25 * time.Hour)
	n, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, found, err := f.ledger.Get(ctx, repo.LedgerKey{UserID: buyer.ID, OrderID: orderID, IdempotencyKey: testKey})
	require.NoError(t, err)
	assert.True(t, found, "settled payments keep their idempotency record")
	assert.Equal(t, created.Intent.PaymentID, id)
}

func TestInitiate_ReplayAfterSettledIntentIsPurged(t *testing.T) {
	f := newFixture(t, domain.MethodPix)
	created, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	_, err = f.svc.HandleWebhook(ctx, &webhook.Event{PaymentID: pid, ExternalStatus: "paid", Status: domain.PaymentApproved})
	require.NoError(t, err)

	f.now = created.Intent.ExpiresAt.Add(25 * time.Hour)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Nil(t, f.intent(t, pid))

	res, err := f.initiate(t, domain.MethodPix, "150.00")
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, pid, res.Intent.PaymentID)
	assert.Equal(t, domain.PaymentApproved, res.Intent.Status)
	assert.Equal(t, domain.OrderProcessing, res.OrderStatus)
	assert.Nil(t, f.intent(t, pid), "the replay answers from the order without storing anything")
}

func TestPurgeExpired_CancelsUnconfirmedCardIntent(t *testing.T) {
	f := newFixture(t, domain.MethodCreditCard)
	created, err := f.initiate(t, domain.MethodCreditCard, "150.00")
	require.NoError(t, err)
	pid := created.Intent.PaymentID
	ctx := context.Background()

	f.now = created.Intent.ExpiresAt.Add(16 * time.Minute)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.PaymentCancelled, f.intent(t, pid).Status)
	assert.Equal(t, domain.OrderCancelled, f.order(t).Status)

	_, err = f.svc.Confirm(ctx, buyer, pid)
	assert.ErrorIs(t, err, domain.ErrConflict)

	f.now = created.Intent.ExpiresAt.Add(25 * time.Hour)
	n, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Nil(t, f.intent(t, pid))

	_, err = f.svc.Confirm(ctx, buyer, pid)
	assert.ErrorIs(t, err, domain.ErrConflict, "the order-backed intent is cancelled too")
	assert.Equal(t, domain.OrderCancelled, f.order(t).Status)
}
