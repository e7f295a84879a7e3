package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/logger"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/worker"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var methods = []domain.PaymentMethod{domain.MethodCreditCard, domain.MethodPix, domain.MethodBoleto}

func main() {
	orders := flag.Int("orders", 20, "number of orders to check out")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "gateway outcome seed")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log, err := logger.New(logger.Config{ServiceName: "checkout-simulator", Env: "local", Level: *level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orderRepo := repo.NewMemoryOrderRepo()
	intentRepo := repo.NewMemoryIntentRepo()
	gateway := payment.NewSimulated(*seed, 20*time.Millisecond, 50*time.Millisecond)
	checkout := service.NewCheckoutService(
		orderRepo,
		intentRepo,
		repo.NewMemoryLedger(),
		payment.NewRegistry(gateway),
		events.NewLogPublisher(log),
		nil,
		log,
		service.DefaultOptions(),
	)

	product := domain.Product{ID: uuid.NewString(), Name: "Camiseta", Price: decimal.RequireFromString("49.90")}
	orderRepo.PutProduct(product)

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS, seed %d) ---\n", *orders, *seed)
	for i := 0; i < *orders; i++ {
		user := domain.User{ID: uuid.NewString(), Email: fmt.Sprintf("buyer%d@example.com", i)}
		method := methods[i%len(methods)]
		quantity := 1 + i%3
		order := domain.Order{
			ID:            uuid.NewString(),
			UserID:        user.ID,
			Total:         product.Price.Mul(decimal.NewFromInt(int64(quantity))),
			Status:        domain.OrderPending,
			PaymentMethod: method,
		}
		orderRepo.PutOrder(order, domain.OrderItem{OrderID: order.ID, ProductID: product.ID, Quantity: quantity})

		fmt.Printf("[%d] %s order %s (%s) ... ", i+1, method, order.ID, order.Total.StringFixed(2))

		// 1. Initiate, then retry with the same key as a flaky client would
		req := service.InitiateRequest{
			OrderID:        order.ID,
			Amount:         order.Total,
			Currency:       domain.Currency,
			PaymentMethod:  method,
			IdempotencyKey: "sim-" + uuid.NewString()[:8],
		}
		created, err := checkout.Initiate(ctx, user, req)
		if err != nil {
			fmt.Printf("INITIATE FAILED: %v\n", err)
			continue
		}
		retried, err := checkout.Initiate(ctx, user, req)
		if err != nil || retried.Intent.PaymentID != created.Intent.PaymentID {
			fmt.Printf("DUPLICATE INTENT: %v\n", err)
			continue
		}

		// 2. Charge through the gateway (may time out after charging)
		res, err := checkout.ProcessWithGateway(ctx, user, payment.SimulatedName, service.GatewayRequest{PaymentID: created.Intent.PaymentID})
		if err != nil {
			fmt.Printf("GATEWAY FAILED: %v\n", err)
		} else {
			fmt.Printf("%s\n", res.Intent.Status)
		}

		// 3. What the order store believes now
		fresh, _ := orderRepo.GetOrderByID(ctx, order.ID)
		charge, charged := gateway.Lookup(created.Intent.PaymentID)
		gatewaySays := "no charge"
		if charged {
			gatewaySays = charge.Status
		}
		fmt.Printf("    -> order: %s, gateway: %s\n", fresh.Status, gatewaySays)
	}

	fmt.Println("--- RECONCILING WITH THE GATEWAY ---")
	sweeper := worker.NewSweeper(checkout, nil, log, 500*time.Millisecond)
	go sweeper.Run(ctx)
	time.Sleep(2 * time.Second)
	cancel()

	intents, err := intentRepo.List(context.Background())
	if err != nil {
		log.Fatal("list intents", zap.Error(err))
	}
	phantoms := 0
	for _, p := range intents {
		charge, charged := gateway.Lookup(p.PaymentID)
		if !charged {
			continue
		}
		want, _ := domain.MapExternalStatus(charge.Status)
		if want != p.Status {
			phantoms++
			fmt.Printf("UNRECONCILED %s: intent %s, gateway %s\n", p.PaymentID, p.Status, charge.Status)
		}
	}
	fmt.Printf("--- DONE: %d intents, %d unreconciled ---\n", len(intents), phantoms)
}
