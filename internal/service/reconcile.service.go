package service

import (
	"context"
	"storefront-checkout/internal/repo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountTolerance is how far a declared amount may drift from the recomputed
// order total before initiate is rejected.
var AmountTolerance = decimal.RequireFromString("0.01")

type Reconciler interface {
	// Reconcile recomputes the order total from its items and current catalog
	// prices. ok is false when the items cannot be trusted.
	Reconcile(ctx context.Context, orderID string) (total decimal.Decimal, ok bool, err error)
}

type reconciler struct {
	orders repo.OrderRepo
}

func NewReconciler(orders repo.OrderRepo) Reconciler {
	return &reconciler{orders: orders}
}

func (r *reconciler) Reconcile(ctx context.Context, orderID string) (decimal.Decimal, bool, error) {
	items, err := r.orders.GetOrderItems(ctx, orderID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(items) == 0 {
		return decimal.Zero, false, nil
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return decimal.Zero, false, nil
		}
		if _, err := uuid.Parse(item.ProductID); err != nil {
			return decimal.Zero, false, nil
		}
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}

	products, err := r.orders.GetProductsByIDs(ctx, ids)
	if err != nil {
		return decimal.Zero, false, err
	}
	prices := make(map[string]decimal.Decimal, len(products))
	for _, p := range products {
		if !p.Price.IsPositive() {
			return decimal.Zero, false, nil
		}
		prices[p.ID] = p.Price
	}

	total := decimal.Zero
	for _, item := range items {
		price, ok := prices[item.ProductID]
		if !ok {
			return decimal.Zero, false, nil // unknown or inactive product
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total.Round(2), true, nil
}

// withinTolerance reports whether declared matches total closely enough.
func withinTolerance(declared, total decimal.Decimal) bool {
	return declared.Sub(total).Abs().LessThanOrEqual(AmountTolerance)
}
