package repo

import (
	"context"
	"errors"
	"fmt"
	"storefront-checkout/internal/domain"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// OrderRepo is the storefront order store the checkout collaborates with.
// Lookups return nil, nil when the row does not exist.
type OrderRepo interface {
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]domain.Product, error)
	UpdateOrder(ctx context.Context, id string, update domain.OrderUpdate) error
}

type orderRepo struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

// NewOrderRepo returns the Postgres order store. Every query is bounded by timeout.
func NewOrderRepo(db *pgxpool.Pool, timeout time.Duration) OrderRepo {
	return &orderRepo{db: db, timeout: timeout}
}

const orderColumns = `id::text, user_id::text, total::text, status, COALESCE(payment_method, ''), COALESCE(payment_id, '')`

func (r *orderRepo) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.scanOrder(r.db.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
}

func (r *orderRepo) GetOrderByPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.scanOrder(r.db.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE payment_id = $1", paymentID))
}

func (r *orderRepo) scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order  domain.Order
		total  string
		status string
		method string
	)
	err := row.Scan(&order.ID, &order.UserID, &total, &status, &method, &order.PaymentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // not found
	}
	if err != nil {
		return nil, upstream("query order", err)
	}

	order.Total, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad total %q: %w", order.ID, total, err)
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentMethod = domain.PaymentMethod(method)
	return &order, nil
}

func (r *orderRepo) GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx,
		"SELECT order_id::text, product_id, quantity FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID,
	)
	if err != nil {
		return nil, upstream("query order items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.OrderID, &item.ProductID, &item.Quantity); err != nil {
			return nil, upstream("scan order item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("query order items", err)
	}
	return items, nil
}

func (r *orderRepo) GetProductsByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.Query(ctx,
		"SELECT id::text, name, price::text FROM products WHERE active AND id::text = ANY($1::text[])",
		ids,
	)
	if err != nil {
		return nil, upstream("query products", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var (
			p     domain.Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.Name, &price); err != nil {
			return nil, upstream("scan product", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("product %s: bad price %q: %w", p.ID, price, err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, upstream("query products", err)
	}
	return products, nil
}

func (r *orderRepo) UpdateOrder(ctx context.Context, id string, update domain.OrderUpdate) error {
	if update.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var status, method, total *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}
	if update.PaymentMethod != nil {
		m := string(*update.PaymentMethod)
		method = &m
	}
	if update.Total != nil {
		t := update.Total.StringFixed(2)
		total = &t
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = COALESCE($2, status),
		    payment_method = COALESCE($3, payment_method),
		    payment_id = COALESCE($4, payment_id),
		    total = COALESCE($5::numeric, total),
		    updated_at = now()
		WHERE id = $1
	`, id, status, method, update.PaymentID, total)
	if err != nil {
		return upstream("update order", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return nil
}

func upstream(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out", domain.ErrUpstream, op)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrUpstream, op, err)
}
