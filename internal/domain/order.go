package domain

import (
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// Order is the slice of the storefront order record the checkout reads.
type Order struct {
	ID            string
	UserID        string
	Total         decimal.Decimal
	Status        OrderStatus
	PaymentMethod PaymentMethod
	PaymentID     string
}

type OrderItem struct {
	OrderID   string
	ProductID string
	Quantity  int
}

type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// OrderUpdate carries the columns the checkout is allowed to write. Nil
// fields are left untouched.
type OrderUpdate struct {
	Status        *OrderStatus
	PaymentMethod *PaymentMethod
	PaymentID     *string
	Total         *decimal.Decimal
}

func (u OrderUpdate) Empty() bool {
	return u.Status == nil && u.PaymentMethod == nil && u.PaymentID == nil && u.Total == nil
}

// Apply writes the non-nil fields of u onto o.
func (u OrderUpdate) Apply(o *Order) {
	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.PaymentMethod != nil {
		o.PaymentMethod = *u.PaymentMethod
	}
	if u.PaymentID != nil {
		o.PaymentID = *u.PaymentID
	}
	if u.Total != nil {
		o.Total = *u.Total
	}
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
