package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Order carries only the columns the payment workflow reads or writes.
// ExternalReference is ours and is written once; GatewayReference is the
// provider's and is written only on settlement.
type Order struct {
	ID                string          `json:"id"`
	UserID            int             `json:"userID"`
	Total             decimal.Decimal `json:"total"`
	Status            OrderStatus     `json:"status"`
	PaymentStatus     PaymentStatus   `json:"paymentStatus"`
	ExternalReference string          `json:"externalReference"`
	GatewayReference  string          `json:"gatewayReference"`
	CheckoutRequestID string          `json:"checkoutRequestId"`
	TransactionID     string          `json:"transactionId"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Settled reports whether the payment already reached a terminal state.
func (o Order) Settled() bool {
	return o.PaymentStatus != PaymentStatusPending || o.Status == OrderStatusProcessing
}

// Settlement is the terminal transition applied to an order by the callback
// or the poll reconciliation.
type Settlement struct {
	OrderID          string
	PaymentStatus    PaymentStatus
	Status           OrderStatus
	GatewayReference string
	TransactionID    string
}
