package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	JobKindClearCart    = "cart.clear"
	JobKindPaymentEvent = "payment.event"
)

const (
	JobStatusPending = "pending"
	JobStatusDone    = "done"
)

type OutboxJob struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	OrderID   string          `json:"orderID"`
	UserID    int             `json:"userID"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PaymentEvent is published once an order's payment settles.
type PaymentEvent struct {
	OrderID          string          `json:"orderId"`
	UserID           int             `json:"userId"`
	PaymentStatus    PaymentStatus   `json:"paymentStatus"`
	Status           OrderStatus     `json:"status"`
	Total            decimal.Decimal `json:"total"`
	PaidAmount       decimal.Decimal `json:"paidAmount"`
	GatewayReference string          `json:"gatewayReference"`
	TransactionID    string          `json:"transactionId,omitempty"`
	Provider         string          `json:"provider"`
	Message          string          `json:"message,omitempty"`
	OccurredAt       time.Time       `json:"occurredAt"`
}
