package model

import (
	"github.com/shopspring/decimal"
)

type PaymentInput struct {
	PhoneNumber string          `json:"phoneNumber"`
	Amount      decimal.Decimal `json:"amount"`
	OrderID     string          `json:"orderId"`
}

type InitiateRequest struct {
	Amount            decimal.Decimal
	PhoneNumber       string
	ExternalReference string
	RedirectURL       string
}

// Acknowledgment is what the provider returned for an accepted STK push.
// CheckoutRequestID is the handle clients poll with.
type Acknowledgment struct {
	Provider          string `json:"provider"`
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	Reference         string `json:"reference,omitempty"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	ExternalReference string `json:"externalReference"`
	Message           string `json:"message,omitempty"`
}

type PaymentState string

const (
	PaymentStatePending PaymentState = "pending"
	PaymentStateSuccess PaymentState = "success"
	PaymentStateFailed  PaymentState = "failed"
)

type GatewayStatus struct {
	Provider          string          `json:"provider"`
	State             PaymentState    `json:"state"`
	Amount            decimal.Decimal `json:"amount"`
	Reference         string          `json:"reference,omitempty"`
	ProviderReference string          `json:"providerReference,omitempty"`
	CheckoutRequestID string          `json:"checkoutRequestId,omitempty"`
	ExternalReference string          `json:"externalReference,omitempty"`
	Message           string          `json:"message,omitempty"`
}

func (s GatewayStatus) Terminal() bool {
	return s.State == PaymentStateSuccess || s.State == PaymentStateFailed
}

// CallbackResult is a provider callback normalised by the gateway.
// Reference is the provider's transaction reference, ProviderReference the
// underlying money-movement receipt.
type CallbackResult struct {
	Success           bool
	Reference         string
	ExternalReference string
	CheckoutRequestID string
	ProviderReference string
	Amount            decimal.Decimal
	Message           string
}

type CallbackOutcome string

const (
	CallbackOutcomeCompleted CallbackOutcome = "completed"
	CallbackOutcomeFailed    CallbackOutcome = "failed"
	CallbackOutcomeDuplicate CallbackOutcome = "duplicate"
	CallbackOutcomeIgnored   CallbackOutcome = "ignored"
)
