package internal

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrMissingPhoneNumber  = fmt.Errorf("%w: phone number is required", ErrValidation)
	ErrInvalidPhoneNumber  = fmt.Errorf("%w: phone number is invalid", ErrValidation)
	ErrMissingAmount       = fmt.Errorf("%w: amount is required", ErrValidation)
	ErrMissingOrderID      = fmt.Errorf("%w: order id is required", ErrValidation)
	ErrAmountMismatch      = fmt.Errorf("%w: amount does not match order total", ErrValidation)
	ErrMissingCheckoutID   = fmt.Errorf("%w: checkout request id is required", ErrValidation)
	ErrNoRecords           = errors.New("no records")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotPayable     = errors.New("order payment is already settled")
	ErrOrderBelongsToOther = errors.New("order belongs to other user")

	ErrMalformedCallback = errors.New("malformed callback payload")
	ErrInvalidCallback   = errors.New("invalid callback token")
)

const (
	OpInitiate = "initiate"
	OpQuery    = "query"
)

// GatewayError is returned for any failure talking to the payment provider.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: gateway %s failed with status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: gateway %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
