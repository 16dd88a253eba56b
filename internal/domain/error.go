package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Payment errors
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrInsufficientStock   = errors.New("product out of stock")
	ErrPaymentNotCaptured  = errors.New("payment was not captured by the gateway")
	ErrGatewayFailure      = errors.New("payment gateway request failed")
	ErrUnknownGateway      = errors.New("unknown payment gateway")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
)
