package revenue

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the revenue service.
var (
	ErrStorage                  = errors.New("storage failure")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrCurrencyMismatch         = errors.New("currency mismatch")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrReservationClosed        = errors.New("reservation closed")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidSource            = errors.New("invalid source")
	ErrInvalidReferenceID       = errors.New("invalid reference id")
	ErrInvalidMethodKind        = errors.New("invalid method kind")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// WrapStorageError marks err as a storage failure and attaches the
// operation/subject/code metadata. Storage failures are fatal to the
// triggering operation.
func WrapStorageError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(operation, subject, code, fmt.Errorf("%w: %w", ErrStorage, err))
}
