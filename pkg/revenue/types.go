package revenue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// AmountCents is a non-negative integer currency amount in minor units.
type AmountCents int64

// PositiveAmountCents is a strictly positive operation amount in minor units.
type PositiveAmountCents int64

// Currency identifies the single active ledger currency.
type Currency struct {
	value string
}

// Source attributes added revenue to an origin (API product, affiliate, seed).
type Source struct {
	value string
}

// ReferenceID correlates a reservation with its payment outcome.
type ReferenceID struct {
	value string
}

// MethodKind is the payment method category (card, wallet, ...).
type MethodKind struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewAmountCents validates a balance amount (zero allowed).
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw minor-unit value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an operation amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// ToAmountCents widens the operation amount to a balance amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Int64 returns the raw minor-unit value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// NewCurrency validates and normalizes a three-letter currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if len(normalized) != 3 {
		return Currency{}, fmt.Errorf("%w: must be a three-letter code", ErrInvalidCurrency)
	}
	for _, char := range normalized {
		if !unicode.IsLetter(char) {
			return Currency{}, fmt.Errorf("%w: must contain letters only", ErrInvalidCurrency)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the normalized code.
func (currency Currency) String() string {
	return currency.value
}

// NewSource validates and normalizes a revenue source label.
func NewSource(raw string) (Source, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Source{}, fmt.Errorf("%w: empty value", ErrInvalidSource)
	}
	return Source{value: trimmed}, nil
}

// String returns the normalized label.
func (source Source) String() string {
	return source.value
}

// NewReferenceID validates and normalizes a payment reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReferenceID) String() string {
	return id.value
}

// NewMethodKind validates and normalizes a payment method kind.
func NewMethodKind(raw string) (MethodKind, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return MethodKind{}, fmt.Errorf("%w: empty value", ErrInvalidMethodKind)
	}
	return MethodKind{value: trimmed}, nil
}

// String returns the normalized kind.
func (kind MethodKind) String() string {
	return kind.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionRevenueAdd    TransactionType = "revenue_add"
	TransactionFundsReserved TransactionType = "funds_reserved"
	TransactionFundsDeducted TransactionType = "funds_deducted"
	TransactionFundsReleased TransactionType = "funds_released"
)

// ParseTransactionType validates a stored transaction type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionRevenueAdd, TransactionFundsReserved, TransactionFundsDeducted, TransactionFundsReleased:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusDeducted ReservationStatus = "deducted"
	ReservationStatusReleased ReservationStatus = "released"
)

// ParseReservationStatus validates a stored reservation status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusDeducted, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// A single immutable line in the transaction log. Reference carries the
// revenue source for revenue_add lines and the payment reference for the
// reservation lifecycle lines.
type Transaction struct {
	TransactionID  string
	Type           TransactionType
	AmountCents    AmountCents
	Currency       string
	Reference      string
	CreatedUnixUTC int64
}

// Reservation is a hold placed on available funds, keyed by reference id.
// Deducted and released reservations stay in the record so a repeated
// deduct or release cannot consume them twice.
type Reservation struct {
	Reference      string
	AmountCents    AmountCents
	Status         ReservationStatus
	CreatedUnixUTC int64
}

// LedgerRecord is the singleton revenue ledger document.
type LedgerRecord struct {
	TotalCents         AmountCents
	AvailableCents     AmountCents
	ReservedCents      AmountCents
	Currency           string
	LastUpdatedUnixUTC int64
	Transactions       []Transaction
	Reservations       []Reservation
}

// PaymentMethod is a registered payment method record.
type PaymentMethod struct {
	MethodID       string
	Kind           string
	AvailableCents AmountCents
	Currency       string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Stats is the composed revenue snapshot.
type Stats struct {
	TotalCents          AmountCents
	AvailableCents      AmountCents
	ReservedCents       AmountCents
	Currency            string
	TotalPaymentMethods int
	LastUpdatedUnixUTC  int64
}

// LedgerStore persists the revenue ledger as a whole document.
// Load initializes a zero-valued record when nothing is persisted yet;
// Save stamps LastUpdated and overwrites the previous document.
type LedgerStore interface {
	Load(ctx context.Context) (LedgerRecord, error)
	Save(ctx context.Context, record LedgerRecord) error
}

// MethodStore persists the payment-method registry as a whole document.
type MethodStore interface {
	Load(ctx context.Context) ([]PaymentMethod, error)
	Save(ctx context.Context, methods []PaymentMethod) error
}
