package revenue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Service contains the fund operations over a LedgerStore and MethodStore.
// Every fund operation runs as a load-mutate-append-save cycle under a
// single mutex, so the service is the only mutation path and concurrent
// callers cannot lose updates to the shared document.
type Service struct {
	ledgerStore LedgerStore
	methodStore MethodStore
	nowFn       func() int64
	logger      OperationLogger

	ledgerMu sync.Mutex
	methodMu sync.Mutex
}

// NewService wires a Service.
func NewService(ledgerStore LedgerStore, methodStore MethodStore, now func() int64, options ...ServiceOption) (*Service, error) {
	if ledgerStore == nil {
		return nil, fmt.Errorf("%w: ledger store dependency is nil", ErrInvalidServiceConfig)
	}
	if methodStore == nil {
		return nil, fmt.Errorf("%w: method store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{ledgerStore: ledgerStore, methodStore: methodStore, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AddRevenue raises total and available balance by amount and appends a
// revenue_add transaction. The ledger currency follows the last added
// revenue; mismatched prior currencies are not reconciled.
func (service *Service) AddRevenue(ctx context.Context, amount PositiveAmountCents, currency Currency, source Source) (LedgerRecord, error) {
	service.ledgerMu.Lock()
	defer service.ledgerMu.Unlock()

	record, operationError := service.ledgerStore.Load(ctx)
	if operationError == nil {
		record.TotalCents += amount.ToAmountCents()
		record.AvailableCents += amount.ToAmountCents()
		record.Currency = currency.String()
		service.appendTransaction(&record, TransactionRevenueAdd, amount.ToAmountCents(), source.String())
		operationError = service.ledgerStore.Save(ctx, record)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAddRevenue,
		Amount:    amount.ToAmountCents(),
		Currency:  currency.String(),
		Reference: source.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return LedgerRecord{}, operationError
	}
	return record, nil
}

// CheckSufficientFunds reports whether amount can be reserved right now:
// available balance covers it and the ledger currency matches. The answer
// is advisory; ReserveFunds revalidates under the same lock.
func (service *Service) CheckSufficientFunds(ctx context.Context, amount PositiveAmountCents, currency Currency) (bool, error) {
	service.ledgerMu.Lock()
	defer service.ledgerMu.Unlock()

	record, err := service.ledgerStore.Load(ctx)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCheckFunds, Amount: amount.ToAmountCents(), Currency: currency.String(), Status: operationStatusError, Error: err})
		return false, err
	}
	if record.Currency != currency.String() {
		return false, nil
	}
	return record.AvailableCents >= amount.ToAmountCents(), nil
}

// ReserveFunds moves amount from available to reserved and records an
// active reservation keyed by reference.
func (service *Service) ReserveFunds(ctx context.Context, amount PositiveAmountCents, currency Currency, reference ReferenceID) (LedgerRecord, error) {
	service.ledgerMu.Lock()
	defer service.ledgerMu.Unlock()

	record, operationError := service.ledgerStore.Load(ctx)
	if operationError == nil {
		operationError = func() error {
			if record.Currency != currency.String() {
				return fmt.Errorf("%w: ledger holds %q, requested %q", ErrCurrencyMismatch, record.Currency, currency.String())
			}
			if _, found := findReservation(record, reference.String()); found {
				return ErrReservationExists
			}
			if record.AvailableCents < amount.ToAmountCents() {
				return ErrInsufficientFunds
			}
			record.AvailableCents -= amount.ToAmountCents()
			record.ReservedCents += amount.ToAmountCents()
			record.Reservations = append(record.Reservations, Reservation{
				Reference:      reference.String(),
				AmountCents:    amount.ToAmountCents(),
				Status:         ReservationStatusActive,
				CreatedUnixUTC: service.nowFn(),
			})
			service.appendTransaction(&record, TransactionFundsReserved, amount.ToAmountCents(), reference.String())
			return service.ledgerStore.Save(ctx, record)
		}()
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReserveFunds,
		Amount:    amount.ToAmountCents(),
		Currency:  currency.String(),
		Reference: reference.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return LedgerRecord{}, operationError
	}
	return record, nil
}

// DeductFunds finalizes the active reservation for reference: the amount
// leaves reserved for good. Available balance is untouched, the funds were
// already removed from it at reservation time.
func (service *Service) DeductFunds(ctx context.Context, amount PositiveAmountCents, currency Currency, reference ReferenceID) (LedgerRecord, error) {
	service.ledgerMu.Lock()
	defer service.ledgerMu.Unlock()

	record, operationError := service.ledgerStore.Load(ctx)
	if operationError == nil {
		operationError = func() error {
			if record.Currency != currency.String() {
				return fmt.Errorf("%w: ledger holds %q, requested %q", ErrCurrencyMismatch, record.Currency, currency.String())
			}
			index, found := findReservation(record, reference.String())
			if !found {
				return ErrUnknownReservation
			}
			reservation := record.Reservations[index]
			if reservation.Status != ReservationStatusActive {
				return ErrReservationClosed
			}
			if reservation.AmountCents != amount.ToAmountCents() {
				return fmt.Errorf("%w: deduct amount mismatch", ErrInvalidAmountCents)
			}
			record.ReservedCents -= amount.ToAmountCents()
			record.Reservations[index].Status = ReservationStatusDeducted
			service.appendTransaction(&record, TransactionFundsDeducted, amount.ToAmountCents(), reference.String())
			return service.ledgerStore.Save(ctx, record)
		}()
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDeductFunds,
		Amount:    amount.ToAmountCents(),
		Currency:  currency.String(),
		Reference: reference.String(),
		Error:     operationError,
	})
	if operationError != nil {
		return LedgerRecord{}, operationError
	}
	return record, nil
}

// ReleaseReservedFunds reverses the active reservation for reference,
// moving its amount back to available. When no active reservation matches
// (never reserved, already deducted, already released) it is a no-op and
// returns the ledger unchanged: consumed reservations stay in the record,
// so a repeated release cannot double-credit the available balance.
func (service *Service) ReleaseReservedFunds(ctx context.Context, reference ReferenceID) (LedgerRecord, error) {
	service.ledgerMu.Lock()
	defer service.ledgerMu.Unlock()

	record, operationError := service.ledgerStore.Load(ctx)
	released := false
	if operationError == nil {
		index, found := findReservation(record, reference.String())
		if found && record.Reservations[index].Status == ReservationStatusActive {
			reservation := record.Reservations[index]
			record.ReservedCents -= reservation.AmountCents
			record.AvailableCents += reservation.AmountCents
			record.Reservations[index].Status = ReservationStatusReleased
			service.appendTransaction(&record, TransactionFundsReleased, reservation.AmountCents, reference.String())
			operationError = service.ledgerStore.Save(ctx, record)
			released = true
		}
	}
	logEntry := OperationLog{
		Operation: operationReleaseFunds,
		Currency:  record.Currency,
		Reference: reference.String(),
		Error:     operationError,
	}
	if operationError == nil && !released {
		logEntry.Status = operationStatusNoOp
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return LedgerRecord{}, operationError
	}
	return record, nil
}

func (service *Service) appendTransaction(record *LedgerRecord, transactionType TransactionType, amount AmountCents, reference string) {
	nowUnixUTC := service.nowFn()
	record.Transactions = append(record.Transactions, Transaction{
		TransactionID:  uuid.NewString(),
		Type:           transactionType,
		AmountCents:    amount,
		Currency:       record.Currency,
		Reference:      reference,
		CreatedUnixUTC: nowUnixUTC,
	})
	record.LastUpdatedUnixUTC = nowUnixUTC
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func findReservation(record LedgerRecord, reference string) (int, bool) {
	for index := len(record.Reservations) - 1; index >= 0; index-- {
		if record.Reservations[index].Reference == reference {
			return index, true
		}
	}
	return 0, false
}
