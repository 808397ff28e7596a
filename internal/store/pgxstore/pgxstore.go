// Package pgxstore persists the revenue ledger on postgres through a raw
// pgx pool, without the GORM layer. Save runs the whole document write in
// one database transaction.
package pgxstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultLedgerName = "app_revenue"

	pgUniqueViolationCode = "23505"

	errorOperationStore     = "store"
	errorSubjectLedger      = "ledger"
	errorSubjectTransaction = "transaction"
	errorSubjectReservation = "reservation"
	errorSubjectMethods     = "methods"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSave           = "save"

	sqlSelectLedger = `
		select total_cents, available_cents, reserved_cents, currency, extract(epoch from updated_at)::bigint
		from revenue_ledgers
		where name = $1
	`

	sqlUpsertLedger = `
		insert into revenue_ledgers(name, total_cents, available_cents, reserved_cents, currency, updated_at)
		values ($1, $2, $3, $4, $5, to_timestamp($6))
		on conflict (name) do update set
			total_cents = excluded.total_cents,
			available_cents = excluded.available_cents,
			reserved_cents = excluded.reserved_cents,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`

	sqlListTransactions = `
		select transaction_id::text, type, amount_cents, currency, reference, extract(epoch from created_at)::bigint
		from ledger_transactions
		where ledger_name = $1
		order by created_at asc
	`

	sqlInsertTransaction = `
		insert into ledger_transactions(transaction_id, ledger_name, type, amount_cents, currency, reference, created_at)
		values ($1, $2, $3, $4, $5, $6, to_timestamp($7))
	`

	sqlListReservations = `
		select reference, amount_cents, status, extract(epoch from created_at)::bigint
		from ledger_reservations
		where ledger_name = $1
		order by created_at asc
	`

	sqlUpsertReservation = `
		insert into ledger_reservations(ledger_name, reference, amount_cents, status, created_at, updated_at)
		values ($1, $2, $3, $4, to_timestamp($5), now())
		on conflict (ledger_name, reference) do update set
			amount_cents = excluded.amount_cents,
			status = excluded.status,
			updated_at = now()
	`

	sqlListMethods = `
		select method_id::text, kind, available_cents, currency, coalesce(metadata::text, '{}'), extract(epoch from created_at)::bigint
		from payment_methods
		order by created_at asc
	`

	sqlUpsertMethod = `
		insert into payment_methods(method_id, kind, available_cents, currency, metadata, created_at)
		values ($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, to_timestamp($6))
		on conflict (method_id) do update set
			kind = excluded.kind,
			available_cents = excluded.available_cents,
			currency = excluded.currency,
			metadata = excluded.metadata
	`
)

// LedgerStore implements revenue.LedgerStore over a pgx pool.
type LedgerStore struct {
	pool       *pgxpool.Pool
	ledgerName string
}

// NewLedgerStore returns a LedgerStore for the default ledger name.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool, ledgerName: defaultLedgerName}
}

// Load reconstructs the ledger document; a missing row yields a
// zero-valued record.
func (store *LedgerStore) Load(ctx context.Context) (revenue.LedgerRecord, error) {
	var (
		totalCents     int64
		availableCents int64
		reservedCents  int64
		currencyValue  string
		updatedUnixUTC int64
	)
	err := store.pool.QueryRow(ctx, sqlSelectLedger, store.ledgerName).Scan(
		&totalCents,
		&availableCents,
		&reservedCents,
		&currencyValue,
		&updatedUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return revenue.LedgerRecord{}, nil
		}
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	record := revenue.LedgerRecord{
		TotalCents:         revenue.AmountCents(totalCents),
		AvailableCents:     revenue.AmountCents(availableCents),
		ReservedCents:      revenue.AmountCents(reservedCents),
		Currency:           currencyValue,
		LastUpdatedUnixUTC: updatedUnixUTC,
	}

	transactions, err := store.listTransactions(ctx)
	if err != nil {
		return revenue.LedgerRecord{}, err
	}
	record.Transactions = transactions

	reservations, err := store.listReservations(ctx)
	if err != nil {
		return revenue.LedgerRecord{}, err
	}
	record.Reservations = reservations
	return record, nil
}

// Save writes the balances row, reservation rows, and any new transaction
// rows inside one database transaction.
func (store *LedgerStore) Save(ctx context.Context, record revenue.LedgerRecord) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, sqlUpsertLedger,
		store.ledgerName,
		record.TotalCents.Int64(),
		record.AvailableCents.Int64(),
		record.ReservedCents.Int64(),
		record.Currency,
		record.LastUpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeSave, err)
	}

	for _, reservation := range record.Reservations {
		_, err := tx.Exec(ctx, sqlUpsertReservation,
			store.ledgerName,
			reservation.Reference,
			reservation.AmountCents.Int64(),
			reservation.Status.String(),
			reservation.CreatedUnixUTC,
		)
		if err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeSave, err)
		}
	}

	for _, entry := range record.Transactions {
		_, err := tx.Exec(ctx, sqlInsertTransaction,
			entry.TransactionID,
			store.ledgerName,
			entry.Type.String(),
			entry.AmountCents.Int64(),
			entry.Currency,
			entry.Reference,
			entry.CreatedUnixUTC,
		)
		if isUniqueViolation(err) {
			// The log is append-only; rows from earlier saves stay put.
			continue
		}
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *LedgerStore) listTransactions(ctx context.Context) ([]revenue.Transaction, error) {
	rows, err := store.pool.Query(ctx, sqlListTransactions, store.ledgerName)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]revenue.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID  string
			typeValue      string
			amountCents    int64
			currencyValue  string
			reference      string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&transactionID,
			&typeValue,
			&amountCents,
			&currencyValue,
			&reference,
			&createdUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactionType, err := revenue.ParseTransactionType(typeValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, revenue.Transaction{
			TransactionID:  transactionID,
			Type:           transactionType,
			AmountCents:    revenue.AmountCents(amountCents),
			Currency:       currencyValue,
			Reference:      reference,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *LedgerStore) listReservations(ctx context.Context) ([]revenue.Reservation, error) {
	rows, err := store.pool.Query(ctx, sqlListReservations, store.ledgerName)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()

	reservations := make([]revenue.Reservation, 0, 8)
	for rows.Next() {
		var (
			reference      string
			amountCents    int64
			statusValue    string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&reference,
			&amountCents,
			&statusValue,
			&createdUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		status, err := revenue.ParseReservationStatus(statusValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, revenue.Reservation{
			Reference:      reference,
			AmountCents:    revenue.AmountCents(amountCents),
			Status:         status,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

// MethodStore implements revenue.MethodStore over a pgx pool.
type MethodStore struct {
	pool *pgxpool.Pool
}

// NewMethodStore returns a MethodStore backed by pool.
func NewMethodStore(pool *pgxpool.Pool) *MethodStore {
	return &MethodStore{pool: pool}
}

// Load returns all registered payment methods, oldest first.
func (store *MethodStore) Load(ctx context.Context) ([]revenue.PaymentMethod, error) {
	rows, err := store.pool.Query(ctx, sqlListMethods)
	if err != nil {
		return nil, wrapStoreError(errorSubjectMethods, errorCodeList, err)
	}
	defer rows.Close()

	methods := make([]revenue.PaymentMethod, 0, 8)
	for rows.Next() {
		var (
			methodID       string
			kind           string
			availableCents int64
			currencyValue  string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&methodID,
			&kind,
			&availableCents,
			&currencyValue,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectMethods, errorCodeInvalid, err)
		}
		methods = append(methods, revenue.PaymentMethod{
			MethodID:       methodID,
			Kind:           kind,
			AvailableCents: revenue.AmountCents(availableCents),
			Currency:       currencyValue,
			MetadataJSON:   metadataValue,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectMethods, errorCodeList, err)
	}
	return methods, nil
}

// Save upserts the whole registry in one database transaction.
func (store *MethodStore) Save(ctx context.Context, methods []revenue.PaymentMethod) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectMethods, errorCodeBegin, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, method := range methods {
		_, err := tx.Exec(ctx, sqlUpsertMethod,
			method.MethodID,
			method.Kind,
			method.AvailableCents.Int64(),
			method.Currency,
			method.MetadataJSON,
			method.CreatedUnixUTC,
		)
		if err != nil {
			return wrapStoreError(errorSubjectMethods, errorCodeSave, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectMethods, errorCodeCommit, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return revenue.WrapStorageError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
