// Package gormstore persists the revenue ledger through GORM, backed by
// sqlite or postgres. Load reconstructs the whole ledger document from
// relational rows; Save overwrites the balances row, upserts reservation
// rows, and appends transaction rows inside one database transaction.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultLedgerName keys the singleton ledger row.
	DefaultLedgerName = "app_revenue"

	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore     = "store"
	errorSubjectLedger      = "ledger"
	errorSubjectTransaction = "transaction"
	errorSubjectReservation = "reservation"
	errorSubjectMethods     = "methods"
	errorCodeGet            = "get"
	errorCodeSave           = "save"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
)

// LedgerStore implements revenue.LedgerStore using GORM.
type LedgerStore struct {
	db         *gorm.DB
	ledgerName string
}

// NewLedgerStore returns a LedgerStore for the default ledger name.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db, ledgerName: DefaultLedgerName}
}

// Load reconstructs the ledger document; a missing row yields a
// zero-valued record.
func (store *LedgerStore) Load(ctx context.Context) (revenue.LedgerRecord, error) {
	var ledgerRow RevenueLedger
	err := store.db.WithContext(ctx).
		Where("name = ?", store.ledgerName).
		Take(&ledgerRow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return revenue.LedgerRecord{}, nil
		}
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}

	var transactionRows []LedgerTransaction
	err = store.db.WithContext(ctx).
		Where("ledger_name = ?", store.ledgerName).
		Order("created_at ASC").
		Find(&transactionRows).Error
	if err != nil {
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	var reservationRows []LedgerReservation
	err = store.db.WithContext(ctx).
		Where("ledger_name = ?", store.ledgerName).
		Order("created_at ASC").
		Find(&reservationRows).Error
	if err != nil {
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}

	record := revenue.LedgerRecord{
		TotalCents:         revenue.AmountCents(ledgerRow.TotalCents),
		AvailableCents:     revenue.AmountCents(ledgerRow.AvailableCents),
		ReservedCents:      revenue.AmountCents(ledgerRow.ReservedCents),
		Currency:           ledgerRow.Currency,
		LastUpdatedUnixUTC: ledgerRow.UpdatedAt.Unix(),
		Transactions:       make([]revenue.Transaction, 0, len(transactionRows)),
		Reservations:       make([]revenue.Reservation, 0, len(reservationRows)),
	}
	for _, row := range transactionRows {
		transactionType, err := revenue.ParseTransactionType(row.Type)
		if err != nil {
			return revenue.LedgerRecord{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		record.Transactions = append(record.Transactions, revenue.Transaction{
			TransactionID:  row.TransactionID,
			Type:           transactionType,
			AmountCents:    revenue.AmountCents(row.AmountCents),
			Currency:       row.Currency,
			Reference:      row.Reference,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	for _, row := range reservationRows {
		status, err := revenue.ParseReservationStatus(row.Status)
		if err != nil {
			return revenue.LedgerRecord{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		record.Reservations = append(record.Reservations, revenue.Reservation{
			Reference:      row.Reference,
			AmountCents:    revenue.AmountCents(row.AmountCents),
			Status:         status,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return record, nil
}

// Save overwrites the balances row, upserts reservations, and appends any
// transactions not yet persisted. Runs inside one database transaction so
// a partial save never becomes visible.
func (store *LedgerStore) Save(ctx context.Context, record revenue.LedgerRecord) error {
	updatedAt := time.Unix(record.LastUpdatedUnixUTC, 0).UTC()
	if record.LastUpdatedUnixUTC == 0 {
		updatedAt = time.Now().UTC()
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		ledgerRow := RevenueLedger{
			Name:           store.ledgerName,
			TotalCents:     record.TotalCents.Int64(),
			AvailableCents: record.AvailableCents.Int64(),
			ReservedCents:  record.ReservedCents.Int64(),
			Currency:       record.Currency,
			UpdatedAt:      updatedAt,
		}
		err := transaction.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				UpdateAll: true,
			}).
			Create(&ledgerRow).Error
		if err != nil {
			return wrapStoreError(errorSubjectLedger, errorCodeSave, err)
		}

		for _, reservation := range record.Reservations {
			reservationRow := LedgerReservation{
				LedgerName:  store.ledgerName,
				Reference:   reservation.Reference,
				AmountCents: reservation.AmountCents.Int64(),
				Status:      reservation.Status.String(),
				CreatedAt:   time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
				UpdatedAt:   updatedAt,
			}
			err := transaction.
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "ledger_name"}, {Name: "reference"}},
					DoUpdates: clause.AssignmentColumns([]string{"amount_cents", "status", "updated_at"}),
				}).
				Create(&reservationRow).Error
			if err != nil {
				return wrapStoreError(errorSubjectReservation, errorCodeSave, err)
			}
		}

		for _, entry := range record.Transactions {
			transactionRow := LedgerTransaction{
				TransactionID: entry.TransactionID,
				LedgerName:    store.ledgerName,
				Type:          entry.Type.String(),
				AmountCents:   entry.AmountCents.Int64(),
				Currency:      entry.Currency,
				Reference:     entry.Reference,
				CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
			}
			err := transaction.Create(&transactionRow).Error
			if isDuplicateKey(err) {
				// The log is append-only; rows from earlier saves stay put.
				continue
			}
			if err != nil {
				return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
			}
		}
		return nil
	})
}

// MethodStore implements revenue.MethodStore using GORM.
type MethodStore struct {
	db *gorm.DB
}

// NewMethodStore returns a MethodStore backed by gorm.DB.
func NewMethodStore(db *gorm.DB) *MethodStore {
	return &MethodStore{db: db}
}

// Load returns all registered payment methods, oldest first.
func (store *MethodStore) Load(ctx context.Context) ([]revenue.PaymentMethod, error) {
	var rows []PaymentMethod
	err := store.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMethods, errorCodeList, err)
	}
	methods := make([]revenue.PaymentMethod, 0, len(rows))
	for _, row := range rows {
		methods = append(methods, revenue.PaymentMethod{
			MethodID:       row.MethodID,
			Kind:           row.Kind,
			AvailableCents: revenue.AmountCents(row.AvailableCents),
			Currency:       row.Currency,
			MetadataJSON:   string(row.Metadata),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return methods, nil
}

// Save upserts the whole registry. Methods are never removed, so the
// upsert covers both new registrations and replays of existing rows.
func (store *MethodStore) Save(ctx context.Context, methods []revenue.PaymentMethod) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, method := range methods {
			row := PaymentMethod{
				MethodID:       method.MethodID,
				Kind:           method.Kind,
				AvailableCents: method.AvailableCents.Int64(),
				Currency:       method.Currency,
				Metadata:       datatypesJSON(method.MetadataJSON),
				CreatedAt:      time.Unix(method.CreatedUnixUTC, 0).UTC(),
			}
			err := transaction.
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "method_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"kind", "available_cents", "currency", "metadata"}),
				}).
				Create(&row).Error
			if err != nil {
				return wrapStoreError(errorSubjectMethods, errorCodeSave, err)
			}
		}
		return nil
	})
}

func wrapStoreError(subject string, code string, err error) error {
	return revenue.WrapStorageError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
