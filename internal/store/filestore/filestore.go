// Package filestore persists the revenue ledger and the payment-method
// registry as two independent JSON documents, overwritten whole on save.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
)

const (
	errorOperationStore = "store"
	errorSubjectLedger  = "ledger"
	errorSubjectMethods = "methods"
	errorCodeRead       = "read"
	errorCodeDecode     = "decode"
	errorCodeEncode     = "encode"
	errorCodeWrite      = "write"

	documentFileMode = 0o644
)

// LedgerStore implements revenue.LedgerStore over a single JSON file.
type LedgerStore struct {
	path string
}

// NewLedgerStore returns a LedgerStore writing to path.
func NewLedgerStore(path string) *LedgerStore {
	return &LedgerStore{path: path}
}

// Load reads the ledger document, returning a zero-valued record when the
// file does not exist yet. Malformed content is a storage failure.
func (store *LedgerStore) Load(_ context.Context) (revenue.LedgerRecord, error) {
	raw, err := os.ReadFile(store.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return revenue.LedgerRecord{}, nil
		}
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectLedger, errorCodeRead, err)
	}
	var document ledgerDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectLedger, errorCodeDecode, err)
	}
	record, err := document.toRecord()
	if err != nil {
		return revenue.LedgerRecord{}, wrapStoreError(errorSubjectLedger, errorCodeDecode, err)
	}
	return record, nil
}

// Save overwrites the whole ledger document, stamping lastUpdated when the
// record carries no timestamp of its own.
func (store *LedgerStore) Save(_ context.Context, record revenue.LedgerRecord) error {
	document := ledgerDocumentFromRecord(record)
	raw, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeEncode, err)
	}
	if err := writeDocument(store.path, raw); err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeWrite, err)
	}
	return nil
}

// MethodStore implements revenue.MethodStore over a single JSON file.
type MethodStore struct {
	path string
}

// NewMethodStore returns a MethodStore writing to path.
func NewMethodStore(path string) *MethodStore {
	return &MethodStore{path: path}
}

// Load reads the payment-methods document, returning an empty registry
// when the file does not exist yet.
func (store *MethodStore) Load(_ context.Context) ([]revenue.PaymentMethod, error) {
	raw, err := os.ReadFile(store.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, wrapStoreError(errorSubjectMethods, errorCodeRead, err)
	}
	var document methodsDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, wrapStoreError(errorSubjectMethods, errorCodeDecode, err)
	}
	methods := make([]revenue.PaymentMethod, 0, len(document.PaymentMethods))
	for _, record := range document.PaymentMethods {
		methods = append(methods, revenue.PaymentMethod{
			MethodID:       record.ID,
			Kind:           record.Type,
			AvailableCents: revenue.AmountCents(record.AvailableBalance),
			Currency:       record.Currency,
			MetadataJSON:   metadataOrEmpty(record.Metadata),
			CreatedUnixUTC: parseTimestamp(record.Created),
		})
	}
	return methods, nil
}

// Save overwrites the whole payment-methods document.
func (store *MethodStore) Save(_ context.Context, methods []revenue.PaymentMethod) error {
	document := methodsDocument{
		PaymentMethods: make([]paymentMethodRecord, 0, len(methods)),
		LastUpdated:    formatTimestamp(time.Now().UTC().Unix()),
	}
	for _, method := range methods {
		document.PaymentMethods = append(document.PaymentMethods, paymentMethodRecord{
			ID:               method.MethodID,
			Type:             method.Kind,
			AvailableBalance: method.AvailableCents.Int64(),
			Currency:         method.Currency,
			Metadata:         json.RawMessage(metadataOrEmpty(json.RawMessage(method.MetadataJSON))),
			Created:          formatTimestamp(method.CreatedUnixUTC),
		})
	}
	raw, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return wrapStoreError(errorSubjectMethods, errorCodeEncode, err)
	}
	if err := writeDocument(store.path, raw); err != nil {
		return wrapStoreError(errorSubjectMethods, errorCodeWrite, err)
	}
	return nil
}

// ledgerDocument is the persisted ledger layout.
type ledgerDocument struct {
	TotalRevenue     int64               `json:"totalRevenue"`
	AvailableBalance int64               `json:"availableBalance"`
	ReservedFunds    int64               `json:"reservedFunds"`
	Currency         string              `json:"currency"`
	LastUpdated      string              `json:"lastUpdated"`
	Transactions     []transactionRecord `json:"transactions"`
	Reservations     []reservationRecord `json:"reservations,omitempty"`
}

type transactionRecord struct {
	ID              string `json:"id,omitempty"`
	Type            string `json:"type"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Source          string `json:"source,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	Timestamp       string `json:"timestamp"`
}

type reservationRecord struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Created   string `json:"created"`
}

type methodsDocument struct {
	PaymentMethods []paymentMethodRecord `json:"paymentMethods"`
	LastUpdated    string                `json:"lastUpdated"`
}

type paymentMethodRecord struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	AvailableBalance int64           `json:"availableBalance"`
	Currency         string          `json:"currency"`
	Metadata         json.RawMessage `json:"metadata"`
	Created          string          `json:"created"`
}

func ledgerDocumentFromRecord(record revenue.LedgerRecord) ledgerDocument {
	lastUpdated := record.LastUpdatedUnixUTC
	if lastUpdated == 0 {
		lastUpdated = time.Now().UTC().Unix()
	}
	document := ledgerDocument{
		TotalRevenue:     record.TotalCents.Int64(),
		AvailableBalance: record.AvailableCents.Int64(),
		ReservedFunds:    record.ReservedCents.Int64(),
		Currency:         record.Currency,
		LastUpdated:      formatTimestamp(lastUpdated),
		Transactions:     make([]transactionRecord, 0, len(record.Transactions)),
		Reservations:     make([]reservationRecord, 0, len(record.Reservations)),
	}
	for _, transaction := range record.Transactions {
		persisted := transactionRecord{
			ID:        transaction.TransactionID,
			Type:      transaction.Type.String(),
			Amount:    transaction.AmountCents.Int64(),
			Currency:  transaction.Currency,
			Timestamp: formatTimestamp(transaction.CreatedUnixUTC),
		}
		if transaction.Type == revenue.TransactionRevenueAdd {
			persisted.Source = transaction.Reference
		} else {
			persisted.PaymentIntentID = transaction.Reference
		}
		document.Transactions = append(document.Transactions, persisted)
	}
	for _, reservation := range record.Reservations {
		document.Reservations = append(document.Reservations, reservationRecord{
			Reference: reservation.Reference,
			Amount:    reservation.AmountCents.Int64(),
			Status:    reservation.Status.String(),
			Created:   formatTimestamp(reservation.CreatedUnixUTC),
		})
	}
	return document
}

func (document ledgerDocument) toRecord() (revenue.LedgerRecord, error) {
	record := revenue.LedgerRecord{
		TotalCents:         revenue.AmountCents(document.TotalRevenue),
		AvailableCents:     revenue.AmountCents(document.AvailableBalance),
		ReservedCents:      revenue.AmountCents(document.ReservedFunds),
		Currency:           document.Currency,
		LastUpdatedUnixUTC: parseTimestamp(document.LastUpdated),
		Transactions:       make([]revenue.Transaction, 0, len(document.Transactions)),
		Reservations:       make([]revenue.Reservation, 0, len(document.Reservations)),
	}
	for _, persisted := range document.Transactions {
		transactionType, err := revenue.ParseTransactionType(persisted.Type)
		if err != nil {
			return revenue.LedgerRecord{}, err
		}
		reference := persisted.PaymentIntentID
		if transactionType == revenue.TransactionRevenueAdd {
			reference = persisted.Source
		}
		record.Transactions = append(record.Transactions, revenue.Transaction{
			TransactionID:  persisted.ID,
			Type:           transactionType,
			AmountCents:    revenue.AmountCents(persisted.Amount),
			Currency:       persisted.Currency,
			Reference:      reference,
			CreatedUnixUTC: parseTimestamp(persisted.Timestamp),
		})
	}
	for _, persisted := range document.Reservations {
		status, err := revenue.ParseReservationStatus(persisted.Status)
		if err != nil {
			return revenue.LedgerRecord{}, err
		}
		record.Reservations = append(record.Reservations, revenue.Reservation{
			Reference:      persisted.Reference,
			AmountCents:    revenue.AmountCents(persisted.Amount),
			Status:         status,
			CreatedUnixUTC: parseTimestamp(persisted.Created),
		})
	}
	return record, nil
}

// writeDocument writes through a sibling temp file and renames it into
// place so readers never observe a partially written document.
func writeDocument(path string, raw []byte) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return err
	}
	temp, err := os.CreateTemp(directory, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	if _, err := temp.Write(raw); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return err
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Chmod(tempPath, documentFileMode); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return nil
}

func formatTimestamp(unixUTC int64) string {
	if unixUTC == 0 {
		return ""
	}
	return time.Unix(unixUTC, 0).UTC().Format(time.RFC3339)
}

func parseTimestamp(raw string) int64 {
	if raw == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return parsed.Unix()
}

func metadataOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func wrapStoreError(subject string, code string, err error) error {
	return revenue.WrapStorageError(errorOperationStore, subject, code, err)
}
