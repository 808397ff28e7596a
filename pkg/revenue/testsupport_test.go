package revenue

import (
	"context"
	"testing"
)

const fixedClockUnixUTC int64 = 1_700_000_000

// memoryLedgerStore keeps the whole ledger document in memory and counts
// saves so tests can assert persistence happened.
type memoryLedgerStore struct {
	record    LedgerRecord
	saveCount int
	loadError error
	saveError error
}

func (store *memoryLedgerStore) Load(context.Context) (LedgerRecord, error) {
	if store.loadError != nil {
		return LedgerRecord{}, store.loadError
	}
	return store.record, nil
}

func (store *memoryLedgerStore) Save(_ context.Context, record LedgerRecord) error {
	if store.saveError != nil {
		return store.saveError
	}
	store.record = record
	store.saveCount++
	return nil
}

type memoryMethodStore struct {
	methods   []PaymentMethod
	saveCount int
	loadError error
	saveError error
}

func (store *memoryMethodStore) Load(context.Context) ([]PaymentMethod, error) {
	if store.loadError != nil {
		return nil, store.loadError
	}
	return store.methods, nil
}

func (store *memoryMethodStore) Save(_ context.Context, methods []PaymentMethod) error {
	if store.saveError != nil {
		return store.saveError
	}
	store.methods = methods
	store.saveCount++
	return nil
}

func mustNewService(test *testing.T, ledgerStore LedgerStore, methodStore MethodStore, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(ledgerStore, methodStore, func() int64 { return fixedClockUnixUTC }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	amount, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("positive amount %d: %v", raw, err)
	}
	return amount
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	currency, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency %q: %v", raw, err)
	}
	return currency
}

func mustSource(test *testing.T, raw string) Source {
	test.Helper()
	source, err := NewSource(raw)
	if err != nil {
		test.Fatalf("source %q: %v", raw, err)
	}
	return source
}

func mustReference(test *testing.T, raw string) ReferenceID {
	test.Helper()
	reference, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference %q: %v", raw, err)
	}
	return reference
}

func mustMethodKind(test *testing.T, raw string) MethodKind {
	test.Helper()
	kind, err := NewMethodKind(raw)
	if err != nil {
		test.Fatalf("method kind %q: %v", raw, err)
	}
	return kind
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

// fundedLedgerStore returns a store already holding revenue in usd.
func fundedLedgerStore(test *testing.T, availableCents int64) *memoryLedgerStore {
	test.Helper()
	return &memoryLedgerStore{record: LedgerRecord{
		TotalCents:     AmountCents(availableCents),
		AvailableCents: AmountCents(availableCents),
		Currency:       "usd",
	}}
}
