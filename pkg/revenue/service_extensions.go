package revenue

import "context"

// RevenueStats composes a snapshot from the ledger and the payment-method
// registry.
func (service *Service) RevenueStats(ctx context.Context) (Stats, error) {
	service.ledgerMu.Lock()
	record, err := service.ledgerStore.Load(ctx)
	service.ledgerMu.Unlock()
	if err != nil {
		return Stats{}, err
	}
	methods, err := service.loadMethods(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalCents:          record.TotalCents,
		AvailableCents:      record.AvailableCents,
		ReservedCents:       record.ReservedCents,
		Currency:            record.Currency,
		TotalPaymentMethods: len(methods),
		LastUpdatedUnixUTC:  record.LastUpdatedUnixUTC,
	}, nil
}

// ListTransactions returns the most recent transactions, newest first.
// A non-positive limit returns the whole log.
func (service *Service) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	service.ledgerMu.Lock()
	defer service.ledgerMu.Unlock()

	record, err := service.ledgerStore.Load(ctx)
	if err != nil {
		return nil, err
	}
	transactions := make([]Transaction, 0, len(record.Transactions))
	for index := len(record.Transactions) - 1; index >= 0; index-- {
		if limit > 0 && len(transactions) == limit {
			break
		}
		transactions = append(transactions, record.Transactions[index])
	}
	return transactions, nil
}
