package revenue

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// RegisterPaymentMethod appends a new payment-method record with the fixed
// placeholder balance and persists the whole registry.
func (service *Service) RegisterPaymentMethod(ctx context.Context, kind MethodKind, currency Currency, metadata MetadataJSON) (PaymentMethod, error) {
	service.methodMu.Lock()
	defer service.methodMu.Unlock()

	method := PaymentMethod{}
	methods, operationError := service.methodStore.Load(ctx)
	if operationError == nil {
		method = PaymentMethod{
			MethodID:       uuid.NewString(),
			Kind:           kind.String(),
			AvailableCents: AmountCents(methodPlaceholderBalanceCents),
			Currency:       currency.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		methods = append(methods, method)
		operationError = service.methodStore.Save(ctx, methods)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRegisterMethod,
		Amount:    method.AvailableCents,
		Currency:  currency.String(),
		Reference: method.MethodID,
		Error:     operationError,
	})
	if operationError != nil {
		return PaymentMethod{}, operationError
	}
	return method, nil
}

// ListAvailableMethods returns registered methods with a positive balance.
func (service *Service) ListAvailableMethods(ctx context.Context) ([]PaymentMethod, error) {
	methods, err := service.loadMethods(ctx)
	if err != nil {
		return nil, err
	}
	available := make([]PaymentMethod, 0, len(methods))
	for _, method := range methods {
		if method.AvailableCents > 0 {
			available = append(available, method)
		}
	}
	return available, nil
}

func (service *Service) loadMethods(ctx context.Context) ([]PaymentMethod, error) {
	service.methodMu.Lock()
	defer service.methodMu.Unlock()
	return service.methodStore.Load(ctx)
}

// SelectOptimalMethod picks the method with the highest available balance.
// Ties break toward the earliest registration so the pick is reproducible.
func SelectOptimalMethod(methods []PaymentMethod) (PaymentMethod, bool) {
	if len(methods) == 0 {
		return PaymentMethod{}, false
	}
	ranked := append([]PaymentMethod(nil), methods...)
	sort.SliceStable(ranked, func(left, right int) bool {
		if ranked[left].AvailableCents != ranked[right].AvailableCents {
			return ranked[left].AvailableCents > ranked[right].AvailableCents
		}
		return ranked[left].CreatedUnixUTC < ranked[right].CreatedUnixUTC
	})
	return ranked[0], true
}
