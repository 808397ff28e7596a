package main

import (
	"context"

	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	"go.uber.org/zap"
)

// zapOperationLogger forwards ledger operation callbacks to zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) *zapOperationLogger {
	return &zapOperationLogger{logger: logger.Named("ledger")}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry revenue.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("currency", entry.Currency),
		zap.String("reference", entry.Reference),
	}
	if entry.Error != nil {
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
