// Package httpserver exposes the revenue ledger and payment flows over a
// gin HTTP façade. All /api routes require a bearer token; the webhook
// route is open so the payment provider can deliver outcome events.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/revenue/internal/payproc"
	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Webhook event types delivered by the payment provider.
const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventIntentCanceled  = "payment_intent.canceled"
)

// LedgerService is the slice of the revenue service the façade uses.
type LedgerService interface {
	AddRevenue(ctx context.Context, amount revenue.PositiveAmountCents, currency revenue.Currency, source revenue.Source) (revenue.LedgerRecord, error)
	CheckSufficientFunds(ctx context.Context, amount revenue.PositiveAmountCents, currency revenue.Currency) (bool, error)
	ReserveFunds(ctx context.Context, amount revenue.PositiveAmountCents, currency revenue.Currency, reference revenue.ReferenceID) (revenue.LedgerRecord, error)
	DeductFunds(ctx context.Context, amount revenue.PositiveAmountCents, currency revenue.Currency, reference revenue.ReferenceID) (revenue.LedgerRecord, error)
	ReleaseReservedFunds(ctx context.Context, reference revenue.ReferenceID) (revenue.LedgerRecord, error)
	RevenueStats(ctx context.Context) (revenue.Stats, error)
	ListTransactions(ctx context.Context, limit int) ([]revenue.Transaction, error)
	RegisterPaymentMethod(ctx context.Context, kind revenue.MethodKind, currency revenue.Currency, metadata revenue.MetadataJSON) (revenue.PaymentMethod, error)
	ListAvailableMethods(ctx context.Context) ([]revenue.PaymentMethod, error)
}

// IntentClient is the slice of the payment processor the façade uses.
type IntentClient interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, description string) (payproc.Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (payproc.Intent, error)
	Stats() payproc.ProcessorStats
}

// Run boots the HTTP façade and blocks until ctx is canceled or the
// listener fails.
func Run(ctx context.Context, cfg Config, ledger LedgerService, intents IntentClient, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("httpserver config: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		ledger:  ledger,
		intents: intents,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("revenued listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payments", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.AuthSigningKey), cfg.AuthIssuer))

	api.POST("/revenue", handler.handleAddRevenue)
	api.GET("/revenue/stats", handler.handleRevenueStats)
	api.GET("/revenue/transactions", handler.handleListTransactions)
	api.POST("/payment-methods", handler.handleRegisterMethod)
	api.GET("/payment-methods", handler.handleListMethods)
	api.GET("/payment-methods/optimal", handler.handleOptimalMethod)
	api.POST("/payments", handler.handleCreatePayment)
	api.GET("/payments/:id", handler.handleRetrievePayment)
	api.GET("/processor/stats", handler.handleProcessorStats)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	ledger  LedgerService
	intents IntentClient
	cfg     Config
}

type addRevenueRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Source      string `json:"source"`
}

func (handler *httpHandler) handleAddRevenue(ctx *gin.Context) {
	var request addRevenueRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := revenue.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	currency, err := revenue.NewCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
		return
	}
	source, err := revenue.NewSource(request.Source)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_source", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	record, err := handler.ledger.AddRevenue(requestCtx, amount, currency, source)
	if err != nil {
		handler.respondError(ctx, "add revenue failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ledger": ledgerPayloadFromRecord(record)})
}

func (handler *httpHandler) handleRevenueStats(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	stats, err := handler.ledger.RevenueStats(requestCtx)
	if err != nil {
		handler.respondError(ctx, "stats fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_cents":           stats.TotalCents.Int64(),
		"available_cents":       stats.AvailableCents.Int64(),
		"reserved_cents":        stats.ReservedCents.Int64(),
		"currency":              stats.Currency,
		"total_payment_methods": stats.TotalPaymentMethods,
		"last_updated_unix_utc": stats.LastUpdatedUnixUTC,
	})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	limit := DefaultTransactionsLimit()
	if raw, ok := ctx.GetQuery("limit"); ok {
		parsed := 0
		if _, err := fmt.Sscanf(raw, "%d", &parsed); err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.ledger.ListTransactions(requestCtx, limit)
	if err != nil {
		handler.respondError(ctx, "transactions fetch failed", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayloadFromRecord(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

type registerMethodRequest struct {
	Kind     string         `json:"kind"`
	Currency string         `json:"currency"`
	Metadata map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleRegisterMethod(ctx *gin.Context) {
	var request registerMethodRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := revenue.NewMethodKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", err.Error()))
		return
	}
	currency, err := revenue.NewCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
		return
	}
	metadata, err := revenue.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	method, err := handler.ledger.RegisterPaymentMethod(requestCtx, kind, currency, metadata)
	if err != nil {
		handler.respondError(ctx, "method registration failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment_method": methodPayloadFromRecord(method)})
}

func (handler *httpHandler) handleListMethods(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	methods, err := handler.ledger.ListAvailableMethods(requestCtx)
	if err != nil {
		handler.respondError(ctx, "methods fetch failed", err)
		return
	}
	payload := make([]methodPayload, 0, len(methods))
	for _, method := range methods {
		payload = append(payload, methodPayloadFromRecord(method))
	}
	ctx.JSON(http.StatusOK, gin.H{"payment_methods": payload})
}

func (handler *httpHandler) handleOptimalMethod(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	methods, err := handler.ledger.ListAvailableMethods(requestCtx)
	if err != nil {
		handler.respondError(ctx, "methods fetch failed", err)
		return
	}
	optimal, found := revenue.SelectOptimalMethod(methods)
	if !found {
		ctx.JSON(http.StatusNotFound, errorResponse("no_methods", "no payment methods registered"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"payment_method": methodPayloadFromRecord(optimal)})
}

type createPaymentRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// handleCreatePayment runs the outbound payment flow: verify funds, create
// the provider intent, then reserve the amount keyed by the intent id. The
// reservation is settled later by the webhook.
func (handler *httpHandler) handleCreatePayment(ctx *gin.Context) {
	var request createPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := revenue.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	currency, err := revenue.NewCurrency(request.Currency)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	sufficient, err := handler.ledger.CheckSufficientFunds(requestCtx, amount, currency)
	if err != nil {
		handler.respondError(ctx, "funds check failed", err)
		return
	}
	if !sufficient {
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "available balance does not cover the amount"))
		return
	}

	intent, err := handler.intents.CreateIntent(requestCtx, amount.Int64(), currency.String(), request.Description)
	if err != nil {
		handler.logger.Error("intent creation failed", zap.Error(err), zap.String("subject", authSubject(ctx)))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "payment intent creation failed"))
		return
	}

	reference, err := revenue.NewReferenceID(intent.IntentID)
	if err != nil {
		handler.logger.Error("provider returned unusable intent id", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "payment intent creation failed"))
		return
	}
	record, err := handler.ledger.ReserveFunds(requestCtx, amount, currency, reference)
	if err != nil {
		handler.respondError(ctx, "reserve failed", err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"payment_intent_id": intent.IntentID,
		"client_secret":     intent.ClientSecret,
		"status":            intent.Status,
		"mock":              intent.Mock,
		"ledger":            ledgerPayloadFromRecord(record),
	})
}

func (handler *httpHandler) handleRetrievePayment(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	intent, err := handler.intents.RetrieveIntent(requestCtx, ctx.Param("id"))
	if err != nil {
		if errors.Is(err, payproc.ErrUnknownIntent) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_intent", "payment intent not found"))
			return
		}
		handler.logger.Error("intent retrieval failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "payment intent retrieval failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"payment_intent_id": intent.IntentID,
		"amount_cents":      intent.AmountCents,
		"currency":          intent.Currency,
		"status":            intent.Status,
		"mock":              intent.Mock,
	})
}

func (handler *httpHandler) handleProcessorStats(ctx *gin.Context) {
	stats := handler.intents.Stats()
	ctx.JSON(http.StatusOK, gin.H{
		"successful_requests":   stats.SuccessfulRequests,
		"failed_requests":       stats.FailedRequests,
		"total_processed_cents": stats.TotalProcessedCents,
		"mock_mode":             stats.MockMode,
	})
}

type paymentWebhookRequest struct {
	Type            string `json:"type"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

// handlePaymentWebhook settles reservations from provider outcome events.
// A succeeded intent deducts the reserved amount; a failed or canceled
// intent releases it back to the available balance.
func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var event paymentWebhookRequest
	if err := ctx.ShouldBindJSON(&event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reference, err := revenue.NewReferenceID(event.PaymentIntentID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_intent_id", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	switch event.Type {
	case eventIntentSucceeded:
		amount, err := revenue.NewPositiveAmountCents(event.AmountCents)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
			return
		}
		currency, err := revenue.NewCurrency(event.Currency)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_currency", err.Error()))
			return
		}
		record, err := handler.ledger.DeductFunds(requestCtx, amount, currency, reference)
		if err != nil {
			handler.respondError(ctx, "webhook deduct failed", err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "deducted", "ledger": ledgerPayloadFromRecord(record)})
	case eventIntentFailed, eventIntentCanceled:
		record, err := handler.ledger.ReleaseReservedFunds(requestCtx, reference)
		if err != nil {
			handler.respondError(ctx, "webhook release failed", err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "released", "ledger": ledgerPayloadFromRecord(record)})
	default:
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

// respondError maps domain errors onto HTTP statuses. Storage failures
// surface as bad gateway so callers can tell them apart from rejections.
func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, revenue.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "available balance does not cover the amount"))
	case errors.Is(err, revenue.ErrCurrencyMismatch):
		ctx.JSON(http.StatusConflict, errorResponse("currency_mismatch", "ledger currency does not match the request"))
	case errors.Is(err, revenue.ErrReservationExists):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_exists", "a reservation with this reference already exists"))
	case errors.Is(err, revenue.ErrReservationClosed):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_closed", "the reservation was already settled"))
	case errors.Is(err, revenue.ErrUnknownReservation):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_reservation", "no reservation with this reference"))
	case errors.Is(err, revenue.ErrInvalidAmountCents):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
	case errors.Is(err, revenue.ErrStorage):
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "ledger storage unavailable"))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

type ledgerPayload struct {
	TotalCents         int64  `json:"total_cents"`
	AvailableCents     int64  `json:"available_cents"`
	ReservedCents      int64  `json:"reserved_cents"`
	Currency           string `json:"currency"`
	LastUpdatedUnixUTC int64  `json:"last_updated_unix_utc"`
}

func ledgerPayloadFromRecord(record revenue.LedgerRecord) ledgerPayload {
	return ledgerPayload{
		TotalCents:         record.TotalCents.Int64(),
		AvailableCents:     record.AvailableCents.Int64(),
		ReservedCents:      record.ReservedCents.Int64(),
		Currency:           record.Currency,
		LastUpdatedUnixUTC: record.LastUpdatedUnixUTC,
	}
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
	Reference      string `json:"reference"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func transactionPayloadFromRecord(transaction revenue.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		Type:           transaction.Type.String(),
		AmountCents:    transaction.AmountCents.Int64(),
		Currency:       transaction.Currency,
		Reference:      transaction.Reference,
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

type methodPayload struct {
	MethodID       string          `json:"method_id"`
	Kind           string          `json:"kind"`
	AvailableCents int64           `json:"available_cents"`
	Currency       string          `json:"currency"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func methodPayloadFromRecord(method revenue.PaymentMethod) methodPayload {
	metadata := method.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return methodPayload{
		MethodID:       method.MethodID,
		Kind:           method.Kind,
		AvailableCents: method.AvailableCents.Int64(),
		Currency:       method.Currency,
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: method.CreatedUnixUTC,
	}
}
