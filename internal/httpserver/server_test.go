package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/revenue/internal/payproc"
	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "revenued-test"
)

// stubLedger answers the façade with canned values and records which
// operations were invoked.
type stubLedger struct {
	record       revenue.LedgerRecord
	stats        revenue.Stats
	transactions []revenue.Transaction
	methods      []revenue.PaymentMethod
	method       revenue.PaymentMethod
	sufficient   bool
	err          error

	reservedReferences []string
	deductedReferences []string
	releasedReferences []string
}

func (ledger *stubLedger) AddRevenue(context.Context, revenue.PositiveAmountCents, revenue.Currency, revenue.Source) (revenue.LedgerRecord, error) {
	return ledger.record, ledger.err
}

func (ledger *stubLedger) CheckSufficientFunds(context.Context, revenue.PositiveAmountCents, revenue.Currency) (bool, error) {
	return ledger.sufficient, ledger.err
}

func (ledger *stubLedger) ReserveFunds(_ context.Context, _ revenue.PositiveAmountCents, _ revenue.Currency, reference revenue.ReferenceID) (revenue.LedgerRecord, error) {
	if ledger.err != nil {
		return revenue.LedgerRecord{}, ledger.err
	}
	ledger.reservedReferences = append(ledger.reservedReferences, reference.String())
	return ledger.record, nil
}

func (ledger *stubLedger) DeductFunds(_ context.Context, _ revenue.PositiveAmountCents, _ revenue.Currency, reference revenue.ReferenceID) (revenue.LedgerRecord, error) {
	if ledger.err != nil {
		return revenue.LedgerRecord{}, ledger.err
	}
	ledger.deductedReferences = append(ledger.deductedReferences, reference.String())
	return ledger.record, nil
}

func (ledger *stubLedger) ReleaseReservedFunds(_ context.Context, reference revenue.ReferenceID) (revenue.LedgerRecord, error) {
	if ledger.err != nil {
		return revenue.LedgerRecord{}, ledger.err
	}
	ledger.releasedReferences = append(ledger.releasedReferences, reference.String())
	return ledger.record, nil
}

func (ledger *stubLedger) RevenueStats(context.Context) (revenue.Stats, error) {
	return ledger.stats, ledger.err
}

func (ledger *stubLedger) ListTransactions(context.Context, int) ([]revenue.Transaction, error) {
	return ledger.transactions, ledger.err
}

func (ledger *stubLedger) RegisterPaymentMethod(context.Context, revenue.MethodKind, revenue.Currency, revenue.MetadataJSON) (revenue.PaymentMethod, error) {
	return ledger.method, ledger.err
}

func (ledger *stubLedger) ListAvailableMethods(context.Context) ([]revenue.PaymentMethod, error) {
	return ledger.methods, ledger.err
}

type stubIntents struct {
	intent      payproc.Intent
	createError error
	stats       payproc.ProcessorStats
}

func (intents *stubIntents) CreateIntent(context.Context, int64, string, string) (payproc.Intent, error) {
	if intents.createError != nil {
		return payproc.Intent{}, intents.createError
	}
	return intents.intent, nil
}

func (intents *stubIntents) RetrieveIntent(_ context.Context, intentID string) (payproc.Intent, error) {
	intent := intents.intent
	intent.IntentID = intentID
	return intent, nil
}

func (intents *stubIntents) Stats() payproc.ProcessorStats {
	return intents.stats
}

func newTestRouter(test *testing.T, ledger LedgerService, intents IntentClient) http.Handler {
	test.Helper()
	cfg := Config{AuthSigningKey: testSigningKey, AuthIssuer: testIssuer}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	handler := &httpHandler{
		logger:  zap.NewNop(),
		ledger:  ledger,
		intents: intents,
		cfg:     cfg,
	}
	return setupRouter(cfg, handler)
}

func signedToken(test *testing.T) string {
	test.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "ops-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(test *testing.T, router http.Handler, method string, path string, body any, token string) *httptest.ResponseRecorder {
	test.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			test.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func TestHealthzOpenWithoutToken(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{}, &stubIntents{})

	recorder := doRequest(test, router, http.MethodGet, "/healthz", nil, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAPIRejectsMissingToken(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{}, &stubIntents{})

	recorder := doRequest(test, router, http.MethodGet, "/api/revenue/stats", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAPIRejectsTokenSignedWithWrongKey(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{}, &stubIntents{})
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-key"))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}

	recorder := doRequest(test, router, http.MethodGet, "/api/revenue/stats", nil, forged)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAddRevenueEndpoint(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{record: revenue.LedgerRecord{TotalCents: 10_000, AvailableCents: 10_000, Currency: "usd"}}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodPost, "/api/revenue", map[string]any{
		"amount_cents": 10_000,
		"currency":     "usd",
		"source":       "api_sales",
	}, signedToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	ledgerBody := body["ledger"].(map[string]any)
	if ledgerBody["total_cents"].(float64) != 10_000 {
		test.Fatalf("unexpected ledger payload: %v", ledgerBody)
	}
}

func TestAddRevenueRejectsInvalidAmount(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{}, &stubIntents{})

	recorder := doRequest(test, router, http.MethodPost, "/api/revenue", map[string]any{
		"amount_cents": -5,
		"currency":     "usd",
		"source":       "api_sales",
	}, signedToken(test))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestRevenueStatsEndpoint(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{stats: revenue.Stats{TotalCents: 500, AvailableCents: 400, ReservedCents: 100, Currency: "usd", TotalPaymentMethods: 2}}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodGet, "/api/revenue/stats", nil, signedToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	if body["total_cents"].(float64) != 500 || body["total_payment_methods"].(float64) != 2 {
		test.Fatalf("unexpected stats: %v", body)
	}
}

func TestCreatePaymentReservesByIntentID(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{sufficient: true, record: revenue.LedgerRecord{AvailableCents: 7_000, ReservedCents: 3_000, Currency: "usd"}}
	intents := &stubIntents{intent: payproc.Intent{IntentID: "pi_42", ClientSecret: "pi_42_secret", Status: payproc.IntentStatusRequiresPaymentMethod}}
	router := newTestRouter(test, ledger, intents)

	recorder := doRequest(test, router, http.MethodPost, "/api/payments", map[string]any{
		"amount_cents": 3_000,
		"currency":     "usd",
		"description":  "subscription",
	}, signedToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	if body["payment_intent_id"] != "pi_42" || body["client_secret"] != "pi_42_secret" {
		test.Fatalf("unexpected payment response: %v", body)
	}
	if len(ledger.reservedReferences) != 1 || ledger.reservedReferences[0] != "pi_42" {
		test.Fatalf("expected reservation keyed by intent id, got %v", ledger.reservedReferences)
	}
}

func TestCreatePaymentInsufficientFunds(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{sufficient: false}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodPost, "/api/payments", map[string]any{
		"amount_cents": 3_000,
		"currency":     "usd",
	}, signedToken(test))
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d", recorder.Code)
	}
	if len(ledger.reservedReferences) != 0 {
		test.Fatalf("no reservation expected on insufficient funds")
	}
}

func TestCreatePaymentProviderFailure(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{sufficient: true}
	intents := &stubIntents{createError: payproc.ErrProviderRejected}
	router := newTestRouter(test, ledger, intents)

	recorder := doRequest(test, router, http.MethodPost, "/api/payments", map[string]any{
		"amount_cents": 3_000,
		"currency":     "usd",
	}, signedToken(test))
	if recorder.Code != http.StatusBadGateway {
		test.Fatalf("expected 502, got %d", recorder.Code)
	}
	if len(ledger.reservedReferences) != 0 {
		test.Fatalf("no reservation expected when the provider fails")
	}
}

func TestWebhookSucceededDeductsFunds(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{record: revenue.LedgerRecord{AvailableCents: 7_000, Currency: "usd"}}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodPost, "/webhooks/payments", map[string]any{
		"type":              "payment_intent.succeeded",
		"payment_intent_id": "pi_42",
		"amount_cents":      3_000,
		"currency":          "usd",
	}, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(ledger.deductedReferences) != 1 || ledger.deductedReferences[0] != "pi_42" {
		test.Fatalf("expected deduct for pi_42, got %v", ledger.deductedReferences)
	}
}

func TestWebhookFailureReleasesFunds(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{record: revenue.LedgerRecord{AvailableCents: 10_000, Currency: "usd"}}
	router := newTestRouter(test, ledger, &stubIntents{})

	for _, eventType := range []string{"payment_intent.payment_failed", "payment_intent.canceled"} {
		recorder := doRequest(test, router, http.MethodPost, "/webhooks/payments", map[string]any{
			"type":              eventType,
			"payment_intent_id": "pi_42",
		}, "")
		if recorder.Code != http.StatusOK {
			test.Fatalf("%s: expected 200, got %d", eventType, recorder.Code)
		}
	}
	if len(ledger.releasedReferences) != 2 {
		test.Fatalf("expected two releases, got %v", ledger.releasedReferences)
	}
}

func TestWebhookIgnoresUnknownEventTypes(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodPost, "/webhooks/payments", map[string]any{
		"type":              "charge.refunded",
		"payment_intent_id": "pi_42",
	}, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	if body["status"] != "ignored" {
		test.Fatalf("expected ignored status, got %v", body)
	}
	if len(ledger.deductedReferences) != 0 || len(ledger.releasedReferences) != 0 {
		test.Fatalf("unknown event mutated the ledger")
	}
}

func TestWebhookMapsDomainErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "unknown reservation", err: revenue.ErrUnknownReservation, wantCode: http.StatusNotFound},
		{name: "reservation closed", err: revenue.ErrReservationClosed, wantCode: http.StatusConflict},
		{name: "currency mismatch", err: revenue.ErrCurrencyMismatch, wantCode: http.StatusConflict},
		{name: "storage failure", err: revenue.ErrStorage, wantCode: http.StatusBadGateway},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			ledger := &stubLedger{err: testCase.err}
			router := newTestRouter(test, ledger, &stubIntents{})

			recorder := doRequest(test, router, http.MethodPost, "/webhooks/payments", map[string]any{
				"type":              "payment_intent.succeeded",
				"payment_intent_id": "pi_42",
				"amount_cents":      3_000,
				"currency":          "usd",
			}, "")
			if recorder.Code != testCase.wantCode {
				test.Fatalf("expected %d, got %d: %s", testCase.wantCode, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestRegisterPaymentMethodEndpoint(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{method: revenue.PaymentMethod{MethodID: "pm-1", Kind: "card", AvailableCents: 100_000_000, Currency: "usd", MetadataJSON: "{}"}}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodPost, "/api/payment-methods", map[string]any{
		"kind":     "card",
		"currency": "usd",
		"metadata": map[string]any{"brand": "visa"},
	}, signedToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(test, recorder)
	method := body["payment_method"].(map[string]any)
	if method["method_id"] != "pm-1" || method["available_cents"].(float64) != 100_000_000 {
		test.Fatalf("unexpected method payload: %v", method)
	}
}

func TestOptimalPaymentMethodEndpoint(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{methods: []revenue.PaymentMethod{
		{MethodID: "pm-low", AvailableCents: 10, MetadataJSON: "{}"},
		{MethodID: "pm-high", AvailableCents: 500, MetadataJSON: "{}"},
	}}
	router := newTestRouter(test, ledger, &stubIntents{})

	recorder := doRequest(test, router, http.MethodGet, "/api/payment-methods/optimal", nil, signedToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	method := body["payment_method"].(map[string]any)
	if method["method_id"] != "pm-high" {
		test.Fatalf("expected pm-high, got %v", method)
	}
}

func TestOptimalPaymentMethodEmptyRegistry(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{}, &stubIntents{})

	recorder := doRequest(test, router, http.MethodGet, "/api/payment-methods/optimal", nil, signedToken(test))
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestProcessorStatsEndpoint(test *testing.T) {
	test.Parallel()
	intents := &stubIntents{stats: payproc.ProcessorStats{SuccessfulRequests: 3, FailedRequests: 1, TotalProcessedCents: 900, MockMode: true}}
	router := newTestRouter(test, &stubLedger{}, intents)

	recorder := doRequest(test, router, http.MethodGet, "/api/processor/stats", nil, signedToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(test, recorder)
	if body["successful_requests"].(float64) != 3 || body["mock_mode"] != true {
		test.Fatalf("unexpected stats payload: %v", body)
	}
}
