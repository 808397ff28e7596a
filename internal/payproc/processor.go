// Package payproc is the outbound payment-provider client. It creates and
// retrieves payment intents over the provider's form-encoded HTTP API and
// degrades to a mock mode that fabricates intents locally, so the rest of
// the system keeps working without provider credentials or connectivity.
package payproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/revenue/pkg/revenue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider-level error values.
var (
	ErrInvalidProcessorConfig = errors.New("invalid processor config")
	ErrProviderRejected       = errors.New("provider rejected request")
	ErrProviderUnavailable    = errors.New("provider unavailable")
	ErrUnknownIntent          = errors.New("unknown payment intent")
)

const (
	defaultBaseURL = "https://api.stripe.com"
	defaultTimeout = 15 * time.Second

	// IntentStatusRequiresPaymentMethod is the status of a freshly created intent.
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	// IntentStatusSucceeded marks a captured intent.
	IntentStatusSucceeded = "succeeded"

	mockIntentPrefix   = "pi_mock_"
	mockCustomerPrefix = "cus_mock_"

	errorOperationPayproc = "payproc"
	errorSubjectIntent    = "intent"
	errorCodeRequest      = "request"
	errorCodeDecode       = "decode"
	errorCodeRejected     = "rejected"
)

// Config carries the provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Mock    bool
	Timeout time.Duration
}

// Validate normalizes the config and fills defaults. An empty API key
// forces mock mode since real requests could never authenticate.
func (config Config) Validate() (Config, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return Config{}, fmt.Errorf("%w: base url: %v", ErrInvalidProcessorConfig, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.APIKey == "" {
		config.Mock = true
	}
	return config, nil
}

// Intent is a provider payment intent.
type Intent struct {
	IntentID       string
	ClientSecret   string
	AmountCents    int64
	Currency       string
	Status         string
	Mock           bool
	CreatedUnixUTC int64
}

// Customer is a provider customer record.
type Customer struct {
	CustomerID string
	Email      string
	Name       string
	Mock       bool
}

// ProcessorStats summarizes the processor's lifetime counters.
type ProcessorStats struct {
	SuccessfulRequests  int64
	FailedRequests      int64
	TotalProcessedCents int64
	MockMode            bool
}

// Processor talks to the payment provider.
type Processor struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	nowFn      func() int64

	mu                  sync.Mutex
	mockMode            bool
	successfulRequests  int64
	failedRequests      int64
	totalProcessedCents int64
}

// NewProcessor wires a Processor.
func NewProcessor(config Config, logger *zap.Logger, now func() int64) (*Processor, error) {
	validated, err := config.Validate()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger dependency is nil", ErrInvalidProcessorConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidProcessorConfig)
	}
	return &Processor{
		config:     validated,
		httpClient: &http.Client{Timeout: validated.Timeout},
		logger:     logger,
		nowFn:      now,
		mockMode:   validated.Mock,
	}, nil
}

// CreateIntent creates a payment intent for amount. In mock mode, or when
// the provider is unreachable, it fabricates a local intent instead of
// failing; an unreachable provider flips the processor into mock mode for
// all later requests.
func (processor *Processor) CreateIntent(ctx context.Context, amountCents int64, currency string, description string) (Intent, error) {
	if processor.inMockMode() {
		return processor.mockIntent(amountCents, currency), nil
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	if description != "" {
		form.Set("description", description)
	}

	var payload intentPayload
	err := processor.postForm(ctx, "/v1/payment_intents", form, &payload)
	if isNetworkError(err) {
		processor.enterMockMode(err)
		return processor.mockIntent(amountCents, currency), nil
	}
	if err != nil {
		processor.recordFailure()
		return Intent{}, err
	}
	processor.recordSuccess(amountCents)
	return payload.toIntent(), nil
}

// RetrieveIntent fetches the current state of an intent. Mock intents are
// answered locally and report success, matching the fabricated flow.
func (processor *Processor) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	if processor.inMockMode() || strings.HasPrefix(intentID, mockIntentPrefix) {
		return Intent{
			IntentID:       intentID,
			Status:         IntentStatusSucceeded,
			Mock:           true,
			CreatedUnixUTC: processor.nowFn(),
		}, nil
	}

	var payload intentPayload
	err := processor.getJSON(ctx, "/v1/payment_intents/"+url.PathEscape(intentID), &payload)
	if isNetworkError(err) {
		processor.enterMockMode(err)
		return Intent{
			IntentID:       intentID,
			Status:         IntentStatusSucceeded,
			Mock:           true,
			CreatedUnixUTC: processor.nowFn(),
		}, nil
	}
	if err != nil {
		processor.recordFailure()
		return Intent{}, err
	}
	return payload.toIntent(), nil
}

// CreateCustomer registers a customer with the provider.
func (processor *Processor) CreateCustomer(ctx context.Context, email string, name string) (Customer, error) {
	if processor.inMockMode() {
		return Customer{
			CustomerID: mockCustomerPrefix + uuid.NewString(),
			Email:      email,
			Name:       name,
			Mock:       true,
		}, nil
	}

	form := url.Values{}
	form.Set("email", email)
	if name != "" {
		form.Set("name", name)
	}

	var payload customerPayload
	err := processor.postForm(ctx, "/v1/customers", form, &payload)
	if isNetworkError(err) {
		processor.enterMockMode(err)
		return Customer{
			CustomerID: mockCustomerPrefix + uuid.NewString(),
			Email:      email,
			Name:       name,
			Mock:       true,
		}, nil
	}
	if err != nil {
		processor.recordFailure()
		return Customer{}, err
	}
	processor.recordSuccess(0)
	return Customer{
		CustomerID: payload.ID,
		Email:      payload.Email,
		Name:       payload.Name,
	}, nil
}

// Stats returns a snapshot of the lifetime counters.
func (processor *Processor) Stats() ProcessorStats {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	return ProcessorStats{
		SuccessfulRequests:  processor.successfulRequests,
		FailedRequests:      processor.failedRequests,
		TotalProcessedCents: processor.totalProcessedCents,
		MockMode:            processor.mockMode,
	}
}

func (processor *Processor) mockIntent(amountCents int64, currency string) Intent {
	intentID := mockIntentPrefix + uuid.NewString()
	processor.recordSuccess(amountCents)
	return Intent{
		IntentID:       intentID,
		ClientSecret:   intentID + "_secret_" + uuid.NewString(),
		AmountCents:    amountCents,
		Currency:       currency,
		Status:         IntentStatusRequiresPaymentMethod,
		Mock:           true,
		CreatedUnixUTC: processor.nowFn(),
	}
}

func (processor *Processor) inMockMode() bool {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	return processor.mockMode
}

func (processor *Processor) enterMockMode(cause error) {
	processor.mu.Lock()
	alreadyMock := processor.mockMode
	processor.mockMode = true
	processor.mu.Unlock()
	if !alreadyMock {
		processor.logger.Warn("payment provider unreachable, switching to mock mode",
			zap.Error(cause),
		)
	}
}

func (processor *Processor) recordSuccess(amountCents int64) {
	processor.mu.Lock()
	processor.successfulRequests++
	processor.totalProcessedCents += amountCents
	processor.mu.Unlock()
}

func (processor *Processor) recordFailure() {
	processor.mu.Lock()
	processor.failedRequests++
	processor.mu.Unlock()
}

type intentPayload struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	Created      int64  `json:"created"`
}

func (payload intentPayload) toIntent() Intent {
	return Intent{
		IntentID:       payload.ID,
		ClientSecret:   payload.ClientSecret,
		AmountCents:    payload.Amount,
		Currency:       payload.Currency,
		Status:         payload.Status,
		CreatedUnixUTC: payload.Created,
	}
}

type customerPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (processor *Processor) postForm(ctx context.Context, path string, form url.Values, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, processor.config.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return wrapProviderError(errorSubjectIntent, errorCodeRequest, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return processor.do(request, out)
}

func (processor *Processor) getJSON(ctx context.Context, path string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, processor.config.BaseURL+path, nil)
	if err != nil {
		return wrapProviderError(errorSubjectIntent, errorCodeRequest, err)
	}
	return processor.do(request, out)
}

func (processor *Processor) do(request *http.Request, out any) error {
	request.Header.Set("Authorization", "Bearer "+processor.config.APIKey)
	response, err := processor.httpClient.Do(request)
	if err != nil {
		return wrapProviderError(errorSubjectIntent, errorCodeRequest, fmt.Errorf("%w: %w", ErrProviderUnavailable, err))
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return wrapProviderError(errorSubjectIntent, errorCodeDecode, err)
	}
	if response.StatusCode == http.StatusNotFound {
		return wrapProviderError(errorSubjectIntent, errorCodeRejected, ErrUnknownIntent)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return wrapProviderError(errorSubjectIntent, errorCodeRejected,
			fmt.Errorf("%w: status %d: %s", ErrProviderRejected, response.StatusCode, truncate(body, 256)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return wrapProviderError(errorSubjectIntent, errorCodeDecode, err)
	}
	return nil
}

func truncate(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit])
}

func wrapProviderError(subject string, code string, err error) error {
	return revenue.WrapError(errorOperationPayproc, subject, code, err)
}

// isNetworkError reports whether err is a transport-level failure rather
// than a provider response. Only transport failures trigger mock fallback.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProviderUnavailable)
}
