// Package gateway предоставляет клиент платёжного шлюза с переходом на страницу оплаты.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

var (
	// ErrUnavailable возвращается при сетевых ошибках и ответах 5xx/429; запрос можно повторить.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrInvalidRequest возвращается, если шлюз отклонил данные запроса.
	ErrInvalidRequest = errors.New("payment gateway rejected request")
	// ErrNotFound возвращается, если шлюз ещё не знает транзакцию с указанной ссылкой.
	ErrNotFound = errors.New("transaction not found")
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL     string
	secretKey   string
	callbackURL string
	httpClient  *retryablehttp.Client
}

// Initiation описывает ответ шлюза на инициацию платежа.
type Initiation struct {
	Reference   string
	RedirectURL string
	AccessCode  string
}

// ClientOption настраивает Client.
type ClientOption func(*Client)

// WithRetries задаёт число повторов проверки транзакции.
func WithRetries(n int) ClientOption {
	return func(c *Client) {
		c.httpClient.RetryMax = n
	}
}

type noRetryKey struct{}

// NewClient создаёт клиент шлюза. callbackURL задаёт адрес возврата пользователя после оплаты.
func NewClient(baseURL, secretKey, callbackURL string, opts ...ClientOption) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 300 * time.Millisecond
	httpClient.RetryWaitMax = 3 * time.Second
	httpClient.HTTPClient.Timeout = 10 * time.Second
	httpClient.Logger = nil
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Инициация не повторяется: повтор с той же ссылкой шлюз считает дубликатом.
	httpClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Value(noRetryKey{}) != nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	c := &Client{
		baseURL:     normalizeBaseURL(baseURL),
		secretKey:   secretKey,
		callbackURL: callbackURL,
		httpClient:  httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeRequest struct {
	Email       string         `json:"email"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// Initiate создаёт транзакцию в шлюзе и возвращает адрес страницы оплаты.
func (c *Client) Initiate(ctx context.Context, req model.PaymentRequest) (*Initiation, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: gateway client not configured", ErrUnavailable)
	}

	body, err := json.Marshal(buildInitializeRequest(req, c.callbackURL))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx = context.WithValue(ctx, noRetryKey{}, true)
	resp, env, err := c.do(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK && env.Status:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, env.Message)
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var data initializeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrUnavailable, err)
	}
	if data.AuthorizationURL == "" {
		return nil, fmt.Errorf("%w: empty authorization url", ErrUnavailable)
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}

	return &Initiation{
		Reference:   data.Reference,
		RedirectURL: data.AuthorizationURL,
		AccessCode:  data.AccessCode,
	}, nil
}

// Verify запрашивает состояние транзакции по ссылке.
// ErrNotFound означает, что шлюз ещё не обработал транзакцию, и проверку можно повторить.
func (c *Client) Verify(ctx context.Context, reference string) (*model.Transaction, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: gateway client not configured", ErrUnavailable)
	}

	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	resp, env, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(env.Message), "not found"):
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusOK && env.Status:
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var data verifyData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrUnavailable, err)
	}
	if data.Reference == "" {
		data.Reference = reference
	}

	return &model.Transaction{
		Reference:        data.Reference,
		Status:           mapStatus(data.Status),
		AmountMinorUnits: data.Amount,
		Currency:         strings.ToUpper(data.Currency),
	}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, *envelope, error) {
	var payload any
	if body != nil {
		payload = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && resp.StatusCode == http.StatusOK {
		return nil, nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	return resp, &env, nil
}

func buildInitializeRequest(req model.PaymentRequest, callbackURL string) initializeRequest {
	contact := req.Customer.CustomerContact()

	metadata := map[string]any{
		"owner_id": req.OwnerID,
		"phone":    req.Phone,
	}
	switch cust := req.Customer.(type) {
	case model.Organization:
		metadata["organization"] = cust.Name
	case model.Individual:
		metadata["first_name"] = cust.FirstName
		metadata["last_name"] = cust.LastName
	}

	itemIDs := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		itemIDs = append(itemIDs, it.CartItemID)
	}
	metadata["cart_item_ids"] = itemIDs

	return initializeRequest{
		Email:       contact.Email,
		Amount:      strconv.FormatInt(req.AmountMinorUnits, 10),
		Currency:    req.SettlementCurrency,
		Reference:   req.Reference,
		CallbackURL: callbackURL,
		Metadata:    metadata,
	}
}

func mapStatus(s string) model.VerificationStatus {
	switch strings.ToLower(s) {
	case "success":
		return model.VerificationVerified
	case "failed", "reversed":
		return model.VerificationFailed
	default:
		return model.VerificationPending
	}
}
