// Package exchange предоставляет курс базовой валюты к валюте отображения: клиент источника курсов и кэш с TTL.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
)

// ErrMalformedResponse возвращается, если источник ответил без ожидаемого курса.
var ErrMalformedResponse = errors.New("malformed rate response")

// Client инкапсулирует HTTP-взаимодействие с источником курсов валют.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// ClientOption настраивает Client.
type ClientOption func(*Client)

// WithRetries задаёт число повторов запроса к источнику.
func WithRetries(n int) ClientOption {
	return func(c *Client) {
		c.httpClient.RetryMax = n
	}
}

// NewClient создаёт клиент источника курсов по указанному адресу.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type latestResponse struct {
	Result   string                     `json:"result"`
	BaseCode string                     `json:"base_code"`
	Rates    map[string]decimal.Decimal `json:"rates"`
}

// FetchRate запрашивает курс пары base→display.
func (c *Client) FetchRate(ctx context.Context, base, display string) (decimal.Decimal, error) {
	if c == nil || c.baseURL == "" {
		return decimal.Zero, errors.New("rate client not configured")
	}

	url := fmt.Sprintf("%s/v6/latest/%s", c.baseURL, strings.ToUpper(base))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode: %v", ErrMalformedResponse, err)
	}

	if body.Result != "" && body.Result != "success" {
		return decimal.Zero, fmt.Errorf("%w: result %q", ErrMalformedResponse, body.Result)
	}

	rate, ok := body.Rates[strings.ToUpper(display)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no rate for %s", ErrMalformedResponse, display)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrMalformedResponse, rate)
	}

	return rate, nil
}
