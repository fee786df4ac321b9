package stockapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/hamao333333/my-shop-api/internal/repositories"
)

const (
	defaultTimeout     = 8 * time.Second
	defaultReadRetries = 2
	maxResponseBytes   = 64 << 10

	errorAlreadyApplied    = "already_applied"
	errorInsufficientStock = "insufficient_stock"
)

// Client talks to the external stock ledger web app. Reads are retried with backoff;
// decrements are sent once because the token already makes a manual retry safe.
type Client struct {
	endpoint    string
	http        *http.Client
	timeout     time.Duration
	readRetries int
	backoff     gax.Backoff
	sleep       func(context.Context, time.Duration) error
}

var _ repositories.StockLedger = (*Client)(nil)

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithReadRetries sets how many times a failed availability read is retried.
func WithReadRetries(retries int, initial time.Duration) Option {
	return func(c *Client) {
		if retries >= 0 {
			c.readRetries = retries
		}
		if initial > 0 {
			c.backoff.Initial = initial
		}
	}
}

// NewClient constructs a ledger client for endpoint, which must be an absolute http(s) URL.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("stockapi: invalid endpoint %q", endpoint)
	}

	c := &Client{
		endpoint:    endpoint,
		http:        &http.Client{},
		timeout:     defaultTimeout,
		readRetries: defaultReadRetries,
		backoff: gax.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
		sleep: gax.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type stockResponse struct {
	OK    *bool           `json:"ok"`
	Stock json.RawMessage `json:"stock"`
	Error string          `json:"error"`
}

// CheckAvailability returns the current stock for productID.
func (c *Client) CheckAvailability(ctx context.Context, productID string) (int64, error) {
	const op = "stock check"
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return 0, repositories.NewStockError(op, repositories.StockErrorInvalid, "", errors.New("product id is required"))
	}

	var lastErr *repositories.StockError
	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		stock, err := c.checkOnce(ctx, productID)
		if err == nil {
			return stock, nil
		}
		lastErr = err
		if err.Code != repositories.StockErrorUnreachable || attempt >= c.readRetries || ctx.Err() != nil {
			return 0, lastErr
		}
		if sleepErr := c.sleep(ctx, backoff.Pause()); sleepErr != nil {
			return 0, lastErr
		}
	}
}

func (c *Client) checkOnce(ctx context.Context, productID string) (int64, *repositories.StockError) {
	const op = "stock check"
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, repositories.NewStockError(op, repositories.StockErrorInvalid, productID, err)
	}
	query := endpoint.Query()
	query.Set("product_id", productID)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, repositories.NewStockError(op, repositories.StockErrorInvalid, productID, err)
	}
	req.Header.Set("Accept", "application/json")

	var payload stockResponse
	if stockErr := c.do(req, op, productID, &payload); stockErr != nil {
		return 0, stockErr
	}
	if payload.OK == nil || !*payload.OK {
		return 0, repositories.NewStockError(op, repositories.StockErrorMalformed, productID, ledgerError(payload.Error))
	}

	stock, err := parseStock(payload.Stock)
	if err != nil {
		return 0, repositories.NewStockError(op, repositories.StockErrorMalformed, productID, err)
	}
	return stock, nil
}

type decrementRequest struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
	OrderID   string `json:"order_id"`
}

// Decrement asks the ledger to reduce stock once per token.
func (c *Client) Decrement(ctx context.Context, productID string, qty int64, token string) (repositories.DecrementOutcome, error) {
	const op = "stock decrement"
	productID = strings.TrimSpace(productID)
	token = strings.TrimSpace(token)
	if productID == "" || qty <= 0 || token == "" {
		return "", repositories.NewStockError(op, repositories.StockErrorInvalid, productID, errors.New("product id, positive qty and token are required"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(decrementRequest{ProductID: productID, Qty: qty, OrderID: token})
	if err != nil {
		return "", repositories.NewStockError(op, repositories.StockErrorInvalid, productID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", repositories.NewStockError(op, repositories.StockErrorInvalid, productID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var payload stockResponse
	if stockErr := c.do(req, op, productID, &payload); stockErr != nil {
		return "", stockErr
	}
	if payload.OK != nil && *payload.OK {
		return repositories.DecrementApplied, nil
	}
	switch strings.ToLower(strings.TrimSpace(payload.Error)) {
	case errorAlreadyApplied:
		return repositories.DecrementAlreadyApplied, nil
	case errorInsufficientStock:
		return repositories.DecrementInsufficientStock, nil
	default:
		return "", repositories.NewStockError(op, repositories.StockErrorMalformed, productID, ledgerError(payload.Error))
	}
}

// Ping reports whether the ledger answers at all. Any HTTP response below 500 counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("stockapi: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(req *http.Request, op, productID string, out *stockResponse) *repositories.StockError {
	resp, err := c.http.Do(req)
	if err != nil {
		return repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return repositories.NewStockError(op, repositories.StockErrorMalformed, productID, fmt.Errorf("status %d: non-json body", resp.StatusCode))
	}
	return nil
}

// parseStock accepts numbers and numeric strings; the ledger is a spreadsheet script.
func parseStock(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("stock is not numeric: %s", raw)
		}
		number = json.Number(strings.TrimSpace(text))
	}
	if value, err := number.Int64(); err == nil {
		return value, nil
	}
	value, err := number.Float64()
	if err != nil {
		return 0, fmt.Errorf("stock is not numeric: %s", raw)
	}
	return int64(value), nil
}

func ledgerError(code string) error {
	if code = strings.TrimSpace(code); code != "" {
		return fmt.Errorf("ledger error %q", code)
	}
	return errors.New("ledger answered ok=false")
}
