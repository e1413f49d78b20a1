package market

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"turtle-signal-engine-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientInterface defines the interface for the market-data REST client.
type ClientInterface interface {
	GetDailyPrices(ctx context.Context, symbol string, count int) ([]PriceBar, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	Ping(ctx context.Context) error
	Connected() bool
}

// Client is a client for the brokerage market-data REST API.
// It implements ClientInterface.
type Client struct {
	client    *resty.Client
	appKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
	connected atomic.Bool
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new market-data REST API client.
func NewClient(cfg *config.Market, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	// Initialize the rate limiter
	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:    client,
		appKey:    cfg.AppKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			c.connected.Store(true)
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.connected.Store(false)
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// Ping checks provider connectivity. A failed ping flips Connected to
// false so API consumers can tell live prices from stale ones.
func (c *Client) Ping(ctx context.Context) error {
	req := c.client.R().SetHeader("Authorization", "Bearer "+c.appKey)

	_, err := c.doRequest(ctx, "GET", "/v1/status", req)
	if err != nil {
		c.connected.Store(false)
		return fmt.Errorf("market gateway ping failed: %w", err)
	}
	return nil
}

// Connected reports whether the last provider call succeeded.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// dailyPricesResponse represents the response from the daily chart endpoint.
type dailyPricesResponse struct {
	Symbol string     `json:"symbol"`
	Bars   []PriceBar `json:"bars"`
}

// GetDailyPrices fetches up to count daily OHLCV bars for a symbol,
// ordered oldest first.
func (c *Client) GetDailyPrices(ctx context.Context, symbol string, count int) ([]PriceBar, error) {
	var result dailyPricesResponse

	req := c.client.R().
		SetHeader("Authorization", "Bearer "+c.appKey).
		SetQueryParam("symbol", symbol).
		SetQueryParam("count", strconv.Itoa(count)).
		SetResult(&result)

	_, err := c.doRequest(ctx, "GET", "/v1/chart/daily", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily prices for %s: %w", symbol, err)
	}

	return result.Bars, nil
}

// GetQuote fetches the current price snapshot for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var quote Quote

	req := c.client.R().
		SetHeader("Authorization", "Bearer "+c.appKey).
		SetQueryParam("symbol", symbol).
		SetResult(&quote)

	_, err := c.doRequest(ctx, "GET", "/v1/quote", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}

	if quote.Price <= 0 {
		return nil, fmt.Errorf("invalid quote price %.2f for %s", quote.Price, symbol)
	}

	return &quote, nil
}
