package dart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turtle-signal-engine-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// reprt_code for the annual report in the DART API.
	annualReportCode = "11011"

	// Provider status codes.
	statusOK     = "000"
	statusNoData = "013"
)

var (
	// ErrUnknownCorpCode means the symbol has no configured DART corp code.
	ErrUnknownCorpCode = errors.New("unknown corp code for symbol")
	// ErrNoFinancialData means the provider has no filings for the request.
	ErrNoFinancialData = errors.New("no financial data available")
	// ErrMalformedFinancialData means a numeric field could not be parsed.
	ErrMalformedFinancialData = errors.New("malformed financial data")
	// ErrMissingAccount means an expected statement line item was absent.
	ErrMissingAccount = errors.New("missing account line item")
)

// FiscalYear holds one year's statement line items, in KRW.
type FiscalYear struct {
	Year      int   `json:"year"`
	Revenue   int64 `json:"revenue"`
	NetIncome int64 `json:"net_income"`
}

// FundamentalsSeries is an immutable snapshot of up to three fiscal
// years for a company, newest first. It is re-fetched, never patched.
type FundamentalsSeries struct {
	Symbol string       `json:"symbol"`
	Years  []FiscalYear `json:"years"`
}

// ClientInterface defines the interface for the fundamentals gateway.
type ClientInterface interface {
	FetchFundamentals(ctx context.Context, symbol string) (*FundamentalsSeries, error)
}

// Client wraps the DART single-company financial statement API.
// One call returns the current and two prior fiscal years.
type Client struct {
	client    *resty.Client
	apiKey    string
	corpCodes map[string]string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

var _ ClientInterface = (*Client)(nil)

// NewClient creates a new DART API client. The limiter is shared across
// all calls made through this client, so concurrent screener workers
// cannot exceed the provider's rate limit in aggregate.
func NewClient(cfg *config.Dart, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:    client,
		apiKey:    cfg.ApiKey,
		corpCodes: cfg.CorpCodes,
		logger:    logger,
		limiter:   limiter,
	}
}

// ResolveCorpCode maps a ticker symbol to the provider's internal
// 8-digit company code.
func (c *Client) ResolveCorpCode(symbol string) (string, error) {
	code, ok := c.corpCodes[symbol]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCorpCode, symbol)
	}
	return code, nil
}

// statementItem is one line item from the financial statement endpoint.
// Amounts are comma-formatted integers as strings; BfefrmtrmAmount may
// be empty for companies with fewer than three years of filings.
type statementItem struct {
	AccountNm       string `json:"account_nm"`
	ThstrmAmount    string `json:"thstrm_amount"`
	FrmtrmAmount    string `json:"frmtrm_amount"`
	BfefrmtrmAmount string `json:"bfefrmtrm_amount"`
	Currency        string `json:"currency"`
}

// statementResponse is the envelope the provider wraps every response in.
type statementResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	List    []statementItem `json:"list"`
}

// Account names used in DART consolidated statements.
const (
	accountRevenue   = "매출액"
	accountNetIncome = "당기순이익"
)

// parseAmount parses a comma-formatted integer string like "1,234,567".
func parseAmount(raw string) (int64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrMalformedFinancialData)
	}
	v, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedFinancialData, raw)
	}
	return v, nil
}

// doRequest executes the request with rate limiting and bounded retries.
// HTTP 429 and 5xx responses are retried with exponential backoff.
func (c *Client) doRequest(ctx context.Context, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		resp, err = req.SetContext(ctx).Execute("GET", url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			code := resp.StatusCode()
			if code == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if code >= 500 {
				shouldRetry = true
			}
		} else {
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}
		c.logger.Warn("DART request failed, retrying...",
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

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// FetchFundamentals fetches revenue and net income for the three most
// recent fiscal years of a symbol. A missing prior-prior period degrades
// the series to two years instead of failing.
func (c *Client) FetchFundamentals(ctx context.Context, symbol string) (*FundamentalsSeries, error) {
	corpCode, err := c.ResolveCorpCode(symbol)
	if err != nil {
		return nil, err
	}

	// The latest complete annual report belongs to last year.
	businessYear := time.Now().Year() - 1

	var result statementResponse
	req := c.client.R().
		SetQueryParam("crtfc_key", c.apiKey).
		SetQueryParam("corp_code", corpCode).
		SetQueryParam("bsns_year", strconv.Itoa(businessYear)).
		SetQueryParam("reprt_code", annualReportCode).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "/api/fnlttSinglAcnt.json", req); err != nil {
		return nil, fmt.Errorf("failed to fetch fundamentals for %s: %w", symbol, err)
	}

	if result.Status == statusNoData {
		return nil, fmt.Errorf("%w: %s", ErrNoFinancialData, symbol)
	}
	if result.Status != statusOK {
		return nil, fmt.Errorf("provider error %s for %s: %s", result.Status, symbol, result.Message)
	}

	return c.buildSeries(symbol, businessYear, result.List)
}

// buildSeries assembles the per-year series from the revenue and net
// income line items. The provider repeats every account for CFS and OFS;
// the first match wins, which prefers the consolidated statement.
func (c *Client) buildSeries(symbol string, businessYear int, items []statementItem) (*FundamentalsSeries, error) {
	var revenue, netIncome *statementItem
	for i := range items {
		switch items[i].AccountNm {
		case accountRevenue:
			if revenue == nil {
				revenue = &items[i]
			}
		case accountNetIncome:
			if netIncome == nil {
				netIncome = &items[i]
			}
		}
	}

	if revenue == nil || netIncome == nil {
		return nil, fmt.Errorf("%w for %s", ErrMissingAccount, symbol)
	}

	years := make([]FiscalYear, 0, 3)
	periods := []struct {
		year         int
		revenueRaw   string
		netIncomeRaw string
		optional     bool
	}{
		{businessYear, revenue.ThstrmAmount, netIncome.ThstrmAmount, false},
		{businessYear - 1, revenue.FrmtrmAmount, netIncome.FrmtrmAmount, false},
		{businessYear - 2, revenue.BfefrmtrmAmount, netIncome.BfefrmtrmAmount, true},
	}

	for _, p := range periods {
		if p.optional && strings.TrimSpace(p.revenueRaw) == "" {
			c.logger.Info("Less than three years of filings, degrading series",
				zap.String("symbol", symbol), zap.Int("year", p.year))
			break
		}
		rev, err := parseAmount(p.revenueRaw)
		if err != nil {
			c.logger.Error("Failed to parse revenue amount",
				zap.String("symbol", symbol), zap.Int("year", p.year),
				zap.String("raw", p.revenueRaw), zap.Error(err))
			return nil, err
		}
		ni, err := parseAmount(p.netIncomeRaw)
		if err != nil {
			c.logger.Error("Failed to parse net income amount",
				zap.String("symbol", symbol), zap.Int("year", p.year),
				zap.String("raw", p.netIncomeRaw), zap.Error(err))
			return nil, err
		}
		years = append(years, FiscalYear{Year: p.year, Revenue: rev, NetIncome: ni})
	}

	return &FundamentalsSeries{Symbol: symbol, Years: years}, nil
}
