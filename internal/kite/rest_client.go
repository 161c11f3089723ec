package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"straddle-bot-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	kiteVersion    = "3"
	requestTimeout = 10 * time.Second

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderSideBuy    = "BUY"
	OrderSideSell   = "SELL"
)

// RestClientInterface defines the interface for the Kite Connect REST API client.
type RestClientInterface interface {
	GenerateSession(requestToken string) error
	IsSessionValid() bool
	AccessToken() string
	PlaceOrder(symbol, side string, quantity int, orderType string, price float64) (string, error)
	LastPrice(exchange, symbol string) float64
	Margins() (*AccountInfo, error)
	InstrumentDump(exchange string) (string, error)
	Orders() ([]OrderRecord, error)
}

// RestClient is a client for the Kite Connect REST API.
// It implements the RestClientInterface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	apiSecret string
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu          sync.RWMutex
	accessToken string
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a new Kite Connect REST API client.
func NewRestClient(cfg *config.Kite, logger *zap.Logger) *RestClient {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// Kite enforces strict per-app request quotas; the limiter keeps us under them.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:      client,
		apiKey:      cfg.ApiKey,
		apiSecret:   cfg.ApiSecret,
		logger:      logger,
		limiter:     limiter,
		accessToken: cfg.AccessToken,
	}
}

// checksum computes the SHA-256 session checksum over api_key + request_token + api_secret.
func (c *RestClient) checksum(requestToken string) string {
	h := sha256.Sum256([]byte(c.apiKey + requestToken + c.apiSecret))
	return hex.EncodeToString(h[:])
}

func (c *RestClient) authHeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "token " + c.apiKey + ":" + c.accessToken
}

// AccessToken returns the current session token ("" when no session exists).
func (c *RestClient) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// IsSessionValid reports whether an access token is present. It does not
// round-trip to the API; an expired token surfaces as request failures.
func (c *RestClient) IsSessionValid() bool {
	return c.AccessToken() != ""
}

type sessionResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// GenerateSession exchanges a request token for an access token and stores it
// for all subsequent calls.
func (c *RestClient) GenerateSession(requestToken string) error {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("request_token", requestToken)
	params.Set("checksum", c.checksum(requestToken))

	req := c.client.R().
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&sessionResponse{})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "POST", "/session/token", req)
	if err != nil {
		c.logger.Error("Failed to generate session", zap.Error(err))
		return fmt.Errorf("failed to generate session: %w", err)
	}

	result := resp.Result().(*sessionResponse)
	if result.Data.AccessToken == "" {
		return fmt.Errorf("session response contained no access token")
	}

	c.mu.Lock()
	c.accessToken = result.Data.AccessToken
	c.mu.Unlock()

	c.logger.Info("Access token generated successfully")
	return nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
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
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
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

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

type orderResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

// PlaceOrder places a regular intraday order and returns the broker order id.
// Any response without a well-formed order id is a failure.
func (c *RestClient) PlaceOrder(symbol, side string, quantity int, orderType string, price float64) (string, error) {
	params := url.Values{}
	params.Set("tradingsymbol", symbol)
	params.Set("exchange", "NFO")
	params.Set("transaction_type", side)
	params.Set("order_type", orderType)
	params.Set("quantity", strconv.Itoa(quantity))
	params.Set("price", strconv.FormatFloat(price, 'f', 2, 64))
	params.Set("product", "MIS")
	params.Set("validity", "DAY")

	req := c.client.R().
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", c.authHeader()).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&orderResponse{})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "POST", "/orders/regular", req)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("side", side),
		)
		return "", fmt.Errorf("failed to place order: %w", err)
	}

	result := resp.Result().(*orderResponse)
	if result.Data.OrderID == "" {
		return "", fmt.Errorf("order response contained no order id: %s", resp.String())
	}

	c.logger.Info("Order placed successfully",
		zap.String("order_id", result.Data.OrderID),
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Int("quantity", quantity),
	)
	return result.Data.OrderID, nil
}

type ltpQuote struct {
	LastPrice float64 `json:"last_price"`
}

type ltpResponse struct {
	Status string              `json:"status"`
	Data   map[string]ltpQuote `json:"data"`
}

// LastPrice fetches the last traded price for an exchange-qualified symbol.
// It returns 0 when the quote cannot be fetched or parsed; callers must treat
// zero as "unknown", never as a tradable price.
func (c *RestClient) LastPrice(exchange, symbol string) float64 {
	instrument := exchange + ":" + symbol

	req := c.client.R().
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", c.authHeader()).
		SetQueryParam("i", instrument).
		SetResult(&ltpResponse{})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "GET", "/quote/ltp", req)
	if err != nil {
		c.logger.Error("Failed to fetch last price", zap.String("instrument", instrument), zap.Error(err))
		return 0
	}

	result := resp.Result().(*ltpResponse)
	quote, ok := result.Data[instrument]
	if !ok {
		c.logger.Warn("Quote response missing instrument", zap.String("instrument", instrument))
		return 0
	}
	return quote.LastPrice
}

// AccountInfo summarizes the equity segment margins.
type AccountInfo struct {
	AvailableMargin float64
	UtilizedMargin  float64
	TotalMargin     float64
}

type marginsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Equity struct {
			Available struct {
				LiveBalance float64 `json:"live_balance"`
			} `json:"available"`
			Utilised struct {
				Debits float64 `json:"debits"`
			} `json:"utilised"`
		} `json:"equity"`
	} `json:"data"`
}

// Margins fetches the equity margin summary for the account.
func (c *RestClient) Margins() (*AccountInfo, error) {
	req := c.client.R().
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", c.authHeader()).
		SetResult(&marginsResponse{})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "GET", "/user/margins", req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch margins: %w", err)
	}

	result := resp.Result().(*marginsResponse)
	info := &AccountInfo{
		AvailableMargin: result.Data.Equity.Available.LiveBalance,
		UtilizedMargin:  result.Data.Equity.Utilised.Debits,
	}
	info.TotalMargin = info.AvailableMargin + info.UtilizedMargin
	return info, nil
}

// InstrumentDump fetches the raw line-oriented instrument list for an exchange.
// Parsing lives in the instrument cache so it can be tested without a server.
func (c *RestClient) InstrumentDump(exchange string) (string, error) {
	req := c.client.R().
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", c.authHeader())

	// The NFO dump is a few MB of CSV; give it more headroom than JSON calls.
	ctx, cancel := context.WithTimeout(context.Background(), 3*requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "GET", "/instruments/"+exchange, req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch instrument dump: %w", err)
	}
	return string(resp.Body()), nil
}

// OrderRecord is the statically-typed mapping of a broker order, replacing the
// duck-typed field extraction the dashboard used to do. Fields absent from the
// response simply stay zero-valued.
type OrderRecord struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	AveragePrice    float64 `json:"average_price"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

type ordersResponse struct {
	Status string        `json:"status"`
	Data   []OrderRecord `json:"data"`
}

// Orders fetches the day's order book used by reconciliation.
func (c *RestClient) Orders() ([]OrderRecord, error) {
	req := c.client.R().
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", c.authHeader()).
		SetResult(&ordersResponse{})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	resp, err := c.doRequest(ctx, "GET", "/orders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}

	return resp.Result().(*ordersResponse).Data, nil
}
