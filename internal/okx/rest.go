package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"ohlcv-pipeline/internal/model"
)

const (
	candlesPath = "/api/v5/market/candles"

	// minRequestGap throttles REST calls to stay inside the venue's
	// per-endpoint rate limit.
	minRequestGap = 150 * time.Millisecond

	restRetries    = 3
	restRetryDelay = 2 * time.Second
)

// ClientConfig configures the REST client. Credentials are optional:
// the candles endpoint is public, but signed requests get a higher
// rate-limit tier.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string
	Sandbox    bool // route requests to the demo-trading environment
}

// Client fetches historical candles over REST. Safe for concurrent
// use; requests are serialized through the rate-limit throttle.
type Client struct {
	cfg        ClientConfig
	http       *http.Client
	retryDelay time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewClient builds a REST client with a bounded request timeout.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: 30 * time.Second},
		retryDelay: restRetryDelay,
	}
}

// candlesResponse is the REST envelope; rows are newest-first.
type candlesResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []CandleRow `json:"data"`
}

// FetchOHLCV returns confirmed candles for symbol/timeframe starting
// at or after sinceMS, ascending by timestamp, at most limit rows.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMS int64, limit int) ([]model.Candle, error) {
	if !model.ValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unknown timeframe %q", timeframe)
	}
	if limit <= 0 {
		limit = 100
	}

	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", model.RenderTimeframe(timeframe))
	q.Set("limit", strconv.Itoa(limit))
	if sinceMS > 0 {
		// Both bounds are exclusive on the venue side. "before" alone
		// pages from the newest data backwards, so the "after" upper
		// bound is what pins the page to [sinceMS, sinceMS+limit·iv).
		q.Set("before", strconv.FormatInt(sinceMS-1, 10))
		q.Set("after", strconv.FormatInt(sinceMS+int64(limit)*model.IntervalMS(timeframe), 10))
	}
	requestPath := candlesPath + "?" + q.Encode()

	body, err := c.get(ctx, requestPath)
	if err != nil {
		return nil, err
	}

	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	if resp.Code != "0" {
		return nil, fmt.Errorf("candles request rejected: code=%s msg=%s", resp.Code, resp.Msg)
	}

	arg := SubscribeArg{Channel: CandleChannel(timeframe), InstID: symbol}
	out := make([]model.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		candle, err := ParseCandle(arg, row)
		if err != nil {
			log.Printf("[okx] skipping malformed row for %s %s: %v", symbol, timeframe, err)
			continue
		}
		if sinceMS > 0 && candle.TimestampMS < sinceMS {
			continue
		}
		candle.Confirm = true // REST only serves closed buckets within range
		out = append(out, candle)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS < out[j].TimestampMS })
	return out, nil
}

// get performs a throttled, signed GET with retry on 429 and 5xx.
func (c *Client) get(ctx context.Context, requestPath string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= restRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			}
		}
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.doGet(ctx, requestPath)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		log.Printf("[okx] GET %s attempt %d/%d: %v", requestPath, attempt+1, restRetries+1, err)
	}
	return nil, lastErr
}

func (c *Client) doGet(ctx context.Context, requestPath string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+requestPath, nil)
	if err != nil {
		return nil, false, err
	}
	if c.cfg.Sandbox {
		req.Header.Set("x-simulated-trading", "1")
	}
	c.sign(req, http.MethodGet, requestPath)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
}

// sign attaches the venue auth headers when credentials are present:
// base64(HMAC-SHA256(timestamp + method + requestPath)).
func (c *Client) sign(req *http.Request, method, requestPath string) {
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write([]byte(timestamp + method + requestPath))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	wait := minRequestGap - time.Since(c.lastCall)
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
