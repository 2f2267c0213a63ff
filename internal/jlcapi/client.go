// Package jlcapi is the client for the JLCPCB component catalog API.
//
// The upstream endpoint is the shopping-cart "smtGood" API: an XSRF token
// fetched via getXSRFToken, then POSTs to selectSmtComponentList with a
// category filter and page cursor. Responses are loosely typed JSON; this
// package validates and converts them into Component records at the boundary
// so nothing untyped flows downstream.
package jlcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the upstream catalog API root.
const DefaultBaseURL = "https://jlcpcb.com/api/overseas-pcb-order/v1/shoppingCart/smtGood"

// Config configures the Client.
type Config struct {
	BaseURL string
	// Timeout is the per-call HTTP timeout. Default: 30s.
	Timeout time.Duration
	// UserAgent sent with requests.
	UserAgent string
	// PageSize per component-list request. Default: 1000 (upstream maximum).
	PageSize int
	// RateEvery is the minimum interval between component-list calls.
	// Default: 3s.
	RateEvery time.Duration
	// MaxAttempts bounds retries per call. Default: 5.
	MaxAttempts int
	// BackoffBase is the first retry wait, doubled each attempt. Default: 2s.
	BackoffBase time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "jlcdb/1.0"
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.RateEvery <= 0 {
		c.RateEvery = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
}

// tokenTTL keeps a fetched XSRF token for 3 minutes before refreshing.
const tokenTTL = 3 * time.Minute

// Client talks to the upstream catalog API with rate limiting and bounded
// retries. It is safe for use from a single pipeline run; the token cache is
// mutex-guarded for the concurrent profile builds that share it.
type Client struct {
	http    *http.Client
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	token   string
	tokenAt time.Time
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.RateEvery), 1),
		logger:  logger,
	}
}

// envelope is the upstream response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Token returns a cached XSRF token, fetching a fresh one when the cache is
// older than 3 minutes.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Since(c.tokenAt) < tokenTTL {
		return c.token, nil
	}

	var token string
	err := c.withRetry(ctx, "token", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/getXSRFToken", nil)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("http get: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

		for _, ck := range resp.Cookies() {
			if ck.Name == "XSRF-TOKEN" && ck.Value != "" {
				token = ck.Value
				return nil
			}
		}
		return fmt.Errorf("no XSRF-TOKEN cookie in response (http %d)", resp.StatusCode)
	})
	if err != nil {
		return "", err
	}

	c.token = token
	c.tokenAt = time.Now()
	return token, nil
}

// componentList POSTs a selectSmtComponentList request and returns the data
// payload. "No data" business codes yield (nil, nil).
func (c *Client) componentList(ctx context.Context, token string, request map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/selectSmtComponentList", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-XSRF-TOKEN", token)
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(text))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if noDataCodes[env.Code] {
		return nil, nil
	}
	if env.Code != 200 {
		return nil, &APIError{Code: env.Code, Message: env.Message}
	}
	return env.Data, nil
}

// categoryListing mirrors the searchType=1 data payload.
type categoryListing struct {
	SortAndCountVoList []struct {
		SortName      string `json:"sortName"`
		ChildSortList []struct {
			SortName       string `json:"sortName"`
			ComponentCount int    `json:"componentCount"`
		} `json:"childSortList"`
	} `json:"sortAndCountVoList"`
}

// FetchCategories returns the upstream category list with per-category part
// counts. With inStockOnly, counts cover only in-stock parts.
func (c *Client) FetchCategories(ctx context.Context, inStockOnly bool) ([]Category, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	presale := []string{}
	if inStockOnly {
		presale = []string{"stock"}
	}

	var categories []Category
	err = c.withRetry(ctx, "categories", func() error {
		data, err := c.componentList(ctx, token, map[string]any{
			"searchType":   1,
			"presaleTypes": presale,
		})
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("empty category listing")
		}

		var listing categoryListing
		if err := json.Unmarshal(data, &listing); err != nil {
			return fmt.Errorf("decode categories: %w", err)
		}

		categories = categories[:0]
		for _, primary := range listing.SortAndCountVoList {
			for _, secondary := range primary.ChildSortList {
				categories = append(categories, Category{
					Primary:   primary.SortName,
					Secondary: secondary.SortName,
					Count:     secondary.ComponentCount,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return categories, nil
}

// CollapseCategories merges each primary category's subcategories into a
// single entry when their combined count stays under limit.
//
// Upstream pages cap at 1000 items and 100 pages per query, so only
// categories exceeding that ceiling need per-subcategory queries. Most do
// not, and collapsing them saves a large number of API calls.
func CollapseCategories(categories []Category, limit int) []Category {
	order := make([]string, 0)
	groups := make(map[string][]Category)
	for _, cat := range categories {
		if _, ok := groups[cat.Primary]; !ok {
			order = append(order, cat.Primary)
		}
		groups[cat.Primary] = append(groups[cat.Primary], cat)
	}

	result := make([]Category, 0, len(categories))
	for _, primary := range order {
		cats := groups[primary]
		total := 0
		for _, cat := range cats {
			total += cat.Count
		}
		if total < limit {
			result = append(result, Category{Primary: primary, Count: total})
		} else {
			result = append(result, cats...)
		}
	}
	return result
}

// withRetry runs fn with exponential backoff up to MaxAttempts, respecting
// context cancellation between attempts.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < c.config.MaxAttempts-1 {
			wait := c.config.BackoffBase * (1 << uint(attempt))
			c.logger.WarnContext(ctx, "retrying upstream call",
				"op", op,
				"attempt", attempt+1,
				"max_attempts", c.config.MaxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", lastErr)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("jlcapi: %s failed after %d attempts: %w", op, c.config.MaxAttempts, lastErr)
}
