// Package bitrix talks to the Bitrix24 REST API through an inbound webhook.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
)

// ErrNotFound is returned when the requested record does not exist
var ErrNotFound = errors.New("bitrix: not found")

// APIError is an error reported by Bitrix24 in the response body
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitrix error %s (HTTP %d): %s", e.Code, e.Status, e.Description)
}

// Config holds the client settings
type Config struct {
	WebhookURL        string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client calls REST methods. Requests are throttled to the configured rate; callers block
// until a slot is free rather than having requests dropped.
type Client struct {
	webhook    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Entry
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("bitrix webhook URL is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &Client{
		webhook:    strings.TrimRight(cfg.WebhookURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logrus.WithField("component", "bitrix"),
	}, nil
}

// Call invokes method with params and returns the parsed response document
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhook+"/"+method+".json", bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		return gjson.Result{}, syncerr.Transient(err, "call %s", method)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, syncerr.Transient(err, "read %s response", method)
	}
	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Bitrix call finished")

	if err := classify(method, resp, respBody); err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, syncerr.Transient(nil, "%s returned malformed JSON", method)
	}
	return gjson.ParseBytes(respBody), nil
}

func classify(method string, resp *http.Response, body []byte) error {
	doc := gjson.ParseBytes(body)
	code := doc.Get("error").String()
	apiErr := &APIError{Status: resp.StatusCode, Code: code, Description: doc.Get("error_description").String()}

	switch {
	case code == "QUERY_LIMIT_EXCEEDED", resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return &syncerr.Error{
			Kind:       syncerr.KindRateLimit,
			Op:         method,
			Msg:        "rate limit exceeded",
			Err:        apiErr,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case code == "NOT_FOUND", resp.StatusCode == http.StatusNotFound && code == "":
		return fmt.Errorf("%s: %w", method, ErrNotFound)
	case resp.StatusCode >= 500:
		return syncerr.Transient(apiErr, "server error").WithOp(method)
	case code != "":
		return apiErr
	case resp.StatusCode != http.StatusOK:
		return apiErr
	}
	return nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
