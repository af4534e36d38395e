// Package httpclient wraps net/http with retry and rate-limit handling for
// the completion provider adapters. Requests built with a GetBody func are
// replayed on retry.
package httpclient

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	ConservativeRetry
	SmartRetry
)

// RateLimitInfo is what a provider's rate-limit headers told us about when
// to try again.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	logger       *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
		baseDelay:  time.Second,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

func retryStrategyFor(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do sends the request, retrying rate limits and transient server errors.
// Non-retryable responses are returned as-is so callers can read the error
// body. The request context bounds the whole retry loop.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody == nil {
				break
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := retryStrategyFor(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		var info RateLimitInfo
		if c.headerParser != nil {
			info = c.headerParser(resp.Header)
		}

		delay := c.delayFor(strategy, attempt, info)
		if attempt >= c.maxRetries || delay <= 0 {
			lastResp = resp
			lastErr = &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("retries exhausted after %d attempts", attempt+1),
				RetryAfter: delay,
			}
			break
		}

		// The response is abandoned; drain it so the connection can be
		// reused for the retry.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		c.logger.Debug("retrying request",
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max_attempts", c.maxRetries+1)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return lastResp, lastErr
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if delay := time.Until(time.Unix(info.ResetTime, 0)); delay > 0 {
				return delay
			}
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		return backoff + time.Duration(float64(backoff)*0.1)

	case ConservativeRetry:
		// Server errors get at most two quick retries.
		if attempt >= 2 {
			return 0
		}
		return time.Duration(attempt+1) * c.baseDelay

	default:
		return 0
	}
}
