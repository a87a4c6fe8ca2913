package fetch

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for source downloads
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// RetryableHTTPClient wraps an HTTP client with retries on transport errors
// and retryable status codes.
type RetryableHTTPClient struct {
	client *http.Client
	retry  RetryConfig
}

// NewRetryableHTTPClient creates a new HTTP client with retry logic. A zero
// timeout leaves the request bounded only by its context.
func NewRetryableHTTPClient(timeout time.Duration, retry RetryConfig) *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
}

// Do executes a body-less request with retries. The caller closes the body.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	ctx := req.Context()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		resp, err := c.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			if attempt < c.retry.MaxRetries && ctx.Err() == nil {
				delay := c.calculateDelay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_retries", c.retry.MaxRetries).
					Dur("delay", delay).
					Str("url", req.URL.Redacted()).
					Msg("Download failed, retrying")
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, lastErr
		}

		if c.shouldRetry(resp.StatusCode) && attempt < c.retry.MaxRetries {
			resp.Body.Close()
			delay := c.calculateDelay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_retries", c.retry.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.Redacted()).
				Msg("Download returned retryable status, retrying")
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func (c *RetryableHTTPClient) shouldRetry(statusCode int) bool {
	return slices.Contains(c.retry.RetryableStatus, statusCode)
}

// calculateDelay calculates exponential backoff delay with jitter
func (c *RetryableHTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retry.InitialDelay) * math.Pow(c.retry.BackoffFactor, float64(attempt))

	// ±25%
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(c.retry.MaxDelay) {
		delay = float64(c.retry.MaxDelay)
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
