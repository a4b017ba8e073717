// Package httputil holds HTTP helpers shared by the metadata fetcher and the
// download client.
package httputil

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"otaupdater/internal/logging"
)

// RetryConfig controls the retry behavior for HTTP requests.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize
}

// DefaultRetryConfig returns the defaults used for update server calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NoRetry performs a single attempt.
func NoRetry() RetryConfig {
	return RetryConfig{}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do sends a body-less request built by newReq, retrying on network errors
// and retryable statuses. The response of the first non-retryable (or last)
// attempt is returned.
func Do(ctx context.Context, client *http.Client, newReq func(ctx context.Context) (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay, cfg.JitterFrac)
			logging.Debug("Retrying request (attempt %d) in %v", attempt, jittered)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == cfg.MaxRetries {
			return resp, nil
		}

		resp.Body.Close()
		lastResp = resp
		lastErr = nil
	}

	if lastErr == nil && lastResp != nil {
		lastErr = &RetryableStatusError{StatusCode: lastResp.StatusCode}
	}
	logging.Warning("All %d attempts failed: %v", cfg.MaxRetries+1, lastErr)
	return nil, lastErr
}

// RetryableStatusError indicates the server kept returning a retryable status.
type RetryableStatusError struct {
	StatusCode int
}

func (e *RetryableStatusError) Error() string {
	return "request failed after retries with status " + http.StatusText(e.StatusCode)
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
