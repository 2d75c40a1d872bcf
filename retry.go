package blobupload

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// RetryConfig controls per-request retries for transient transfer errors.
// Retries are a concern of the upload executor, not of block planning or
// restart-state bookkeeping; a block that exhausts its retries fails as a
// unit and is retried by a later invocation via the restart record.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the retry policy used when the configuration
// does not override it.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// retryWithBackoff executes operation, honoring the service's Retry-After
// header when present and falling back to exponential backoff with jitter.
// Only throttling and server errors are retried.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			var delay time.Duration

			if retryAfter := extractRetryAfter(lastErr); retryAfter > 0 {
				delay = min(retryAfter, config.MaxDelay)
			} else {
				delay = min(time.Duration(float64(config.BaseDelay)*math.Pow(2, float64(attempt-1))), config.MaxDelay)

				// ±25% jitter
				jitter := time.Duration(rand.Float64() * float64(delay) * 0.5)
				delay = delay + jitter - time.Duration(float64(delay)*0.25)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	return lastErr
}

// extractRetryAfter pulls the Retry-After duration out of an Azure response
// error, if any.
func extractRetryAfter(err error) time.Duration {
	var responseErr *azcore.ResponseError
	if !errors.As(err, &responseErr) || responseErr.RawResponse == nil {
		return 0
	}

	value := strings.TrimSpace(responseErr.RawResponse.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}

	// Azure sends seconds; the HTTP-date form is not handled.
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var responseErr *azcore.ResponseError
	if errors.As(err, &responseErr) {
		switch responseErr.StatusCode {
		case 429, 500, 503:
			return true
		}
		return false
	}

	// Fallback string matching for errors that lost their type along the way.
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "Too Many Requests") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "Service Unavailable") ||
		strings.Contains(errStr, "ServerBusy")
}
