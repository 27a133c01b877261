package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/utils"
)

// Response is the part of an HTTP exchange the crawl works with. Body is fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string // After redirects
	Truncated  bool   // Body was cut at RequestOptions.MaxBodyBytes
}

// RequestOptions are per-request transport settings
type RequestOptions struct {
	Headers          http.Header
	DisableRedirects bool
	MaxBodyBytes     int64 // <= 0 means unlimited
}

// Transport fetches a URL. A non-2xx response is returned as a Response, not an error;
// errors mean no response was obtained (network failure, timeout, cancellation).
type Transport interface {
	Get(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error)
}

// RetryConfig controls HTTPTransport's backoff
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// HTTPTransport is the net/http backed Transport.
// It retries network errors, 5xx and 429 with exponential backoff and jitter.
type HTTPTransport struct {
	client           *http.Client
	noRedirectClient *http.Client
	retry            RetryConfig
	log              *logrus.Entry
}

// NewHTTPTransport wraps client with the given retry policy
func NewHTTPTransport(client *http.Client, retry RetryConfig, log *logrus.Entry) *HTTPTransport {
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	return &HTTPTransport{
		client:           client,
		noRedirectClient: withoutRedirects(client),
		retry:            retry,
		log:              log,
	}
}

// Get performs a GET with retries. After the last attempt a 5xx or 429 response is
// returned as-is so the caller still records the status.
func (t *HTTPTransport) Get(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	for name, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	client := t.client
	if opts.DisableRedirects {
		client = t.noRedirectClient
	}

	reqLog := t.log.WithField("url", rawURL)
	maxRetries := t.retry.MaxRetries
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w after error: %w", err, lastErr)
			}
			return nil, err
		}

		if attempt > 0 {
			delay := t.backoff(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": delay}).Warn("Retrying request...")
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}

		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Debugf("Network error: %v", err)
			lastErr = err
			continue
		}

		out, readErr := readResponse(resp, opts.MaxBodyBytes)
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
				return nil, readErr
			}
			lastErr = readErr
			continue
		}

		retryable := out.StatusCode >= 500 || out.StatusCode == http.StatusTooManyRequests
		if retryable && attempt < maxRetries {
			reqLog.WithFields(logrus.Fields{"status_code": out.StatusCode, "attempt": attempt}).Warn("Retryable status, retrying...")
			lastErr = fmt.Errorf("%w: status %d", utils.ErrServerHTTPError, out.StatusCode)
			continue
		}
		if out.Truncated {
			reqLog.WithField("max_body_bytes", opts.MaxBodyBytes).Debug("Response body truncated")
		}
		return out, nil
	}

	if maxRetries == 0 {
		return nil, lastErr
	}
	reqLog.Debugf("All %d fetch attempts failed. Last error: %v", maxRetries+1, lastErr)
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// backoff returns initial * 2^(attempt-1) capped at MaxDelay, with +/- 10% jitter
func (t *HTTPTransport) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(t.retry.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (t.retry.MaxDelay > 0 && delay > t.retry.MaxDelay) {
		delay = t.retry.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	return max(delay, 0)
}

func readResponse(resp *http.Response, maxBytes int64) (*Response, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		FinalURL:   resp.Request.URL.String(),
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		out.Body = body[:maxBytes]
		out.Truncated = true
	}
	return out, nil
}
