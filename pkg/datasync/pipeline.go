package datasync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Middleware wraps a transport, mirroring the delegating-handler pipeline of
// the service client: each layer sees the request on the way out and the
// response on the way back.
type Middleware func(http.RoundTripper) http.RoundTripper

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	rt := base
	for i := len(mws) - 1; i >= 0; i-- {
		rt = mws[i](rt)
	}
	return rt
}

// LoggingMiddleware logs each request and its outcome through slog.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(r)
			if err != nil {
				logger.Warn("request failed",
					"method", r.Method,
					"url", r.URL.String(),
					"error", err,
				)
				return nil, err
			}
			logger.Debug("request",
				"method", r.Method,
				"url", r.URL.String(),
				"status", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return resp, nil
		})
	}
}

// RetryMiddleware retries transport errors and retryable statuses (408, 429,
// 5xx) with fibonacci backoff, up to maxRetries additional attempts. Requests
// whose bodies cannot be replayed are never retried.
func RetryMiddleware(maxRetries uint64, baseDelay time.Duration) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if r.Body != nil && r.GetBody == nil {
				return next.RoundTrip(r)
			}

			var resp *http.Response
			backoff := retry.WithMaxRetries(maxRetries, retry.NewFibonacci(baseDelay))
			err := retry.Do(r.Context(), backoff, func(ctx context.Context) error {
				if r.Body != nil {
					body, err := r.GetBody()
					if err != nil {
						return err
					}
					r.Body = body
				}
				attempt, err := next.RoundTrip(r.WithContext(ctx))
				if err != nil {
					return retry.RetryableError(err)
				}
				if retryableStatus(attempt.StatusCode) {
					body, _ := io.ReadAll(io.LimitReader(attempt.Body, 4096))
					attempt.Body.Close()
					return retry.RetryableError(&ResponseError{
						StatusCode: attempt.StatusCode,
						Status:     attempt.Status,
						URL:        r.URL.String(),
						Header:     attempt.Header.Clone(),
						Body:       body,
					})
				}
				resp = attempt
				return nil
			})
			if err != nil {
				return nil, err
			}
			return resp, nil
		})
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
