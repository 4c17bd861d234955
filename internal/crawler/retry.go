package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func isRetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func retryAfter(resp *http.Response, fallback, max time.Duration) time.Duration {
	sleepFor := fallback
	if resp != nil {
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				sleepFor = time.Duration(secs) * time.Second
			}
		}
	}
	// jitter keeps a herd of workers from re-hitting the registry in sync
	sleepFor += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	if sleepFor > max {
		sleepFor = max
	}
	return sleepFor
}

// getWithRetry issues a GET and retries on retryable statuses and
// transport timeouts, honoring Retry-After. The response body is fully
// read and returned; the caller never sees a half-consumed body.
func getWithRetry(ctx context.Context, client *http.Client, url string, attempts int) (int, []byte, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("build request %s: %w", url, err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) || i == attempts-1 {
				return 0, nil, fmt.Errorf("get %s: %w", url, err)
			}
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if !isRetryableStatus(resp.StatusCode) {
				return resp.StatusCode, body, nil
			} else {
				lastErr = fmt.Errorf("status %d", resp.StatusCode)
			}
			if i < attempts-1 {
				wait := retryAfter(resp, time.Duration(i+1)*time.Second, 30*time.Second)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return 0, nil, ctx.Err()
				}
				continue
			}
		}
		if i < attempts-1 {
			select {
			case <-time.After(time.Duration(i+1) * time.Second):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}
	}
	return 0, nil, fmt.Errorf("get %s: exhausted %d attempts: %w", url, attempts, lastErr)
}
