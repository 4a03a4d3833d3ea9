package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/cesargomez89/crate/internal/constants"
)

// Client wraps an http.Client to provide rate limiting and automatic retries.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	retries    int
	retryBase  time.Duration
}

// NewClient creates a new rate-limited, retrying HTTP client. A non-positive
// perSecond disables rate limiting.
func NewClient(httpClient *http.Client, perSecond int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: constants.APIHTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}
	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		retries:    constants.HTTPRetryCount,
		retryBase:  constants.HTTPRetryBase,
	}
}

// WithRetryBase overrides the linear backoff step between attempts.
func (c *Client) WithRetryBase(d time.Duration) *Client {
	c.retryBase = d
	return c
}

// Do executes an HTTP request with rate-limiting and retries. Requests with a
// body are sent once.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	attempts := c.retries
	if req.Body != nil && req.GetBody == nil {
		attempts = 1
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		backoffWait := time.Duration(attempt+1) * c.retryBase

		resp, err := c.httpClient.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp)
			_ = resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
			if retryAfter > backoffWait {
				backoffWait = retryAfter
			}
		default:
			return resp, nil
		}

		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(backoffWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

// Get issues a GET request for url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// StatusError is returned for responses that kept failing with a retryable status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d from %s", e.StatusCode, e.URL)
}

// parseRetryAfter reads a Retry-After header and returns the duration to wait.
func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		return time.Until(t)
	}
	return 0
}
