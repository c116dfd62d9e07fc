package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// StatusError is a definitive upstream rejection. Requests that produce one are
// never retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.Code, e.Body)
}

// HTTPClient wraps http.Client with a bounded retry loop for transient
// failures. Backoff grows linearly: Backoff * attempt number.
type HTTPClient struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger

	// Sleep is the delay function between attempts. Tests inject a no-op.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewHTTPClient(retries int, backoff, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		Retries: retries,
		Backoff: backoff,
		Logger:  slog.Default(),
		Sleep:   sleepCtx,
	}
}

// GetJSON issues a GET with query params and headers, decoding the JSON
// response into out. Network errors and 5xx responses are retried up to
// Retries attempts; a 4xx response aborts immediately with a *StatusError.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, header http.Header, params url.Values, out any) error {
	var lastErr error

	for attempt := 1; attempt <= c.Retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.URL.RawQuery = params.Encode()

		resp, err := c.Client.Do(req)
		if err == nil {
			err = c.consume(resp, out)
			if err == nil {
				return nil
			}
			var se *StatusError
			if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
				// Definitive rejection, retrying will not help.
				return err
			}
		}
		lastErr = err

		if attempt == c.Retries {
			break
		}
		delay := c.Backoff * time.Duration(attempt)
		c.Logger.Warn("HTTP request failed, retrying",
			"url", rawURL, "attempt", attempt, "max_attempts", c.Retries,
			"next_delay", delay, "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.Retries, lastErr)
}

func (c *HTTPClient) consume(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
