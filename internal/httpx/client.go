package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/version"
)

const maxBackoff = 2 * time.Second

// Client posts JSON to read-only HTTP APIs. Transport failures, 429 and 5xx
// responses are retried; every other failure is returned immediately.
type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	log        *slog.Logger
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.UserAgent(),
		log:        slog.Default().With(slog.String("component", "httpx")),
	}
}

// attemptError carries how long the server asked us to wait before retrying.
type attemptError struct {
	err        error
	retryAfter time.Duration
	retryable  bool
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// PostJSON sends payload and decodes the response body into out.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "marshal request", err)
	}
	var lastErr *attemptError
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			if lastErr.retryAfter > wait {
				wait = min(lastErr.retryAfter, maxBackoff)
			}
			c.log.Debug("retrying request", slog.String("url", url), slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(wait):
			}
		}
		buf, aerr := c.post(ctx, url, body)
		if aerr == nil {
			return decode(buf, out)
		}
		if !aerr.retryable {
			return aerr.err
		}
		lastErr = aerr
	}
	return lastErr.err
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &attemptError{err: clierr.Wrap(clierr.CodeInternal, "build request", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &attemptError{err: mapNetError(err), retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &attemptError{err: clierr.Wrap(clierr.CodeUnavailable, "read response", err), retryable: true}
	}

	switch status := resp.StatusCode; {
	case status == http.StatusTooManyRequests:
		return nil, &attemptError{
			err:        clierr.New(clierr.CodeRateLimited, "rate limited"),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			retryable:  true,
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &attemptError{err: clierr.New(clierr.CodeAuth, fmt.Sprintf("request not authorized (status %d)", status))}
	case status >= http.StatusInternalServerError:
		return nil, &attemptError{err: clierr.New(clierr.CodeUnavailable, fmt.Sprintf("server unavailable (status %d)", status)), retryable: true}
	case status < 200 || status >= 300:
		return nil, &attemptError{err: clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unexpected status %d", status))}
	}
	return buf, nil
}

func decode(buf []byte, out any) error {
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return clierr.New(clierr.CodeUnavailable, "empty response")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "decode response", err)
	}
	return nil
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GraphQL posts a query and decodes the data member into out. GraphQL
// errors are reported even when the HTTP status is 200.
func (c *Client) GraphQL(ctx context.Context, endpoint, query string, variables map[string]any, out any) error {
	var resp graphQLResponse
	payload := map[string]any{"query": query, "variables": variables}
	if err := c.PostJSON(ctx, endpoint, payload, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("graphql error: %s", resp.Errors[0].Message))
	}
	data := bytes.TrimSpace(resp.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return clierr.New(clierr.CodeUnavailable, "graphql response has no data")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "decode graphql data", err)
	}
	return nil
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "request timed out", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "request failed", err)
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func backoff(attempt int) time.Duration {
	d := 120 * time.Millisecond << uint(attempt-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(rand.Intn(75))*time.Millisecond
}
