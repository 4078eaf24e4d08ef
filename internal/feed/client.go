package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const fetchTimeout = 30 * time.Second

// FetchError reports an unreachable feed or a non-success response.
// Fatal to the run; no partial processing happens after it.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch feed: %v", e.Err)
	}
	return fmt.Sprintf("fetch feed: status %d", e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client fetches the encrypted feed envelope from the upstream endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a feed client for the given endpoint URL.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   fetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch performs a single GET of the feed endpoint and decodes the
// encrypted envelope. Any transport failure, non-2xx status, or malformed
// body surfaces as a FetchError.
func (c *Client) Fetch(ctx context.Context) (*Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, &FetchError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("feed returned %d: %s", resp.StatusCode, string(body))}
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.Ciphertext == "" || env.IV == "" || env.Salt == "" {
		return nil, &FetchError{Err: errors.New("envelope missing ct, iv, or s field")}
	}
	return &env, nil
}

// FetchFeed fetches the envelope and decrypts it in one step.
func (c *Client) FetchFeed(ctx context.Context) (*Feed, error) {
	env, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Decrypt(env)
}
