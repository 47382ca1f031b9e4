// Package lookup holds the HTTP clients of the external collaborators queried
// by the lookup stages.
package lookup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds connecting to and reading from a collaborator.
const DefaultTimeout = 5 * time.Second

// Option configures a client
type Option func(*httpClient)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *httpClient) {
		c.client.Timeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *httpClient) {
		c.logger = logger
	}
}

// httpClient issues GETs relative to a base URI. Redirects are never
// followed; they surface as a *StatusError.
type httpClient struct {
	baseURI string
	client  *http.Client
	logger  *slog.Logger
}

func newHTTPClient(baseURI string, options ...Option) *httpClient {
	c := &httpClient{
		baseURI: baseURI,
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// get fetches baseURI/segments... with every segment path-escaped.
func (c *httpClient) get(ctx context.Context, segments ...string) ([]byte, error) {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	endpoint, err := url.JoinPath(c.baseURI, escaped...)
	if err != nil {
		return nil, fmt.Errorf("lookup: invalid base URI %q: %w", c.baseURI, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "url", endpoint, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn("API has returned an error status", "url", endpoint, "status", resp.StatusCode)
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	return body, nil
}
