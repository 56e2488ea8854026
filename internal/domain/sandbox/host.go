package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// HTTPClient performs outbound requests on behalf of extensions holding the
// network capability.
type HTTPClient interface {
	// Get fetches a URL and returns the body and status code.
	Get(ctx context.Context, url string) ([]byte, int, error)
}

// HostServices are the host-side implementations behind the "cadence" host
// module.
type HostServices struct {
	// HTTP backs the http_get host function.
	HTTP HTTPClient

	// Logger receives guest log output.
	Logger ports.Logger
}

// NewHostServices wires host services, substituting denying and discarding
// defaults for nil fields.
func NewHostServices(http HTTPClient, logger ports.Logger) *HostServices {
	if http == nil {
		http = NullHTTPClient{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HostServices{HTTP: http, Logger: logger}
}

// WebClient is the production HTTPClient with a response size cap.
type WebClient struct {
	client   *http.Client
	maxBytes int64
}

// NewWebClient creates an HTTP client for guest fetches.
func NewWebClient(timeout time.Duration, maxBytes int64) *WebClient {
	return &WebClient{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Get fetches a URL, enforcing the configured body size cap.
func (c *WebClient) Get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	reader := io.Reader(resp.Body)
	if c.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if c.maxBytes > 0 && int64(len(body)) > c.maxBytes {
		return nil, resp.StatusCode, fmt.Errorf("response exceeds size limit of %d bytes", c.maxBytes)
	}

	return body, resp.StatusCode, nil
}

// NullHTTPClient denies all requests. Used when the host disables extension
// network access entirely.
type NullHTTPClient struct{}

// Get always fails.
func (NullHTTPClient) Get(_ context.Context, _ string) ([]byte, int, error) {
	return nil, 0, errors.New("network access denied")
}

var (
	_ HTTPClient = (*WebClient)(nil)
	_ HTTPClient = NullHTTPClient{}
)
