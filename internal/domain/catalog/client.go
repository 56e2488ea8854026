package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/felixgeelhaar/cadence/internal/domain/extension"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// ClientConfig configures the repository HTTP client.
type ClientConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration
	// UserAgent is the User-Agent header value.
	UserAgent string
	// MaxManifestBytes caps the size of a fetched manifest document.
	MaxManifestBytes int64
	// MaxPackageBytes caps the size of a downloaded package artifact.
	MaxPackageBytes int64
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:          30 * time.Second,
		UserAgent:        "cadence/1.0",
		MaxManifestBytes: 1 << 20,  // 1 MB
		MaxPackageBytes:  64 << 20, // 64 MB
	}
}

// Client fetches repository manifests and package artifacts. It performs
// network I/O only; callers persist results.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     ports.Logger
}

// NewClient creates a new repository client.
func NewClient(config ClientConfig, logger ports.Logger) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With(ports.F("component", "catalog-client")),
	}
}

// FetchManifest downloads and parses a repository's manifest. Either a
// complete manifest is returned or a *extension.NetworkError; no partial
// catalog entries escape.
func (c *Client) FetchManifest(ctx context.Context, repositoryURL string) (*RepositoryManifest, error) {
	if _, err := url.ParseRequestURI(repositoryURL); err != nil {
		return nil, &extension.NetworkError{Op: "fetch manifest", URL: repositoryURL, Err: err}
	}

	data, err := c.fetch(ctx, "fetch manifest", repositoryURL, c.config.MaxManifestBytes)
	if err != nil {
		return nil, err
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		return nil, &extension.NetworkError{Op: "fetch manifest", URL: repositoryURL, Err: err}
	}

	for i := range manifest.Extensions {
		manifest.Extensions[i].RepositoryURL = repositoryURL
	}

	c.logger.Debug(ctx, "fetched repository manifest",
		ports.F("url", repositoryURL),
		ports.F("extensions", len(manifest.Extensions)))

	return manifest, nil
}

// Download fetches a package artifact advertised by a repository and returns
// its raw bytes. The caller stores them keyed by package id, overwriting any
// stale previous download.
func (c *Client) Download(ctx context.Context, info RemotePackageInfo) ([]byte, error) {
	if info.DownloadURL == "" {
		return nil, &extension.NetworkError{
			Op:  "download",
			URL: info.DownloadURL,
			Err: fmt.Errorf("package %s has no download URL", info.ID),
		}
	}

	data, err := c.fetch(ctx, "download", info.DownloadURL, c.config.MaxPackageBytes)
	if err != nil {
		return nil, err
	}

	c.logger.Debug(ctx, "downloaded package artifact",
		ports.F("id", info.ID),
		ports.F("bytes", len(data)))

	return data, nil
}

// CheckForUpdates fetches a repository manifest and derives UpdateStatus for
// every installed id the manifest advertises. Version strings are compared
// for plain inequality: any difference is reported as an update.
func (c *Client) CheckForUpdates(ctx context.Context, repositoryURL string, installed map[string]extension.PackageMetadata) ([]UpdateStatus, error) {
	manifest, err := c.FetchManifest(ctx, repositoryURL)
	if err != nil {
		return nil, err
	}

	var statuses []UpdateStatus
	for _, remote := range manifest.Extensions {
		meta, ok := installed[remote.ID]
		if !ok {
			continue
		}
		statuses = append(statuses, DeriveUpdateStatus(meta, remote))
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].PackageID < statuses[j].PackageID })
	return statuses, nil
}

// fetch performs an HTTP GET, mapping failures onto the network error
// taxonomy.
func (c *Client) fetch(ctx context.Context, op, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &extension.NetworkError{Op: op, URL: rawURL, Err: err}
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json, application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &extension.NetworkError{Op: op, URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &extension.NetworkError{
			Op:         op,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &extension.NetworkError{Op: op, URL: rawURL, Err: err}
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, &extension.NetworkError{
			Op:  op,
			URL: rawURL,
			Err: fmt.Errorf("response exceeds size limit of %d bytes", maxBytes),
		}
	}

	return data, nil
}
