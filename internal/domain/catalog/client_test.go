package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
	"github.com/felixgeelhaar/cadence/internal/domain/extension"
)

func newTestClient(config ClientConfig) *Client {
	return NewClient(config, logging.NewNopLogger())
}

func TestDefaultClientConfig(t *testing.T) {
	t.Parallel()

	config := DefaultClientConfig()
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Contains(t, config.UserAgent, "cadence")
	assert.Greater(t, config.MaxPackageBytes, config.MaxManifestBytes)
}

func TestClient_FetchManifest(t *testing.T) {
	t.Parallel()

	t.Run("fetches and stamps repository url", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get("Accept"), "application/json")
			assert.NotEmpty(t, r.Header.Get("User-Agent"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"name": "Cadence Community",
				"version": "1",
				"extensions": [
					{"id": "com.example.soundwave", "name": "Soundwave", "version": "1.1.0", "downloadUrl": "https://repo.example/soundwave.cadx"}
				]
			}`))
		}))
		defer server.Close()

		manifest, err := newTestClient(DefaultClientConfig()).FetchManifest(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, "Cadence Community", manifest.Name)
		require.Len(t, manifest.Extensions, 1)
		assert.Equal(t, server.URL, manifest.Extensions[0].RepositoryURL)
	})

	t.Run("invalid url", func(t *testing.T) {
		t.Parallel()
		_, err := newTestClient(DefaultClientConfig()).FetchManifest(context.Background(), "not a url")
		assert.True(t, extension.IsNetworkError(err))
	})

	t.Run("http error status", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		_, err := newTestClient(DefaultClientConfig()).FetchManifest(context.Background(), server.URL)
		require.Error(t, err)
		var netErr *extension.NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, http.StatusNotFound, netErr.StatusCode)
	})

	t.Run("malformed manifest body", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>not a manifest</html>"))
		}))
		defer server.Close()

		_, err := newTestClient(DefaultClientConfig()).FetchManifest(context.Background(), server.URL)
		assert.True(t, extension.IsNetworkError(err))
	})

	t.Run("manifest over size limit", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"name": "` + strings.Repeat("x", 256) + `", "extensions": []}`))
		}))
		defer server.Close()

		config := DefaultClientConfig()
		config.MaxManifestBytes = 64
		_, err := newTestClient(config).FetchManifest(context.Background(), server.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "size limit")
	})
}

func TestClient_Download(t *testing.T) {
	t.Parallel()

	t.Run("downloads artifact bytes", func(t *testing.T) {
		t.Parallel()
		artifact := []byte("package artifact bytes")
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/soundwave.cadx", r.URL.Path)
			w.Header().Set("Content-Type", "application/gzip")
			_, _ = w.Write(artifact)
		}))
		defer server.Close()

		data, err := newTestClient(DefaultClientConfig()).Download(context.Background(), RemotePackageInfo{
			ID:          "com.example.soundwave",
			DownloadURL: server.URL + "/soundwave.cadx",
		})
		require.NoError(t, err)
		assert.Equal(t, artifact, data)
	})

	t.Run("missing download url", func(t *testing.T) {
		t.Parallel()
		_, err := newTestClient(DefaultClientConfig()).Download(context.Background(), RemotePackageInfo{ID: "com.example.a"})
		require.Error(t, err)
		assert.True(t, extension.IsNetworkError(err))
	})

	t.Run("server failure", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := newTestClient(DefaultClientConfig()).Download(context.Background(), RemotePackageInfo{
			ID:          "com.example.a",
			DownloadURL: server.URL + "/a.cadx",
		})
		require.Error(t, err)
		var netErr *extension.NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
		assert.True(t, extension.Retryable(err))
	})
}

func TestClient_CheckForUpdates(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"extensions": [
				{"id": "com.example.a", "version": "2", "downloadUrl": "https://repo.example/a.cadx"},
				{"id": "com.example.b", "version": "5", "downloadUrl": "https://repo.example/b.cadx"},
				{"id": "com.example.notinstalled", "version": "1", "downloadUrl": "https://repo.example/n.cadx"}
			]
		}`))
	}))
	defer server.Close()

	installed := map[string]extension.PackageMetadata{
		"com.example.a": {ID: "com.example.a", Version: 1},
		"com.example.b": {ID: "com.example.b", Version: 5},
	}

	statuses, err := newTestClient(DefaultClientConfig()).CheckForUpdates(context.Background(), server.URL, installed)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "com.example.a", statuses[0].PackageID)
	assert.True(t, statuses[0].HasUpdate)
	assert.Equal(t, "com.example.b", statuses[1].PackageID)
	assert.False(t, statuses[1].HasUpdate)
}
