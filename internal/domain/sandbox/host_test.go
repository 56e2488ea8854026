package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/cadence/internal/adapters/logging"
)

func TestWebClient(t *testing.T) {
	t.Parallel()

	t.Run("fetches response body and status", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		client := NewWebClient(5*time.Second, 1024)
		body, status, err := client.Get(context.Background(), server.URL)

		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, `{"ok":true}`, string(body))
	})

	t.Run("reports non-success status without error", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer server.Close()

		client := NewWebClient(5*time.Second, 1024)
		_, status, err := client.Get(context.Background(), server.URL)

		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("rejects bodies beyond the size limit", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(make([]byte, 256))
		}))
		defer server.Close()

		client := NewWebClient(5*time.Second, 64)
		_, _, err := client.Get(context.Background(), server.URL)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "size limit")
	})

	t.Run("fails on unreachable hosts", func(t *testing.T) {
		t.Parallel()

		client := NewWebClient(time.Second, 1024)
		_, _, err := client.Get(context.Background(), "http://127.0.0.1:1/nothing")

		require.Error(t, err)
	})
}

func TestNullHTTPClient(t *testing.T) {
	t.Parallel()

	client := NullHTTPClient{}
	_, _, err := client.Get(context.Background(), "https://example.com")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "network access denied")
}

func TestNewHostServices(t *testing.T) {
	t.Parallel()

	t.Run("keeps the provided client and logger", func(t *testing.T) {
		t.Parallel()

		client := NullHTTPClient{}
		logger := logging.NewNopLogger()

		services := NewHostServices(client, logger)

		assert.Equal(t, client, services.HTTP)
		assert.Equal(t, logger, services.Logger)
	})

	t.Run("defaults nil fields", func(t *testing.T) {
		t.Parallel()

		services := NewHostServices(nil, nil)

		assert.NotNil(t, services.HTTP)
		assert.NotNil(t, services.Logger)
	})
}
