package cellbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cellbox-dev/cellbox/config"
	"github.com/cellbox-dev/cellbox/errdefs"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		MaxRetries: 0,
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClientWithConfig(config.Config{})
	require.ErrorIs(t, err, errdefs.ErrAPIKeyNotFound)
}

func TestDoJSONSendsHeaders(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, err := NewClientWithConfig(testConfig(srv.URL))
	require.NoError(t, err)

	var out map[string]bool
	require.NoError(t, client.DoJSON(context.Background(), http.MethodGet, "/ping", nil, &out))
	require.True(t, out["ok"])

	require.Equal(t, "test-key", gotHeaders.Get("X-API-Key"))
	require.Equal(t, userAgent, gotHeaders.Get("User-Agent"))
	require.NotEmpty(t, gotHeaders.Get("X-Request-Id"))
}

func TestDoJSONEncodesBody(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := NewClientWithConfig(testConfig(srv.URL))
	require.NoError(t, err)

	err = client.DoJSON(context.Background(), http.MethodPost, "/echo", map[string]string{"k": "v"}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"k": "v"}, gotBody)
}

func TestDoRawStatusMapping(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	client, err := NewClientWithConfig(testConfig(srv.URL))
	require.NoError(t, err)
	ctx := context.Background()

	status = http.StatusUnauthorized
	_, err = client.DoRaw(ctx, http.MethodGet, "/x", nil)
	var authErr *errdefs.AuthenticationError
	require.ErrorAs(t, err, &authErr)

	status = http.StatusNotFound
	_, err = client.DoRaw(ctx, http.MethodGet, "/x", nil)
	require.True(t, errdefs.IsNotFound(err))

	status = http.StatusTeapot
	_, err = client.DoRaw(ctx, http.MethodGet, "/x", nil)
	var apiErr *errdefs.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTeapot, apiErr.StatusCode)
	require.Equal(t, "body", apiErr.Message)
}

func TestDoRawRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClientWithConfig(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = client.DoRaw(context.Background(), http.MethodGet, "/x", nil)
	require.ErrorIs(t, err, errdefs.ErrRateLimited)
}

func TestDoJSONMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{truncated`))
	}))
	defer srv.Close()

	client, err := NewClientWithConfig(testConfig(srv.URL))
	require.NoError(t, err)

	var out map[string]any
	err = client.DoJSON(context.Background(), http.MethodGet, "/x", nil, &out)
	var apiErr *errdefs.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Contains(t, apiErr.Message, "failed to parse response")
}
