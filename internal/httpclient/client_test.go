package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestClient_GetBuildsURLAndAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/status", r.URL.Path)
		assert.Equal(t, "schedds", r.URL.Query().Get("query"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "elastic", user)
		assert.Equal(t, "secret", pass)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL + "/", Username: "elastic", Password: "secret"}, arbor.NewLogger())
	resp, err := client.Get(context.Background(), "/v1/status", url.Values{"query": {"schedds"}})
	require.NoError(t, err)

	var body map[string]bool
	require.NoError(t, resp.JSON(&body))
	assert.True(t, body["ok"])
}

func TestClient_RetriesServerErrorsAndResendsBody(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(data))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 3}, arbor.NewLogger())
	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/history", Body: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"unknown history kind"}`))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, MaxRetries: 3}, arbor.NewLogger())
	resp, err := client.Get(context.Background(), "/v1/history/bogus/schedd", nil)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, string(resp.Body), "unknown history kind")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_APIKeyHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ApiKey abc123", r.Header.Get("Authorization"))
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL, APIKey: "abc123"}, arbor.NewLogger())
	_, err := client.Get(context.Background(), "", nil)
	require.NoError(t, err)
}

func TestClient_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := New(Config{BaseURL: server.URL, MaxRetries: 5}, arbor.NewLogger())
	_, err := client.Get(ctx, "/", nil)
	assert.Error(t, err)
}

func TestRateLimitedTransport_WaitsOnSharedLimiter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := &http.Client{Transport: NewRateLimitedTransport(nil, 0.001, 1)}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// The burst is spent, so the next request waits past its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	assert.ErrorContains(t, err, "rate limiter")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRateLimitedTransport_ZeroLimitIsUnlimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := &http.Client{Transport: NewRateLimitedTransport(nil, 0, 0)}
	for i := 0; i < 5; i++ {
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
}
