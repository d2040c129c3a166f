package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/common/errors"
)

// fakeTokenSource hands out a scripted sequence of tokens
type fakeTokenSource struct {
	current       atomic.Value
	forceRefreshs int32
	refreshErr    error
}

func newFakeTokenSource(token string) *fakeTokenSource {
	f := &fakeTokenSource{}
	f.current.Store(token)
	return f
}

func (f *fakeTokenSource) GetValidToken(ctx context.Context, tenantID string) (string, error) {
	return f.current.Load().(string), nil
}

func (f *fakeTokenSource) ForceRefresh(ctx context.Context, tenantID, staleToken string) (string, error) {
	atomic.AddInt32(&f.forceRefreshs, 1)
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	fresh := staleToken + "-refreshed"
	f.current.Store(fresh)
	return fresh, nil
}

func newTestGateway(t *testing.T, baseURL string, tokens TokenSource) *Gateway {
	t.Helper()
	gw, err := NewGateway(&Config{BaseURL: baseURL}, tokens, nil)
	require.NoError(t, err)
	return gw
}

func TestDo_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, newFakeTokenSource("tok-1"))

	resp, err := gw.Do(context.Background(), "tenant-1", &Request{
		Method: http.MethodGet,
		Path:   "/v2/merchants/me",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestDo_RetriesOnceAfter401(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer tok-1-refreshed", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokens := newFakeTokenSource("tok-1")
	gw := newTestGateway(t, server.URL, tokens)

	resp, err := gw.Do(context.Background(), "tenant-1", &Request{
		Method: http.MethodGet,
		Path:   "/v2/payments",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.forceRefreshs))
}

func TestDo_SecondUnauthorizedGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newFakeTokenSource("tok-1")
	gw := newTestGateway(t, server.URL, tokens)

	_, err := gw.Do(context.Background(), "tenant-1", &Request{
		Method: http.MethodGet,
		Path:   "/v2/payments",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeCallUnauthorized))
	// Exactly one corrective refresh, never a loop
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.forceRefreshs))
}

func TestDo_NonAuthFailuresPassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad amount"})
	}))
	defer server.Close()

	tokens := newFakeTokenSource("tok-1")
	gw := newTestGateway(t, server.URL, tokens)

	resp, err := gw.Do(context.Background(), "tenant-1", &Request{
		Method: http.MethodPost,
		Path:   "/v2/payments",
		Body:   []byte(`{"amount": -1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Zero(t, atomic.LoadInt32(&tokens.forceRefreshs))
}

func TestDo_RefreshFailureSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newFakeTokenSource("tok-1")
	tokens.refreshErr = errors.RefreshFailedError("tenant-1", nil)
	gw := newTestGateway(t, server.URL, tokens)

	_, err := gw.Do(context.Background(), "tenant-1", &Request{
		Method: http.MethodGet,
		Path:   "/v2/payments",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeRefreshFailed))
}

func TestDo_QueryAndBodyForwarded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "limit=10", r.URL.RawQuery)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, newFakeTokenSource("tok-1"))

	q := map[string][]string{"limit": {"10"}}
	resp, err := gw.Do(context.Background(), "tenant-1", &Request{
		Method: http.MethodPost,
		Path:   "/v2/orders/search",
		Query:  q,
		Body:   []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg = &Config{BaseURL: "https://api.example.com"}
	require.NoError(t, cfg.Validate())
	assert.NotZero(t, cfg.Timeout)
}
