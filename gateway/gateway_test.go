package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eddielth/agri-pipeline/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutesLongestPrefix(t *testing.T) {
	routes, err := NewRoutes([]config.Route{
		{Prefix: "/fields", Service: "field"},
		{Prefix: "/fields/archive", Service: "archive"},
		{Prefix: "/ws/notifications", Service: "notifications"},
	}, map[string]string{
		"field":         "http://field:8004",
		"archive":       "http://archive:8010",
		"notifications": "ws://notifications:8006",
	})
	require.NoError(t, err)

	tests := []struct {
		path    string
		service string
		ok      bool
	}{
		{"/fields", "field", true},
		{"/fields/42", "field", true},
		{"/fields/archive/1", "archive", true},
		{"/fieldsx", "", false},
		{"/ws/notifications", "notifications", true},
		{"/", "", false},
	}
	for _, tt := range tests {
		target, ok := routes.Resolve(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.service, target.Service, tt.path)
	}
}

func TestNewRoutesRejectsUnknownService(t *testing.T) {
	_, err := NewRoutes([]config.Route{{Prefix: "/x", Service: "nope"}}, nil)
	assert.Error(t, err)
}

type httpFixture struct {
	keys    keyPair
	gateway *httptest.Server
	backend *httptest.Server
}

func newHTTPFixture(t *testing.T, cfg func(*config.GatewayConfig), backend http.Handler) *httpFixture {
	t.Helper()
	f := &httpFixture{keys: newKeyPair(t)}
	f.backend = httptest.NewServer(backend)
	t.Cleanup(f.backend.Close)

	c := gatewayConfig(map[string]string{
		"auth":          f.backend.URL,
		"field":         f.backend.URL,
		"notifications": f.backend.URL,
	})
	if cfg != nil {
		cfg(&c)
	}
	g, err := New(c, f.keys.authenticator(t), nil)
	require.NoError(t, err)
	f.gateway = httptest.NewServer(g.Handler())
	t.Cleanup(f.gateway.Close)
	return f
}

func (f *httpFixture) do(t *testing.T, method, path, token string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.gateway.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func problemOf(t *testing.T, resp *http.Response) Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p Problem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestGatewayProxiesRequest(t *testing.T) {
	f := newHTTPFixture(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/fields/42", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("view"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		assert.Equal(t, `{"name":"north"}`, string(body))

		w.Header().Set("X-Backend", "field")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	req, err := http.NewRequest(http.MethodPut, f.gateway.URL+"/fields/42?view=full", strings.NewReader(`{"name":"north"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.keys.token(t, jwt.MapClaims{"sub": "7"}))
	req.Header.Set("X-Custom", "yes")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "field", resp.Header.Get("X-Backend"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestGatewayRejections(t *testing.T) {
	f := newHTTPFixture(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	valid := f.keys.token(t, jwt.MapClaims{"sub": "7"})

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"internal", "/internal/fields/1/access", valid, http.StatusForbidden},
		{"unrouted", "/nowhere", valid, http.StatusNotFound},
		{"websocket route without upgrade", "/ws/notifications", valid, http.StatusBadRequest},
		{"missing token", "/fields", "", http.StatusUnauthorized},
		{"bad token", "/fields", "garbage", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, tt.path, tt.token, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.status, problemOf(t, resp).Status)
		})
	}
}

func TestGatewayPublicPathSkipsAuth(t *testing.T) {
	f := newHTTPFixture(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	resp := f.do(t, http.MethodPost, "/login", "", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewayRateLimit(t *testing.T) {
	mr, rdb := newRedis(t)
	keys := newKeyPair(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	cfg := gatewayConfig(map[string]string{"auth": backend.URL, "field": backend.URL, "notifications": backend.URL})
	cfg.RateLimit.HTTPRequests = 2
	g, err := New(cfg, keys.authenticator(t), rdb)
	require.NoError(t, err)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	f := &httpFixture{keys: keys, gateway: srv}
	token := keys.token(t, jwt.MapClaims{"sub": "7"})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/fields", token, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/fields", token, nil).StatusCode)

	resp := f.do(t, http.MethodGet, "/fields", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// the limiter fails open
	mr.Close()
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/fields", token, nil).StatusCode)
}

func TestGatewayRateLimitCountsRejectedRequests(t *testing.T) {
	_, rdb := newRedis(t)
	keys := newKeyPair(t)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	cfg := gatewayConfig(map[string]string{"auth": backend.URL, "field": backend.URL, "notifications": backend.URL})
	cfg.RateLimit.HTTPRequests = 2
	g, err := New(cfg, keys.authenticator(t), rdb)
	require.NoError(t, err)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	f := &httpFixture{keys: keys, gateway: srv}
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/fields", "garbage", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nowhere", "", nil).StatusCode)

	for i := 0; i < 10; i++ {
		resp := f.do(t, http.MethodGet, "/fields", "garbage", nil)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	}
	token := keys.token(t, jwt.MapClaims{"sub": "7"})
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/fields", token, nil).StatusCode)
}

func TestGatewayBurstGuardWithoutRedis(t *testing.T) {
	f := newHTTPFixture(t, func(c *config.GatewayConfig) {
		c.RateLimit.BurstRPS = 0.001
		c.RateLimit.Burst = 3
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/fields", "", nil).StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/fields", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestGatewayUpstreamUnavailable(t *testing.T) {
	f := newHTTPFixture(t, nil, http.NotFoundHandler())
	f.backend.Close()

	resp := f.do(t, http.MethodGet, "/fields", f.keys.token(t, jwt.MapClaims{"sub": "7"}), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", problemOf(t, resp).Title)
}

func TestGatewayUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	f := newHTTPFixture(t, func(c *config.GatewayConfig) {
		c.ProxyTimeout = 100 * time.Millisecond
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	resp := f.do(t, http.MethodGet, "/fields", f.keys.token(t, jwt.MapClaims{"sub": "7"}), nil)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}
