package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type keyPair struct {
	private *rsa.PrivateKey
	pem     string
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return keyPair{
		private: priv,
		pem:     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}
}

func (k keyPair) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.private)
	require.NoError(t, err)
	return s
}

func (k keyPair) authenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(config.JWTConfig{Algorithm: "RS256", PublicKey: k.pem})
	require.NoError(t, err)
	return a
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func gatewayConfig(services map[string]string) config.GatewayConfig {
	return config.GatewayConfig{
		Routes: []config.Route{
			{Prefix: "/login", Service: "auth"},
			{Prefix: "/fields", Service: "field"},
			{Prefix: "/ws/notifications", Service: "notifications"},
		},
		Services:            services,
		PublicPaths:         []string{"/login", "/register"},
		InternalPrefix:      "/internal",
		NotificationService: "notifications",
		ProxyTimeout:        2 * time.Second,
		DialTimeout:         time.Second,
		RateLimit: config.RateLimitConfig{
			HTTPRequests:  100,
			HTTPWindow:    time.Minute,
			WSConnections: 20,
			WSWindow:      time.Minute,
		},
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// backendServer upgrades every request and hands the connection to serve
func backendServer(t *testing.T, serve func(*websocket.Conn, *http.Request)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readClose reads until the connection ends and returns the close error
func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		return ce
	}
}
