package gateway

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/eddielth/agri-pipeline/cache"
	"github.com/eddielth/agri-pipeline/config"
	"github.com/eddielth/agri-pipeline/logger"
	"github.com/eddielth/agri-pipeline/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var log = logger.For("gateway")

// Gateway is the internet-facing entry point: it authenticates, rate limits and
// forwards HTTP requests and WebSocket sessions to backend services.
type Gateway struct {
	cfg       config.GatewayConfig
	routes    *Routes
	auth      *Authenticator
	ownership *Ownership
	httpLimit *ratelimit.Window
	wsLimit   *ratelimit.Window
	burst     *ratelimit.Local
	proxies   map[string]*httputil.ReverseProxy
	public    map[string]bool
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
}

// Option customizes a Gateway
type Option func(*Gateway)

// WithChecker replaces the HTTP ownership checker
func WithChecker(c Checker, permissions *cache.PermissionCache) Option {
	return func(g *Gateway) {
		g.ownership = NewOwnership(c, permissions)
	}
}

// New builds a gateway from cfg; rdb backs rate limits and the permission cache and may be nil
func New(cfg config.GatewayConfig, auth *Authenticator, rdb redis.Cmdable, opts ...Option) (*Gateway, error) {
	routes, err := NewRoutes(cfg.Routes, cfg.Services)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	rl := cfg.RateLimit
	g := &Gateway{
		cfg:       cfg,
		routes:    routes,
		auth:      auth,
		httpLimit: ratelimit.NewWindow(rdb, "http_ratelimit", rl.HTTPRequests, rl.HTTPWindow),
		wsLimit:   ratelimit.NewWindow(rdb, "ws_ratelimit", rl.WSConnections, rl.WSWindow),
		burst:     ratelimit.NewLocal(rl.BurstRPS, rl.Burst),
		proxies:   make(map[string]*httputil.ReverseProxy),
		public:    make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}

	for _, p := range cfg.PublicPaths {
		g.public[p] = true
	}
	for _, t := range routes.targets {
		if _, ok := g.proxies[t.Service]; !ok {
			g.proxies[t.Service] = newProxy(t.URL, cfg.DialTimeout)
		}
	}

	var checker Checker
	if cfg.Ownership.URL != "" {
		checker = NewHTTPChecker(cfg.Ownership.URL, cfg.Ownership.Timeout)
	}
	var permissions *cache.PermissionCache
	if rdb != nil {
		permissions = cache.NewPermissionCache(rdb, cfg.Ownership.CacheTTL)
	}
	g.ownership = NewOwnership(checker, permissions)

	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Handler returns the gateway's HTTP handler
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/*", http.HandlerFunc(g.serve))
	return r
}

// Run prunes the local burst guard until ctx is done
func (g *Gateway) Run(ctx context.Context) {
	g.burst.Run(ctx)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		g.ServeWS(w, r)
		return
	}

	// every request counts, including the ones rejected below
	ip := ratelimit.ClientIP(r)
	if !g.burst.Allow(ip) {
		writeTooManyRequests(w, r, 1)
		return
	}
	if ok, _ := g.httpLimit.Allow(r.Context(), ip); !ok {
		retry := g.httpLimit.RetryAfter(r.Context(), ip)
		writeTooManyRequests(w, r, int(math.Ceil(retry.Seconds())))
		return
	}

	path := r.URL.Path
	if underPrefix(path, g.cfg.InternalPrefix) {
		writeProblem(w, r, http.StatusForbidden, "internal paths are not reachable")
		return
	}

	target, ok := g.routes.Resolve(path)
	if !ok {
		writeProblem(w, r, http.StatusNotFound, fmt.Sprintf("no service serves %s", path))
		return
	}
	if target.Service == g.cfg.NotificationService {
		writeProblem(w, r, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	if !g.public[path] {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err == nil {
			_, err = g.auth.Validate(token)
		}
		if err != nil {
			log.Debug("reject %s %s: %v", r.Method, path, err)
			writeProblem(w, r, http.StatusUnauthorized, "invalid or missing access token")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.ProxyTimeout)
	defer cancel()
	g.proxies[target.Service].ServeHTTP(w, r.WithContext(ctx))
}
