package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eddielth/agri-pipeline/event"
	"github.com/eddielth/agri-pipeline/ratelimit"
	"github.com/gorilla/websocket"
)

// CloseBadGateway is sent when the backend cannot be reached
const CloseBadGateway = 1014

type tunnelState int

const (
	stateAccepting tunnelState = iota
	stateRateLimiting
	stateAuthenticating
	stateUpstreamConnecting
	stateRelaying
	stateClosing
	stateClosed
)

var stateNames = map[tunnelState]string{
	stateAccepting:          "accepting",
	stateRateLimiting:       "rate-limiting",
	stateAuthenticating:     "authenticating",
	stateUpstreamConnecting: "upstream-connecting",
	stateRelaying:           "relaying",
	stateClosing:            "closing",
	stateClosed:             "closed",
}

func (s tunnelState) String() string {
	return stateNames[s]
}

// tunnel is one client connection and, once connected, its backend peer
type tunnel struct {
	id      string
	state   tunnelState
	client  *websocket.Conn
	backend *websocket.Conn
}

func (t *tunnel) advance(next tunnelState) {
	log.Debug("tunnel %s: %s -> %s", t.id, t.state, next)
	t.state = next
}

// reject moves straight to closing with code
func (t *tunnel) reject(code int, reason string) {
	log.Info("tunnel %s rejected in %s: %d %s", t.id, t.state, code, reason)
	t.advance(stateClosing)
	t.close(code, reason)
}

func (t *tunnel) close(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = t.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = t.client.Close()
	if t.backend != nil {
		_ = t.backend.Close()
	}
	t.advance(stateClosed)
}

// ServeWS runs the WebSocket tunnel for one upgrade request
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	t := &tunnel{id: r.RemoteAddr, client: conn}

	t.advance(stateRateLimiting)
	ip := ratelimit.ClientIP(r)
	if ok, _ := g.wsLimit.Allow(r.Context(), ip); !ok {
		t.reject(websocket.CloseTryAgainLater, "too many connections, retry later")
		return
	}

	t.advance(stateAuthenticating)
	path := r.URL.Path
	if underPrefix(path, g.cfg.InternalPrefix) {
		t.reject(websocket.ClosePolicyViolation, "internal paths are not reachable")
		return
	}
	target, ok := g.routes.Resolve(path)
	if !ok || target.Service != g.cfg.NotificationService {
		t.reject(websocket.ClosePolicyViolation, "service not available over websocket")
		return
	}

	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		t.reject(websocket.ClosePolicyViolation, "missing token")
		return
	}
	field := q.Get("field")
	if field == "" {
		t.reject(websocket.ClosePolicyViolation, "missing field parameter")
		return
	}
	claims, err := g.auth.Validate(token)
	if err != nil {
		t.reject(websocket.ClosePolicyViolation, "invalid or expired token")
		return
	}

	decision, err := g.ownership.Decide(r.Context(), claims.User(), field)
	if err != nil {
		log.Error("authorize %s on %s: %v", claims.User(), field, err)
		t.reject(websocket.CloseInternalServerErr, "authorization service unavailable")
		return
	}
	if decision != event.Allow {
		t.reject(websocket.ClosePolicyViolation, "access to field denied")
		return
	}

	t.advance(stateUpstreamConnecting)
	upstream := backendURL(target.URL, r.URL)
	ctx, cancel := context.WithTimeout(r.Context(), g.dialer.HandshakeTimeout)
	backend, resp, err := g.dialer.DialContext(ctx, upstream, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Warn("tunnel %s: dial %s: %v", t.id, target.Service, err)
		t.reject(CloseBadGateway, "upstream unavailable")
		return
	}
	t.backend = backend

	t.advance(stateRelaying)
	log.Info("tunnel %s: user %s watching %s", t.id, claims.User(), field)
	code, reason := relay(conn, backend)

	t.advance(stateClosing)
	t.close(code, reason)
}

// backendURL maps the backend base to ws(s) and appends the request path and query
func backendURL(base *url.URL, in *url.URL) string {
	u := *base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + in.Path
	u.RawQuery = in.RawQuery
	return u.String()
}

type direction int

const (
	clientToBackend direction = iota
	backendToClient
)

// pumpResult is how one forwarding loop ended; readErr tells whether its source failed
type pumpResult struct {
	dir     direction
	readErr bool
	err     error
}

func pump(dir direction, src, dst *websocket.Conn, done chan<- pumpResult) {
	for {
		kind, msg, err := src.ReadMessage()
		if err != nil {
			done <- pumpResult{dir: dir, readErr: true, err: err}
			return
		}
		if err := dst.WriteMessage(kind, msg); err != nil {
			done <- pumpResult{dir: dir, err: err}
			return
		}
	}
}

// relay copies frames both ways until one side ends, stops the other loop and
// returns the close code and reason for the client
func relay(client, backend *websocket.Conn) (int, string) {
	done := make(chan pumpResult, 2)
	go pump(clientToBackend, client, backend, done)
	go pump(backendToClient, backend, client, done)

	first := <-done
	// unblock the read of the loop still running
	if first.dir == clientToBackend {
		_ = backend.SetReadDeadline(time.Now())
	} else {
		_ = client.SetReadDeadline(time.Now())
	}
	<-done

	code, reason := closeFor(first)
	if first.dir == clientToBackend && first.readErr {
		_ = backend.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	return code, reason
}

// closeFor picks the client close code from the loop that ended first
func closeFor(first pumpResult) (int, string) {
	switch {
	case first.dir == clientToBackend && first.readErr:
		return websocket.CloseNormalClosure, ""
	case first.dir == clientToBackend:
		return websocket.CloseInternalServerErr, "upstream connection lost"
	case first.readErr:
		var ce *websocket.CloseError
		if errors.As(first.err, &ce) {
			switch ce.Code {
			case websocket.CloseNoStatusReceived:
				return websocket.CloseNormalClosure, ""
			case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			default:
				return ce.Code, ce.Text
			}
		}
		return websocket.CloseInternalServerErr, "upstream connection lost"
	default:
		// the client is gone; the close frame is best effort
		return websocket.CloseGoingAway, ""
	}
}
