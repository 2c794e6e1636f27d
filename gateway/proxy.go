package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// newProxy forwards requests to target keeping method, path, query and body.
// Host and hop-by-hop headers are not forwarded in either direction.
func newProxy(target *url.URL, dialTimeout time.Duration) *httputil.ReverseProxy {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Content-Length")
		},
		ErrorHandler: proxyError,
	}
}

func proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Debug("client abandoned %s %s", r.Method, r.URL.Path)
		return
	}

	status, detail := upstreamStatus(err)
	log.Warn("proxy %s %s: %v", r.Method, r.URL.Path, err)
	writeProblem(w, r, status, detail)
}

// upstreamStatus maps a transport error to 503 for unreachable backends and 504 for slow ones
func upstreamStatus(err error) (int, string) {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return http.StatusServiceUnavailable, "upstream service unavailable"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream service timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "upstream service timed out"
	}
	return http.StatusServiceUnavailable, "upstream service unavailable"
}
