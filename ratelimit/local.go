package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Local is an in-process token bucket per client address
type Local struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocal creates a limiter refilling rps tokens per second up to burst
func NewLocal(rps float64, burst int) *Local {
	return &Local{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
	}
}

// Allow takes one token for addr
func (l *Local) Allow(addr string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	return l.visitor(addr).Allow()
}

func (l *Local) visitor(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, exists := l.visitors[addr]
	if !exists {
		limiter := rate.NewLimiter(l.rps, l.burst)
		l.visitors[addr] = &visitor{limiter, time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Len returns the number of tracked addresses
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Cleanup removes addresses idle for longer than the idle period
func (l *Local) Cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, addr)
		}
	}
}

// Run prunes idle addresses every minute until ctx is done
func (l *Local) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Cleanup(now)
		}
	}
}

// ClientIP returns the remote address of r without its port
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
