package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/eddielth/agri-pipeline/config"
)

// Target is the backend a path resolves to
type Target struct {
	Prefix  string
	Service string
	URL     *url.URL
}

// Routes is a static prefix table, longest prefix first
type Routes struct {
	targets []Target
}

// NewRoutes builds the table; every route must name a known service with a parsable URL
func NewRoutes(routes []config.Route, services map[string]string) (*Routes, error) {
	targets := make([]Target, 0, len(routes))
	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		raw, ok := services[r.Service]
		if !ok {
			return nil, fmt.Errorf("route %s: unknown service %s", r.Prefix, r.Service)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("service %s: invalid url %q", r.Service, raw)
		}
		targets = append(targets, Target{Prefix: strings.TrimSuffix(r.Prefix, "/"), Service: r.Service, URL: u})
	}

	sort.SliceStable(targets, func(i, j int) bool {
		return len(targets[i].Prefix) > len(targets[j].Prefix)
	})
	return &Routes{targets: targets}, nil
}

// Resolve returns the target whose prefix equals path or is followed by a slash in it
func (r *Routes) Resolve(path string) (Target, bool) {
	for _, t := range r.targets {
		if path == t.Prefix || strings.HasPrefix(path, t.Prefix+"/") {
			return t, true
		}
	}
	return Target{}, false
}

// underPrefix reports whether path is prefix itself or below it
func underPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
