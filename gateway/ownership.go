package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eddielth/agri-pipeline/cache"
	"github.com/eddielth/agri-pipeline/event"
)

// Checker answers whether a user may watch a field
type Checker interface {
	Check(ctx context.Context, userID, fieldID string) (event.Decision, error)
}

// HTTPChecker asks the field service at GET <base>/internal/fields/{field}/access?user_id=
type HTTPChecker struct {
	base   string
	client *http.Client
}

// NewHTTPChecker creates a checker against base
func NewHTTPChecker(base string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChecker{base: base, client: &http.Client{Timeout: timeout}}
}

// Check maps 200 to allow, 403 to deny and 404 to not_found; anything else is an error
func (c *HTTPChecker) Check(ctx context.Context, userID, fieldID string) (event.Decision, error) {
	u := c.base + "/internal/fields/" + url.PathEscape(fieldID) + "/access?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ownership check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return event.Allow, nil
	case http.StatusForbidden:
		return event.Deny, nil
	case http.StatusNotFound:
		return event.NotFound, nil
	default:
		return "", fmt.Errorf("ownership check: unexpected status %d", resp.StatusCode)
	}
}

// Ownership puts a permission cache in front of a Checker
type Ownership struct {
	checker Checker
	cache   *cache.PermissionCache
}

// NewOwnership creates the cached check; a nil checker allows every field
func NewOwnership(checker Checker, permissions *cache.PermissionCache) *Ownership {
	return &Ownership{checker: checker, cache: permissions}
}

// Decide returns the cached decision or asks the checker. A cache outage only costs a fresh check.
func (o *Ownership) Decide(ctx context.Context, userID, fieldID string) (event.Decision, error) {
	if o == nil || o.checker == nil {
		return event.Allow, nil
	}

	d, ok, err := o.cache.Get(ctx, userID, fieldID)
	if err != nil {
		log.Warn("permission cache unavailable: %v", err)
	}
	if ok {
		return d, nil
	}

	d, err = o.checker.Check(ctx, userID, fieldID)
	if err != nil {
		return "", err
	}
	if err := o.cache.Set(ctx, userID, fieldID, d); err != nil {
		log.Warn("cache decision for %s/%s: %v", userID, fieldID, err)
	}
	return d, nil
}
