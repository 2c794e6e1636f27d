package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/eddielth/agri-pipeline/config"
	"github.com/golang-jwt/jwt/v5"
)

// Authentication errors
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrBadScheme    = errors.New("authorization header must be 'Bearer <token>'")
	ErrNoSubject    = errors.New("token carries no user")
)

// Claims are the token claims the gateway relies on
type Claims struct {
	UserID json.Number `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user_id claim, falling back to the subject
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID.String()
	}
	return c.Subject
}

// Authenticator validates signed access tokens
type Authenticator struct {
	method  string
	key     interface{}
	options []jwt.ParserOption
}

// NewAuthenticator loads the verification key for cfg.Algorithm (RS256 or HS256)
func NewAuthenticator(cfg config.JWTConfig) (*Authenticator, error) {
	method := strings.ToUpper(cfg.Algorithm)
	if method == "" {
		method = "RS256"
	}

	a := &Authenticator{method: method}
	switch method {
	case "RS256":
		pem := []byte(cfg.PublicKey)
		if cfg.PublicKeyFile != "" {
			data, err := os.ReadFile(cfg.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read public key: %w", err)
			}
			pem = data
		}
		if len(pem) == 0 {
			return nil, fmt.Errorf("RS256 needs gateway.jwt.public_key or public_key_file")
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		a.key = key
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("HS256 needs gateway.jwt.secret")
		}
		a.key = []byte(cfg.Secret)
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %s", cfg.Algorithm)
	}

	a.options = []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		a.options = append(a.options, jwt.WithIssuer(cfg.Issuer))
	}
	return a, nil
}

// Validate checks signature, algorithm and expiry and returns the claims
func (a *Authenticator) Validate(token string) (*Claims, error) {
	if a == nil {
		return nil, fmt.Errorf("authentication not configured")
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	}, a.options...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.User() == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrBadScheme
	}
	return strings.TrimSpace(parts[1]), nil
}
