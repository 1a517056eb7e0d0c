// Package auth resolves the requesting user from HTTP credentials: a Bearer
// or session-cookie JWT signed by the gateway, or HTTP Basic credentials
// verified against the document database.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter"

	"github.com/tbourn/go-doc-gateway/internal/domain"
)

// DefaultCookie is the session cookie carrying a gateway JWT.
const DefaultCookie = "session"

var (
	// ErrInvalidToken is returned for malformed, expired or foreign tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidCredentials is returned when Basic credentials are rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// BasicVerifier checks a username/password pair.
type BasicVerifier interface {
	Verify(ctx context.Context, username, password string) (bool, error)
}

// Config configures an Authenticator.
type Config struct {
	// Secret is the HS256 key for bearer and session tokens. Tokens are
	// rejected when empty.
	Secret string
	Issuer string
	Cookie string
	// Basic verifies HTTP Basic credentials; Basic auth is refused when nil.
	Basic BasicVerifier
	// BasicTTL bounds how long a successful Basic verification is reused.
	BasicTTL time.Duration
}

// Authenticator is safe for concurrent use.
type Authenticator struct {
	secret   []byte
	issuer   string
	cookie   string
	basic    BasicVerifier
	verified otter.Cache[string, string]
}

// New returns an Authenticator.
func New(cfg Config) (*Authenticator, error) {
	ttl := cfg.BasicTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	verified, err := otter.MustBuilder[string, string](10_000).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	cookie := cfg.Cookie
	if cookie == "" {
		cookie = DefaultCookie
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		cookie:   cookie,
		basic:    cfg.Basic,
		verified: verified,
	}, nil
}

// Claims are the gateway token claims; the subject is the username.
type Claims struct {
	jwt.RegisteredClaims
}

// Issue signs a token for username valid for ttl.
func (a *Authenticator) Issue(username string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := Claims{jwt.RegisteredClaims{
		Subject:   domain.UserViewer(username).Username,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns its subject.
func (a *Authenticator) Parse(token string) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrInvalidToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Viewer resolves the viewer of r. Requests without credentials are public;
// requests with bad credentials fail.
func (a *Authenticator) Viewer(r *http.Request) (domain.Viewer, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, _ := strings.Cut(h, " ")
		switch strings.ToLower(scheme) {
		case "bearer":
			name, err := a.Parse(strings.TrimSpace(value))
			if err != nil {
				return domain.PublicViewer(), err
			}
			return domain.UserViewer(name), nil
		case "basic":
			user, pass, ok := r.BasicAuth()
			if !ok {
				return domain.PublicViewer(), ErrInvalidCredentials
			}
			return a.viewerFromBasic(r.Context(), user, pass)
		}
	}
	if c, err := r.Cookie(a.cookie); err == nil && c.Value != "" {
		name, err := a.Parse(c.Value)
		if err != nil {
			return domain.PublicViewer(), err
		}
		return domain.UserViewer(name), nil
	}
	return domain.PublicViewer(), nil
}

func (a *Authenticator) viewerFromBasic(ctx context.Context, user, pass string) (domain.Viewer, error) {
	if a.basic == nil || user == "" {
		return domain.PublicViewer(), ErrInvalidCredentials
	}
	key := credentialKey(user, pass)
	if name, ok := a.verified.Get(key); ok {
		return domain.UserViewer(name), nil
	}
	ok, err := a.basic.Verify(ctx, user, pass)
	if err != nil {
		return domain.PublicViewer(), err
	}
	if !ok {
		return domain.PublicViewer(), ErrInvalidCredentials
	}
	a.verified.Set(key, user)
	return domain.UserViewer(user), nil
}

func credentialKey(user, pass string) string {
	sum := sha256.Sum256([]byte(user + "\x00" + pass))
	return hex.EncodeToString(sum[:])
}
