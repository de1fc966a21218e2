// Package identity issues and verifies anonymous identities, and tracks the
// service's own identity used to authorize blob uploads.
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	perrors "github.com/p-blackswan/analyst/internal/errors"
)

const issuerName = "analyst"

// Identity is an established anonymous principal.
type Identity struct {
	UID       string    `json:"uid"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the identity is past its expiry.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Issuer signs and verifies anonymous identity tokens with HS256.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret gets a random per-process
// key, so tokens do not survive a restart.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating identity secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue creates a new anonymous identity.
func (i *Issuer) Issue() (*Identity, error) {
	now := i.now()
	uid := uuid.NewString()
	exp := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("signing identity token: %w", err)
	}
	return &Identity{UID: uid, Token: token, ExpiresAt: exp}, nil
}

// Verify checks a token and returns its subject.
func (i *Issuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", perrors.ErrAuthFailure, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", perrors.ErrAuthFailure)
	}
	return claims.Subject, nil
}

// Session holds the service's own anonymous identity. Blob uploads wait on
// it before starting.
type Session struct {
	issuer *Issuer

	mu      sync.Mutex
	current *Identity
	ready   chan struct{}
}

// NewSession creates a session that is not yet signed in.
func NewSession(issuer *Issuer) *Session {
	return &Session{issuer: issuer, ready: make(chan struct{})}
}

// SignIn establishes (or refreshes) the identity.
func (s *Session) SignIn(ctx context.Context) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := s.issuer.Issue()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.current == nil
	s.current = id
	if first {
		close(s.ready)
	}
	return id, nil
}

// Current returns the identity if one is established and not expired.
func (s *Session) Current() (*Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Expired(s.issuer.now()) {
		return nil, false
	}
	return s.current, true
}

// Wait blocks up to d for an identity to be established. An expired
// identity is refreshed in place.
func (s *Session) Wait(ctx context.Context, d time.Duration) (*Identity, error) {
	if id, ok := s.Current(); ok {
		return id, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-timer.C:
		return nil, fmt.Errorf("%w: no identity established within %s", perrors.ErrAuthFailure, d)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if id, ok := s.Current(); ok {
		return id, nil
	}
	return s.SignIn(ctx)
}
