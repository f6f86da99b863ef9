package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "bankbridge/pkg/domain-errors"
)

// Claims is the session token payload. The subject carries the client id.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager issues and verifies signed session tokens. Callers authenticate
// once and present the token on every aggregation call; bank tokens never
// leave the server.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a session manager with an HS256 signing key.
func NewManager(signingKey string, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{key: []byte(signingKey), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Issue signs a session token for the client.
func (m *Manager) Issue(clientID string) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			Issuer:    "bankbridge",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "sign session token")
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns the client id.
func (m *Manager) Verify(tokenString string) (string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.key, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", dErrors.Wrap(err, dErrors.CodeUnauthorized, "invalid session token")
	}
	if claims.Subject == "" {
		return "", dErrors.New(dErrors.CodeUnauthorized, "session token missing subject")
	}
	return claims.Subject, nil
}
