package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"clinicore.org/internal/clock"
)

const (
	// DefaultSessionTTL is how long a signed-in session stays valid.
	DefaultSessionTTL = 24 * time.Hour

	defaultIssuer = "clinicore"
)

// ErrInvalidToken indicates the token failed validation or has expired.
var ErrInvalidToken = fmt.Errorf("%w: invalid or expired session token", ErrUnauthorized)

// AccountSnapshot is the account view frozen into a session at sign-in.
type AccountSnapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Role        Role           `json:"role"`
	Profile     map[string]any `json:"profile,omitempty"`
	Permissions []Permission   `json:"permissions"`
}

// Actor returns the identity carried by the snapshot.
func (s AccountSnapshot) Actor() Actor {
	return Actor{ID: s.ID, Name: s.Name, Role: s.Role, Active: true}
}

// Session is the result of a successful sign-in. It is not persisted.
type Session struct {
	Account   AccountSnapshot `json:"account"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Claims are the JWT claims of a session token.
type Claims struct {
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Role        Role           `json:"role"`
	Permissions []Permission   `json:"permissions"`
	Profile     map[string]any `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// SessionIssuer signs and verifies HS256 session tokens.
type SessionIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// IssuerOption configures a SessionIssuer.
type IssuerOption func(*SessionIssuer) error

// WithSessionTTL overrides the session lifetime.
func WithSessionTTL(ttl time.Duration) IssuerOption {
	return func(s *SessionIssuer) error {
		if ttl <= 0 {
			return errors.New("auth: session ttl must be positive")
		}
		s.ttl = ttl
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) IssuerOption {
	return func(s *SessionIssuer) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithIssuerClock overrides the time source.
func WithIssuerClock(c clock.Clock) IssuerOption {
	return func(s *SessionIssuer) error {
		if c != nil {
			s.clock = c
		}
		return nil
	}
}

// NewSessionIssuer constructs an issuer signing with secret.
func NewSessionIssuer(secret string, opts ...IssuerOption) (*SessionIssuer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 characters")
	}
	s := &SessionIssuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    DefaultSessionTTL,
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue signs a session for snapshot.
func (s *SessionIssuer) Issue(snapshot AccountSnapshot) (Session, error) {
	if strings.TrimSpace(snapshot.ID) == "" {
		return Session{}, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	now := s.clock.Now()
	expires := now.Add(s.ttl)
	claims := Claims{
		Name:        snapshot.Name,
		Email:       snapshot.Email,
		Role:        snapshot.Role,
		Permissions: snapshot.Permissions,
		Profile:     snapshot.Profile,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   snapshot.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{Account: snapshot, Token: signed, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// Verify parses token and returns the session it encodes. Expired tokens are
// indistinguishable from absent ones.
func (s *SessionIssuer) Verify(token string) (Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return Session{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Session{}, ErrInvalidToken
	}
	return Session{
		Account: AccountSnapshot{
			ID:          claims.Subject,
			Name:        claims.Name,
			Email:       claims.Email,
			Role:        claims.Role,
			Profile:     claims.Profile,
			Permissions: claims.Permissions,
		},
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// HasPermission checks the snapshot taken at sign-in.
func (s Session) HasPermission(perm Permission) bool {
	if s.Account.Role == RoleAdministrator {
		return true
	}
	for _, p := range s.Account.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
