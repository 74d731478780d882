package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "callengine-relay"

// ErrUnauthorized is returned for missing, expired or forged tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the relay token payload. Subject carries the identity.
type Claims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 identity tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewTokens creates a token authority. A nil clk uses the wall clock.
func NewTokens(secret []byte, ttl time.Duration, clk clock.Clock) *Tokens {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl, clock: clk}
}

// Mint signs a token for id.
func (t *Tokens) Mint(id domain.Identity) (string, error) {
	if id == "" {
		return "", fmt.Errorf("mint token: empty identity")
	}
	now := t.clock.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry of token and returns its identity.
func (t *Tokens) Validate(token string) (domain.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	return domain.Identity(claims.Subject), nil
}
