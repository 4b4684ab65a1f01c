// Package auth handles JWT issuance/validation and password hashing, and
// defines the Principal identity attached to every authenticated surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/galvana-labs/galvana/fault"
)

// accessTokenTTL is configurable via GALVANA_TOKEN_TTL env var (e.g. "1h", "30m").
// Defaults to 1 hour.
var accessTokenTTL = func() time.Duration {
	if s := os.Getenv("GALVANA_TOKEN_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}()

// Principal is an authenticated caller. Connection quotas and run ownership
// key on UserID.
type Principal struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Superuser bool   `json:"superuser"`
}

// Oracle authenticates bearer tokens presented on the HTTP and WebSocket
// surfaces.
type Oracle interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Username  string `json:"name"`
	Superuser bool   `json:"su"`
}

// IssueAccessToken creates a signed HS256 JWT for the given principal.
func IssueAccessToken(secret []byte, p Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", p.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
		Username:  p.Username,
		Superuser: p.Superuser,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseAccessToken validates the token signature and expiry, returning the claims.
func ParseAccessToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fault.New(fault.Unauthenticated, "token expired")
		}
		return nil, fault.Wrap(fault.Unauthenticated, err, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fault.New(fault.Unauthenticated, "invalid token claims")
	}
	return claims, nil
}

// TokenOracle authenticates bearer tokens against a shared HMAC secret.
type TokenOracle struct {
	secret []byte
}

// NewTokenOracle builds an Oracle over the given signing secret.
func NewTokenOracle(secret []byte) *TokenOracle {
	return &TokenOracle{secret: secret}
}

// Authenticate implements Oracle. The returned Principal is taken from the
// token claims; callers needing liveness against the user table do their own
// lookup.
func (o *TokenOracle) Authenticate(_ context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, fault.New(fault.Unauthenticated, "missing token")
	}
	claims, err := ParseAccessToken(o.secret, raw)
	if err != nil {
		return Principal{}, err
	}
	return PrincipalFromClaims(claims)
}

// PrincipalFromClaims converts validated claims back into a Principal.
func PrincipalFromClaims(c *Claims) (Principal, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return Principal{}, fault.New(fault.Unauthenticated, "invalid token subject")
	}
	return Principal{UserID: id, Username: c.Username, Superuser: c.Superuser}, nil
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
