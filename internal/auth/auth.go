// Package auth verifies bearer tokens issued by the storefront's login flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanAccess reports whether p may see a resource owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin() || (p.UserID != "" && p.UserID == ownerID)
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(token string) (Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}
	if claims.Subject == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for userID. The storefront issues tokens at login;
// this is used by the CLI and tests.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// FromRequest reads the bearer token from the Authorization header, or from
// the token query parameter for websocket upgrades.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return Principal{}, ErrUnauthorized
		}
		return v.Verify(parts[1])
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return v.Verify(t)
	}
	return Principal{}, ErrUnauthorized
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
