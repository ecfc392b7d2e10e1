package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// Claims identifies the caller of a facade-routed request, grounded on
// the teacher's internal/auth/service.go Claims shape, narrowed to
// what request routing needs (service identity and permissions rather
// than a full user/session model).
type Claims struct {
	ServiceID   string   `json:"service_id"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies bearer tokens for callers of the
// Orchestration Facade. It is optional: a facade can be constructed
// without one when callers are already authenticated upstream.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator signing with HMAC-SHA256.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue mints a signed token for serviceID valid for ttl.
func (a *Authenticator) Issue(serviceID string, perms []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		ServiceID:   serviceID,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", errkind.New("registry.Authenticator.Issue", errkind.Internal, err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, accepting either the raw
// token or an "Authorization: Bearer <token>" header value.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errkind.New("registry.Authenticator.Verify", errkind.Validation, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errkind.New("registry.Authenticator.Verify", errkind.Validation, nil)
	}
	return claims, nil
}
