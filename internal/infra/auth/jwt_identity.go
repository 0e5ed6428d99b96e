package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

var _ adapter.IdentityProvider = (*JWTIdentity)(nil)

// Claims are the identity service's session claims. Subject carries the user ID.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentity verifies HS256 tokens issued by the identity service.
// Tokens are read from the Authorization header, then the session cookie,
// then a "token" query parameter (EventSource and WebSocket clients cannot set headers).
type JWTIdentity struct {
	secret     []byte
	cookieName string
	issuer     string
}

func NewJWTIdentity(secret, cookieName, issuer string) *JWTIdentity {
	if cookieName == "" {
		cookieName = "session"
	}
	return &JWTIdentity{secret: []byte(secret), cookieName: cookieName, issuer: issuer}
}

func (a *JWTIdentity) Authenticate(r *http.Request) (*model.Principal, error) {
	tok := tokenFromRequest(r, a.cookieName)
	if tok == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrAuthentication)
	}
	return a.Verify(tok)
}

// Verify parses a raw token into a principal.
func (a *JWTIdentity) Verify(tok string) (*model.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrAuthentication)
	}
	return &model.Principal{ID: claims.Subject, Email: claims.Email}, nil
}

// Mint issues a token for userID. Used by jobctl and tests; production tokens
// come from the identity service.
func (a *JWTIdentity) Mint(userID, email string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func tokenFromRequest(r *http.Request, cookieName string) string {
	// Authorization: Bearer <jwt>
	if hdr := r.Header.Get("Authorization"); len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
		return strings.TrimSpace(hdr[7:])
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
