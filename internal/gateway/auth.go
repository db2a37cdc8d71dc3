package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
)

// tokenIssuer is the iss claim on gateway tokens.
const tokenIssuer = "newsgraph"

type principalKey struct{}

// Authenticator accepts a static bearer token or an HS256 JWT signed with
// the configured secret. With neither configured every request is denied.
type Authenticator struct {
	token  string
	secret []byte
}

func NewAuthenticator(token, jwtSecret string) *Authenticator {
	a := &Authenticator{token: strings.TrimSpace(token)}
	if s := strings.TrimSpace(jwtSecret); s != "" {
		a.secret = []byte(s)
	}
	return a
}

// Verify returns the caller's principal: "token" for the static token or the
// JWT subject.
func (a *Authenticator) Verify(r *http.Request) (string, error) {
	raw := ExtractBearer(r)
	if raw == "" {
		return "", errMissingCredentials
	}
	if a.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.token)) == 1 {
		return "token", nil
	}
	if a.secret == nil {
		return "", errInvalidCredentials
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return "", errInvalidCredentials
	}
	if claims.Subject == "" {
		return "jwt", nil
	}
	return claims.Subject, nil
}

// IssueToken signs an HS256 token for subject that expires after ttl.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("gateway: jwt secret is empty")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("gateway: sign token: %w", err)
	}
	return signed, nil
}

// Wrap rejects unauthenticated requests. /healthz is always open.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := a.Verify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearer reads the token from the Authorization header, falling back
// to the access_token query parameter for browser websocket clients.
func ExtractBearer(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// PrincipalFromContext returns the authenticated caller, or "".
func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
