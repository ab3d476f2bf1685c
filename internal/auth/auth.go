// Package auth establishes a trusted account identity before any ledger
// operation runs. Both request paths derive the account from the verified
// token; client-supplied identity fields are never trusted.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quest-ledger/internal/domain"
)

// Identity is the trusted result of token verification.
type Identity struct {
	AccountID string
	Username  string
}

// Verifier validates a bearer token and yields the identity it carries.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifier verifies HMAC-signed JWTs.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for HS256 tokens signed with secret.
// An empty issuer disables issuer checking.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses and validates the token, extracting the account identity
// from the subject claim.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}

	identity := &Identity{AccountID: sub}
	if username, ok := claims["username"].(string); ok {
		identity.Username = username
	}
	return identity, nil
}

type contextKey struct{}

// FromContext returns the identity placed by the middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}

// WithIdentity returns a context carrying the given identity, mainly for tests.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware verifies the Authorization header and injects the identity into
// the request context. Requests without a valid bearer token get a 401 with
// the standard response envelope.
func Middleware(verifier Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if header == "" || token == header {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debug("token verification failed", "error", err)
				writeUnauthorized(w, domain.ErrUnauthorized.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
