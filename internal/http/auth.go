package http

import (
	"context"
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ctxKey int

const (
	userKey ctxKey = iota
	loggerKey
)

// Authenticator verifies RS256 bearer tokens issued by the identity
// provider. The subject claim carries the user id.
type Authenticator struct {
	key *rsa.PublicKey
}

func NewAuthenticator(publicKeyPEM string) (*Authenticator, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, errors.Wrap(err, "parse JWT public key")
	}
	return &Authenticator{key: key}, nil
}

func NewAuthenticatorFromKey(key *rsa.PublicKey) *Authenticator {
	return &Authenticator{key: key}
}

func (a *Authenticator) Verify(token string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "subject is not a user id")
	}
	return id, nil
}

// bearer reads the token from the Authorization header. WebSocket clients
// that cannot set headers may pass it as the access_token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func JWTMiddleware(auth *Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearer(r)
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			userID, err := auth.Verify(token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), userKey, userID)
			LoggerFrom(ctx).WithField("user_id", userID).Debug("authenticated")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom returns the authenticated caller.
func UserFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userKey).(uuid.UUID)
	return id, ok
}
