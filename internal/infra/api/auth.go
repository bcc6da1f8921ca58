package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"entitlement-service/internal/domain"
	"entitlement-service/internal/infra/logging"
	red "entitlement-service/internal/infra/redis"
	"entitlement-service/internal/usecase"
)

type ctxKey int

const userIDKey ctxKey = iota

var (
	errMissingToken = errors.New("missing token")
	errInvalidToken = errors.New("invalid token")
)

// UserClaims identify the caller. Subject is the user id.
type UserClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens issued by the account service.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Mint issues a token for userID. Used by the dev token command and tests.
func (a *Authenticator) Mint(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) ParseFromRequest(r *http.Request) (*UserClaims, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return nil, errMissingToken
	}
	return a.parse(strings.TrimSpace(hdr[7:]))
}

func (a *Authenticator) parse(tok string) (*UserClaims, error) {
	claims := &UserClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// Authenticate resolves the bearer token to a user, registering the user on
// first sight, and stores the id in the request context.
func Authenticate(a *Authenticator, users usecase.UserUseCase, logger *zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.ParseFromRequest(r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()})
				return
			}
			ctx := r.Context()
			if _, err := users.Get(ctx, claims.Subject); err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					writeError(w, r, logger, err)
					return
				}
				if _, err := users.RegisterOrFetch(ctx, claims.Subject, claims.Email); err != nil {
					writeError(w, r, logger, err)
					return
				}
			}
			ctx = logging.WithUserID(ctx, claims.Subject)
			ctx = context.WithValue(ctx, userIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func rateKey(userID, route string) string { return red.UserRouteKey(userID, route) }
