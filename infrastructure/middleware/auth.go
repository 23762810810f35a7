package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/jobqueue-core/infrastructure/logging"
)

// BearerAuthConfig carries the credentials the producer and admin HTTP
// surfaces accept: a static token allowlist, or a JWT secret when tokens are
// issued rather than distributed out of band.
type BearerAuthConfig struct {
	Tokens    map[string]UserSpec
	JWTSecret string
}

// UserSpec identifies a caller authenticated via a static bearer token.
type UserSpec struct {
	Username string
	Role     string
}

// Claims is the JWT payload issued to producer/admin callers.
type Claims struct {
	UserID string `json:"sub"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// BearerAuth authenticates producer/admin requests via Authorization: Bearer
// and stashes the caller's ID and role into the request context for
// downstream handlers (httputil.GetActorID/GetActorRole).
func BearerAuth(cfg BearerAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				jsonError(w, "missing or malformed authorization header", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			if user, ok := cfg.Tokens[token]; ok {
				ctx := logging.WithUserID(r.Context(), user.Username)
				ctx = logging.WithRole(ctx, user.Role)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if cfg.JWTSecret == "" {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			userID, role, err := validateJWT(token, cfg.JWTSecret)
			if err != nil {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := logging.WithUserID(r.Context(), userID)
			ctx = logging.WithRole(ctx, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WorkerAuth authenticates worker-surface requests (claim/heartbeat/result)
// against a single shared HMAC secret, distributed to the worker fleet out
// of band. The worker ID travels in the X-Worker-ID header.
func WorkerAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") || strings.TrimPrefix(authHeader, "Bearer ") != secret {
				jsonError(w, "invalid worker credential", http.StatusUnauthorized)
				return
			}
			workerID := r.Header.Get("X-Worker-ID")
			if workerID == "" {
				jsonError(w, "missing X-Worker-ID header", http.StatusUnauthorized)
				return
			}
			ctx := logging.WithUserID(r.Context(), workerID)
			ctx = logging.WithRole(ctx, "worker")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CronAuth authenticates the externally-scheduled cron trigger against the
// single shared CRON_SECRET bearer token (spec §"CLI / environment").
func CronAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if secret == "" || !strings.HasPrefix(authHeader, "Bearer ") || strings.TrimPrefix(authHeader, "Bearer ") != secret {
				jsonError(w, "invalid cron credential", http.StatusUnauthorized)
				return
			}
			ctx := logging.WithUserID(r.Context(), "cron-driver")
			ctx = logging.WithRole(ctx, "cron")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func issueJWT(userID, role, secret string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "jobqueue-core",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func validateJWT(tokenString, secret string) (userID, role string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid token")
	}
	return claims.UserID, claims.Role, nil
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
