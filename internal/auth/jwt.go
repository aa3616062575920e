// Package auth issues and verifies the API's bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/kino-pipeline/internal/metrics"
)

// Token configuration
const (
	TokenLifetime = 24 * time.Hour
	TokenIssuer   = "kino-pipeline"

	QueryTokenParam = "access_token"
)

var (
	ErrMissingSecret     = errors.New("jwt secret is required")
	ErrEmptyUsername     = errors.New("username is required")
	ErrMissingAuthHeader = errors.New("authorization header missing")
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

type contextKey struct{}

// Claims are the token claims the API issues.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService signs and validates HS256 tokens.
type JWTService struct {
	secret []byte
	now    func() time.Time
}

// NewJWTService creates a JWTService for the given signing secret.
func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &JWTService{secret: secret, now: time.Now}, nil
}

// GenerateToken returns a signed token for username valid for TokenLifetime.
func (s *JWTService) GenerateToken(username string) (string, error) {
	if username == "" {
		return "", ErrEmptyUsername
	}

	now := s.now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Username == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractTokenFromRequest reads the bearer token from the Authorization
// header. Websocket upgrades may carry it in the access_token query parameter.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get(QueryTokenParam); token != "" && isUpgrade(r) {
			return token, nil
		}
		return "", ErrMissingAuthHeader
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidAuthFormat
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidAuthFormat
	}
	return token, nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// SetClaimsInContext returns a copy of ctx carrying claims.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// GetClaimsFromContext returns the claims stored by the middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// Middleware returns a handler wrapper that requires a valid bearer token.
// Clients over the failure limit are rejected before the token is checked.
func (s *JWTService) Middleware(rl *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if rl != nil && rl.IsLimited(ip) {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter(ip)))
				http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
				return
			}

			tokenString, err := ExtractTokenFromRequest(r)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				if rl != nil {
					rl.RecordFailure(ip)
				}
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			claims, err := s.ValidateToken(tokenString)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				if rl != nil {
					rl.RecordFailure(ip)
				}
				http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaimsInContext(r.Context(), claims)))
		}
	}
}
