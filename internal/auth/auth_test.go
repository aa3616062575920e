package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "kino-test-secret-0123456789abcdef"

var issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *JWTService {
	t.Helper()
	svc, err := NewJWTService([]byte(testSecret))
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}
	svc.now = func() time.Time { return issuedAt }
	return svc
}

func newTestLimiter(t *testing.T, max int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: max,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	rl.now = func() time.Time { return issuedAt }
	t.Cleanup(rl.Stop)
	return rl
}

func TestNewJWTService(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{"configured secret", []byte(testSecret), nil},
		{"single byte", []byte("k"), nil},
		{"empty", []byte{}, ErrMissingSecret},
		{"unset", nil, ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewJWTService(tt.secret); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewJWTService() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateToken_Claims(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.GenerateToken("editor")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	if claims.Username != "editor" || claims.Subject != "editor" {
		t.Errorf("username/subject = %q/%q, want editor", claims.Username, claims.Subject)
	}
	if claims.Issuer != TokenIssuer {
		t.Errorf("issuer = %q, want %q", claims.Issuer, TokenIssuer)
	}
	if got := claims.ExpiresAt.Time; !got.Equal(issuedAt.Add(TokenLifetime)) {
		t.Errorf("expires at %v, want %v", got, issuedAt.Add(TokenLifetime))
	}

	if _, err := svc.GenerateToken(""); !errors.Is(err, ErrEmptyUsername) {
		t.Errorf("GenerateToken(\"\") error = %v, want %v", err, ErrEmptyUsername)
	}
}

func signed(t *testing.T, method jwt.SigningMethod, key any, claims *Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return s
}

func TestValidateToken_Rejects(t *testing.T) {
	svc := newTestService(t)
	valid := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
	}
	foreign := valid
	foreign.Issuer = "hls-uploader"

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not a jwt", "proj_0123456789"},
		{"other secret", signed(t, jwt.SigningMethodHS256, []byte("another-secret"), &Claims{Username: "editor", RegisteredClaims: valid})},
		{"other issuer", signed(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{Username: "editor", RegisteredClaims: foreign})},
		{"no username", signed(t, jwt.SigningMethodHS256, []byte(testSecret), &Claims{RegisteredClaims: valid})},
		{"unsigned", signed(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, &Claims{Username: "editor", RegisteredClaims: valid})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.GenerateToken("editor")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	svc.now = func() time.Time { return issuedAt.Add(TokenLifetime + time.Minute) }
	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		auth      string
		upgrade   string
		wantToken string
		wantErr   error
	}{
		{"bearer header", "/projects", "Bearer abc", "", "abc", nil},
		{"scheme is case-insensitive", "/projects", "bearer abc", "", "abc", nil},
		{"padded token", "/projects", "Bearer  abc ", "", "abc", nil},
		{"no header", "/projects", "", "", "", ErrMissingAuthHeader},
		{"basic scheme", "/projects", "Basic abc", "", "", ErrInvalidAuthFormat},
		{"no separator", "/projects", "Bearerabc", "", "", ErrInvalidAuthFormat},
		{"blank token", "/projects", "Bearer ", "", "", ErrInvalidAuthFormat},
		{"query on websocket upgrade", "/projects/p1/events?access_token=qs", "", "websocket", "qs", nil},
		{"upgrade header casing", "/projects/p1/events?access_token=qs", "", "WebSocket", "qs", nil},
		{"query without upgrade", "/projects/p1/events?access_token=qs", "", "", "", ErrMissingAuthHeader},
		{"header wins over query", "/projects/p1/events?access_token=qs", "Bearer hdr", "websocket", "hdr", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.upgrade != "" {
				req.Header.Set("Upgrade", tt.upgrade)
			}

			token, err := ExtractTokenFromRequest(req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ExtractTokenFromRequest() error = %v, want %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("ExtractTokenFromRequest() = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := SetClaimsInContext(context.Background(), &Claims{Username: "editor"})
	if got, ok := GetClaimsFromContext(ctx); !ok || got.Username != "editor" {
		t.Errorf("GetClaimsFromContext() = %v, %v", got, ok)
	}

	if _, ok := GetClaimsFromContext(context.Background()); ok {
		t.Error("claims found in a bare context")
	}
	if _, ok := GetClaimsFromContext(SetClaimsInContext(context.Background(), nil)); ok {
		t.Error("nil claims reported as present")
	}
}

func TestRateLimiter_Window(t *testing.T) {
	rl := newTestLimiter(t, 2)
	const ip = "203.0.113.9"

	rl.RecordFailure(ip)
	if rl.IsLimited(ip) {
		t.Fatal("limited after one failure")
	}
	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Fatal("not limited after reaching the failure limit")
	}
	if rl.IsLimited("203.0.113.10") {
		t.Error("limit leaked to another client")
	}

	rl.now = func() time.Time { return issuedAt.Add(time.Minute + time.Second) }
	if rl.IsLimited(ip) {
		t.Error("still limited after the window closed")
	}

	// A failure after the window starts a fresh count.
	rl.RecordFailure(ip)
	if rl.IsLimited(ip) {
		t.Error("limited after one failure in a new window")
	}

	rl.RecordFailure(ip)
	rl.Reset(ip)
	if rl.IsLimited(ip) {
		t.Error("limited after Reset")
	}
}

func TestRateLimiter_RemoveExpired(t *testing.T) {
	rl := newTestLimiter(t, 1)
	rl.RecordFailure("198.51.100.1")

	rl.now = func() time.Time { return issuedAt.Add(30 * time.Second) }
	rl.RecordFailure("198.51.100.2")

	rl.now = func() time.Time { return issuedAt.Add(75 * time.Second) }
	rl.removeExpired()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if _, ok := rl.attempts["198.51.100.1"]; ok {
		t.Error("expired entry kept")
	}
	if _, ok := rl.attempts["198.51.100.2"]; !ok {
		t.Error("live entry removed")
	}
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl := newTestLimiter(t, 1)
	rl.RecordFailure("ip")

	rl.now = func() time.Time { return issuedAt.Add(20500 * time.Millisecond) }
	if got := rl.RetryAfter("ip"); got != 40 {
		t.Errorf("RetryAfter() = %d, want 40", got)
	}
	if got := rl.RetryAfter("other"); got != 0 {
		t.Errorf("RetryAfter(unknown) = %d, want 0", got)
	}

	rl.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	if got := rl.RetryAfter("ip"); got != 0 {
		t.Errorf("RetryAfter() after window = %d, want 0", got)
	}

	rl.Stop()
	rl.Stop()
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"proxy chain keeps first hop", " 203.0.113.5 , 10.0.0.2", "", "10.0.0.1:8080", "203.0.113.5"},
		{"real ip header", "", "203.0.113.6", "10.0.0.1:8080", "203.0.113.6"},
		{"forwarded beats real ip", "203.0.113.7", "203.0.113.8", "10.0.0.1:8080", "203.0.113.7"},
		{"ipv4 connection", "", "", "198.51.100.4:52100", "198.51.100.4"},
		{"ipv6 connection", "", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"address without port", "", "", "198.51.100.4", "198.51.100.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.GenerateToken("editor")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	handler := svc.Middleware(nil)(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Username))
	})

	tests := []struct {
		name     string
		target   string
		auth     string
		upgrade  bool
		wantCode int
	}{
		{"header token", "/projects", "Bearer " + token, false, http.StatusOK},
		{"events stream query token", "/projects/proj_1/events?access_token=" + token, "", true, http.StatusOK},
		{"query token on plain request", "/projects?access_token=" + token, "", false, http.StatusUnauthorized},
		{"no token", "/projects", "", false, http.StatusUnauthorized},
		{"garbage token", "/projects", "Bearer garbage", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK && rr.Body.String() != "editor" {
				t.Errorf("body = %q, want editor", rr.Body.String())
			}
		})
	}
}

func TestMiddleware_RateLimited(t *testing.T) {
	svc := newTestService(t)
	rl := newTestLimiter(t, 2)
	token, _ := svc.GenerateToken("editor")

	handler := svc.Middleware(rl)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	do := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/projects", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	do("Bearer nope")
	do("")
	rr := do("Bearer " + token)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	rl.Reset("10.1.1.1")
	if rr := do("Bearer " + token); rr.Code != http.StatusOK {
		t.Errorf("status after reset = %d, want %d", rr.Code, http.StatusOK)
	}
}
