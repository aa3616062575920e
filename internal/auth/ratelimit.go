package auth

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Rate limiting configuration
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

type attemptInfo struct {
	count     int
	firstFail time.Time
}

// RateLimiter counts failed logins and token checks per client IP.
type RateLimiter struct {
	mu       sync.RWMutex
	attempts map[string]*attemptInfo
	config   RateLimiterConfig
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its cleanup goroutine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.MaxFailedAttempts < 1 {
		config.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitWindow
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	rl := &RateLimiter{
		attempts: make(map[string]*attemptInfo),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.removeExpired()
		}
	}
}

func (rl *RateLimiter) removeExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, info := range rl.attempts {
		if now.Sub(info.firstFail) > rl.config.Window {
			delete(rl.attempts, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// IsLimited reports whether ip has used up its failures for the current window.
func (rl *RateLimiter) IsLimited(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, ok := rl.attempts[ip]
	if !ok || rl.now().Sub(info.firstFail) > rl.config.Window {
		return false
	}
	return info.count >= rl.config.MaxFailedAttempts
}

// RetryAfter returns the whole seconds until ip's window closes.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, ok := rl.attempts[ip]
	if !ok {
		return 0
	}
	left := rl.config.Window - rl.now().Sub(info.firstFail)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// RecordFailure records a failed authentication attempt for ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, ok := rl.attempts[ip]
	if !ok || now.Sub(info.firstFail) > rl.config.Window {
		rl.attempts[ip] = &attemptInfo{count: 1, firstFail: now}
		return
	}
	info.count++
}

// Reset clears the failures recorded for ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// GetClientIP returns the originating client address, preferring the first
// X-Forwarded-For hop, then X-Real-IP, then the connection address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
