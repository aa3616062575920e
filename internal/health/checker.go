// Package health serves liveness and dependency health endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Configuration constants
const (
	DefaultCacheTTL       = 10 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultDeepCheckLimit = 10 * time.Second
)

// Component states
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// Status represents the health check response.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Probe checks one dependency during a deep health check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is anything with a cheap reachability check, such as a project store
// or the asset bucket.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SQSClient defines the SQS operations needed for health checks.
type SQSClient interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// PingProbe wraps a Pinger.
func PingProbe(name string, p Pinger) Probe {
	return Probe{Name: name, Check: p.Ping}
}

// BinaryProbe verifies that an executable such as ffmpeg can be found.
func BinaryProbe(name, path string) Probe {
	return Probe{Name: name, Check: func(context.Context) error {
		_, err := exec.LookPath(path)
		return err
	}}
}

// DirProbe verifies that dir exists and accepts new files.
func DirProbe(name, dir string) Probe {
	return Probe{Name: name, Check: func(context.Context) error {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return err
		}
		f.Close()
		return os.Remove(f.Name())
	}}
}

// SQSProbe verifies that the run queue answers attribute requests.
func SQSProbe(client SQSClient, queueURL string) Probe {
	return Probe{Name: "sqs", Check: func(ctx context.Context) error {
		_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeNameApproximateNumberOfMessages,
			},
		})
		return err
	}}
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	Probes         []Probe
	Logger         *slog.Logger
	CacheTTL       time.Duration
	CheckTimeout   time.Duration
	DeepCheckLimit time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig(serviceName string, logger *slog.Logger, probes ...Probe) *Config {
	return &Config{
		ServiceName:    serviceName,
		Probes:         probes,
		Logger:         logger,
		CacheTTL:       DefaultCacheTTL,
		CheckTimeout:   DefaultCheckTimeout,
		DeepCheckLimit: DefaultDeepCheckLimit,
	}
}

// Checker provides health check functionality.
type Checker struct {
	config        *Config
	mu            sync.RWMutex
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

// NewChecker creates a new health checker with the given configuration.
func NewChecker(config *Config) *Checker {
	return &Checker{config: config}
}

// Check reports service health. Shallow checks may return a cached result;
// deep checks run every probe concurrently.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		if c.lastStatus != nil && time.Since(c.lastCheck) < c.config.CacheTTL {
			status := c.lastStatus
			c.mu.RUnlock()
			return status
		}
		c.mu.RUnlock()
	}

	status := &Status{
		Status:    StatusHealthy,
		Service:   c.config.ServiceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Checks:    make(map[string]ComponentCheck),
	}

	if deep {
		results := make([]ComponentCheck, len(c.config.Probes))
		var wg sync.WaitGroup
		for i, probe := range c.config.Probes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = c.run(ctx, probe)
			}()
		}
		wg.Wait()

		for i, probe := range c.config.Probes {
			status.Checks[probe.Name] = results[i]
			if results[i].Status != StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.lastStatus = status
	c.mu.Unlock()

	return status
}

func (c *Checker) run(ctx context.Context, probe Probe) (check ComponentCheck) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			check = ComponentCheck{Status: StatusUnhealthy, Error: fmt.Sprintf("probe panicked: %v", r)}
		}
	}()

	err := probe.Check(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{
			Status:  StatusUnhealthy,
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}
	return ComponentCheck{
		Status:  StatusHealthy,
		Latency: latency.String(),
	}
}

// CanPerformDeepCheck returns true if enough time has passed since the last deep check.
func (c *Checker) CanPerformDeepCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastDeepCheck) >= c.config.DeepCheckLimit
}

// RecordDeepCheck records the time of a deep health check.
func (c *Checker) RecordDeepCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDeepCheck = time.Now()
}

// Handler returns an HTTP handler for basic health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context(), false)
		c.writeResponse(w, statusCode(status), status)
	}
}

// DeepHandler returns an HTTP handler for deep health checks.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.CanPerformDeepCheck() {
			// The cached status is shared; annotate a copy.
			cached := *c.Check(r.Context(), false)
			cached.Checks = maps.Clone(cached.Checks)
			if cached.Checks == nil {
				cached.Checks = make(map[string]ComponentCheck)
			}
			cached.Checks["rate_limited"] = ComponentCheck{
				Status: "info",
				Error:  "Deep health check rate limited, returning cached result",
			}

			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(c.config.DeepCheckLimit.Seconds())))
			c.writeResponse(w, http.StatusTooManyRequests, &cached)
			return
		}

		c.RecordDeepCheck()
		status := c.Check(r.Context(), true)
		c.writeResponse(w, statusCode(status), status)
	}
}

func statusCode(status *Status) int {
	if status.Status != StatusHealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (c *Checker) writeResponse(w http.ResponseWriter, code int, status *Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil && c.config.Logger != nil {
		c.config.Logger.Error("Failed to encode health check response", "error", err)
	}
}
