// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	Storage       StorageConfig
	Render        RenderConfig
	Inference     InferenceConfig
	Posters       PosterConfig
	AWS           AWSConfig
	API           APIConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
	LogLevel      string
}

// StorageConfig selects the project store and the local media root.
type StorageConfig struct {
	Dir     string
	DBPath  string
	Backend string
}

// RenderConfig holds transcoder and render orchestration settings.
type RenderConfig struct {
	FPS              int
	FFmpegPath       string
	FFprobePath      string
	UseNVENC         bool
	Preset           string
	CRF              int
	ThumbnailOffsets []int
	Workers          int
	MediaBaseURL     string
}

// InferenceConfig holds storyboard inference settings.
type InferenceConfig struct {
	APIKey      string
	Model       string
	FileTimeout time.Duration
}

// PosterConfig holds poster candidate and poster generation settings.
type PosterConfig struct {
	EagerCandidates bool
	CandidateLimit  int
	APIKey          string
	Model           string
	BaseURL         string
	AllowedHosts    []string
	MaxReferences   int
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string
	AssetBucket   string
	SQSQueueURL   string
	DynamoDBTable string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	Username  string
	Password  string
	JWTSecret string
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	MetricsPort       int
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Store backends
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Default values
const (
	DefaultPort                 = "8080"
	DefaultMetricsPort          = 2112
	DefaultMaxConcurrentJobs    = 1
	DefaultOTLPEndpoint         = "localhost:4317"
	DefaultRegion               = "us-west-2"
	DefaultStorageDir           = "./storage"
	DefaultFPS                  = 24
	DefaultPreset               = "ultrafast"
	DefaultCRF                  = 18
	DefaultMediaBaseURL         = "/media"
	DefaultPosterCandidateLimit = 20
	DefaultPosterRefMax         = 6
	DefaultGeminiFileTimeout    = 600 * time.Second
	DefaultLogLevel             = "info"
)

// Load reads configuration from environment variables, seeded from a .env
// file in the working directory when one exists. Real environment variables
// win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	storageDir := getEnv("KINO_STORAGE_DIR", DefaultStorageDir)
	offsets, err := parseOffsets(getEnv("KINO_THUMBNAIL_OFFSETS", "0"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		Storage: StorageConfig{
			Dir:     storageDir,
			DBPath:  getEnv("KINO_DB_PATH", filepath.Join(storageDir, "kino.db")),
			Backend: strings.ToLower(getEnv("KINO_STORE", BackendSQLite)),
		},
		Render: RenderConfig{
			FPS:              getEnvInt("KINO_FPS", DefaultFPS),
			FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
			UseNVENC:         getEnvBool("KINO_USE_NVENC", false),
			Preset:           getEnv("KINO_FFMPEG_PRESET", DefaultPreset),
			CRF:              getEnvInt("KINO_FFMPEG_CRF", DefaultCRF),
			ThumbnailOffsets: offsets,
			Workers:          getEnvInt("KINO_RENDER_WORKERS", defaultRenderWorkers()),
			MediaBaseURL:     getEnv("KINO_MEDIA_BASE_URL", DefaultMediaBaseURL),
		},
		Inference: InferenceConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       os.Getenv("GEMINI_MODEL"),
			FileTimeout: time.Duration(getEnvFloat("KINO_GEMINI_FILE_TIMEOUT", DefaultGeminiFileTimeout.Seconds()) * float64(time.Second)),
		},
		Posters: PosterConfig{
			EagerCandidates: getEnvBool("KINO_EAGER_POSTER_CANDIDATES", false),
			CandidateLimit:  getEnvInt("KINO_POSTER_CANDIDATE_LIMIT", DefaultPosterCandidateLimit),
			APIKey:          os.Getenv("OPENROUTER_API_KEY"),
			Model:           os.Getenv("OPENROUTER_IMAGE_MODEL"),
			BaseURL:         os.Getenv("OPENROUTER_BASE_URL"),
			AllowedHosts:    getEnvSlice("OPENROUTER_ALLOWED_HOSTS", nil),
			MaxReferences:   getEnvInt("KINO_POSTER_REF_MAX", DefaultPosterRefMax),
		},
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", DefaultRegion),
			AssetBucket:   os.Getenv("S3_BUCKET"),
			SQSQueueURL:   os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			Username:  os.Getenv("API_USERNAME"),
			Password:  os.Getenv("API_PASSWORD"),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			MetricsPort:       getEnvInt("METRICS_PORT", DefaultMetricsPort),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:5173",
				"http://localhost:3000",
			}),
		},
	}

	return cfg, nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateCommon checks the settings every binary depends on.
func (c *Config) validateCommon() []string {
	var errs []string

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.DBPath == "" {
			errs = append(errs, "KINO_DB_PATH is required for the sqlite store")
		}
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required for the dynamodb store")
		}
	default:
		errs = append(errs, fmt.Sprintf("KINO_STORE must be %q or %q, got %q", BackendSQLite, BackendDynamoDB, c.Storage.Backend))
	}

	if c.Storage.Dir == "" {
		errs = append(errs, "KINO_STORAGE_DIR is required")
	}
	if c.Render.FPS < 1 {
		errs = append(errs, "KINO_FPS must be positive")
	}
	if c.Render.CRF < 0 || c.Render.CRF > 51 {
		errs = append(errs, "KINO_FFMPEG_CRF must be between 0 and 51")
	}
	if c.Render.Workers < 1 {
		errs = append(errs, "KINO_RENDER_WORKERS must be at least 1")
	}
	if c.Posters.CandidateLimit < 1 {
		errs = append(errs, "KINO_POSTER_CANDIDATE_LIMIT must be at least 1")
	}
	return errs
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	errs := c.validateCommon()

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWorker validates configuration required for the Worker service.
func (c *Config) ValidateWorker() error {
	errs := c.validateCommon()

	if c.AWS.SQSQueueURL == "" {
		errs = append(errs, "SQS_QUEUE_URL is required")
	}
	if c.Worker.MaxConcurrentJobs < 1 {
		errs = append(errs, "MAX_CONCURRENT_JOBS must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// UsesQueue reports whether pipeline runs go through SQS.
func (c *Config) UsesQueue() bool {
	return c.AWS.SQSQueueURL != ""
}

// NeedsAWS reports whether any AWS client must be built.
func (c *Config) NeedsAWS() bool {
	return c.Storage.Backend == BackendDynamoDB || c.AWS.AssetBucket != "" || c.UsesQueue()
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}
	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret
	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}
	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	return []byte(secret), nil
}

// Helper functions

func defaultRenderWorkers() int {
	if runtime.NumCPU() >= 2 {
		return 2
	}
	return 1
}

func parseOffsets(value string) ([]int, error) {
	var offsets []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("configuration errors: KINO_THUMBNAIL_OFFSETS: %q is not an integer", part)
		}
		offsets = append(offsets, n)
	}
	if len(offsets) == 0 {
		offsets = []int{0}
	}
	return offsets, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
