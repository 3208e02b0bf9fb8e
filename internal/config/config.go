package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	LogLevel string

	// Database
	DBDriver     string
	DatabasePath string

	// Blob storage
	StorageProvider    string
	S3Endpoint         string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	S3BucketName       string
	S3UseSSL           bool
	GCSBucket          string
	GCSCredentialsJSON string

	// OpenRouter
	OpenRouterAPIKey      string
	OpenRouterBaseURL     string
	OpenRouterModel       string
	OpenRouterVisionModel string
	LLMRequestTimeout     time.Duration
	LLMMaxAttempts        int
	LLMBaseBackoff        time.Duration
	LLMMaxElapsed         time.Duration
	LLMCacheTTL           time.Duration

	// Queue
	AMQPURL            string
	AMQPQueue          string
	QueueAttempts      int
	QueueBackoff       time.Duration
	QueueKeepCompleted int
	QueueKeepFailed    int
	WorkerConcurrency  int
	// StageBudget bounds one job's cumulative latency across both retry
	// layers: queue attempts times the LLM retry window, plus queue backoff.
	StageBudget time.Duration

	// Redis job lock
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JobLockTTL    time.Duration

	// Mailgun
	MailgunDomain  string
	MailgunAPIKey  string
	MailgunAPIBase string
	MailgunFrom    string

	// Extraction
	PdftoppmPath      string
	RasterDPI         int
	VisionConcurrency int
	MaxImageDimension int
	MaxFileSize       int64

	// Detection
	DetectionWindowDays int
}

func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBDriver:     getEnv("DB_DRIVER", "sqlite"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/leaks.db"),

		StorageProvider:    getEnv("STORAGE_PROVIDER", "s3"),
		S3Endpoint:         getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKeyID:      getEnv("S3_ACCESS_KEY_ID", "minioadmin"),
		S3SecretAccessKey:  getEnv("S3_SECRET_ACCESS_KEY", "minioadmin"),
		S3BucketName:       getEnv("S3_BUCKET_NAME", "documents"),
		S3UseSSL:           getEnv("S3_USE_SSL", "false") == "true",
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSCredentialsJSON: getEnv("GCS_CREDENTIALS_JSON", ""),

		OpenRouterAPIKey:      getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:     getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterModel:       getEnv("OPENROUTER_MODEL", "openai/gpt-4o-mini"),
		OpenRouterVisionModel: getEnv("OPENROUTER_VISION_MODEL", "openai/gpt-4o-mini"),
		LLMRequestTimeout:     getEnvDuration("LLM_REQUEST_TIMEOUT", 60*time.Second),
		LLMMaxAttempts:        getEnvInt("LLM_MAX_ATTEMPTS", 3),
		LLMBaseBackoff:        getEnvDuration("LLM_BASE_BACKOFF", 500*time.Millisecond),
		LLMMaxElapsed:         getEnvDuration("LLM_MAX_ELAPSED", 2*time.Minute),
		LLMCacheTTL:           getEnvDuration("LLM_CACHE_TTL", 30*24*time.Hour),

		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPQueue:          getEnv("AMQP_QUEUE", "leak_jobs"),
		QueueAttempts:      getEnvInt("QUEUE_ATTEMPTS", 3),
		QueueBackoff:       getEnvDuration("QUEUE_BACKOFF", time.Second),
		QueueKeepCompleted: getEnvInt("QUEUE_KEEP_COMPLETED", 1000),
		QueueKeepFailed:    getEnvInt("QUEUE_KEEP_FAILED", 5000),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		StageBudget:        getEnvDuration("STAGE_BUDGET", 10*time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		JobLockTTL:    getEnvDuration("JOB_LOCK_TTL", 5*time.Minute),

		MailgunDomain:  getEnv("MAILGUN_DOMAIN", ""),
		MailgunAPIKey:  getEnv("MAILGUN_API_KEY", ""),
		MailgunAPIBase: getEnv("MAILGUN_API_BASE", ""),
		MailgunFrom:    getEnv("MAILGUN_FROM", ""),

		PdftoppmPath:      getEnv("PDFTOPPM_PATH", "pdftoppm"),
		RasterDPI:         getEnvInt("RASTER_DPI", 150),
		VisionConcurrency: getEnvInt("VISION_CONCURRENCY", 3),
		MaxImageDimension: getEnvInt("MAX_IMAGE_DIMENSION", 2000),
		MaxFileSize:       int64(getEnvInt("MAX_FILE_SIZE", 20<<20)),

		DetectionWindowDays: getEnvInt("DETECTION_WINDOW_DAYS", 90),
	}
}

// MailgunConfigured reports whether dispatch credentials are present.
func (c *Config) MailgunConfigured() bool {
	return c.MailgunDomain != "" && c.MailgunAPIKey != "" && c.MailgunFrom != ""
}

// WorstCaseStageLatency is the longest a single job can take across every
// queue attempt, each spending its full LLM retry window.
func (c *Config) WorstCaseStageLatency() time.Duration {
	total := time.Duration(c.QueueAttempts) * c.LLMMaxElapsed
	backoff := c.QueueBackoff
	for i := 1; i < c.QueueAttempts; i++ {
		total += backoff
		backoff *= 2
	}
	return total
}

// Validate returns every configuration problem at once.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.DBDriver != "sqlite" && c.DBDriver != "sqlite3" {
		errors = append(errors, fmt.Sprintf("invalid DB_DRIVER '%s': must be 'sqlite' or 'sqlite3'", c.DBDriver))
	}
	if c.DatabasePath == "" {
		errors = append(errors, "DATABASE_PATH cannot be empty")
	}

	switch c.StorageProvider {
	case "s3":
		if c.S3Endpoint == "" || c.S3BucketName == "" {
			errors = append(errors, "S3_ENDPOINT and S3_BUCKET_NAME are required for s3 storage")
		}
	case "gcs":
		if c.GCSBucket == "" {
			errors = append(errors, "GCS_BUCKET is required for gcs storage")
		}
	case "memory":
	default:
		errors = append(errors, fmt.Sprintf("invalid STORAGE_PROVIDER '%s': must be one of s3, gcs, memory", c.StorageProvider))
	}

	if c.OpenRouterAPIKey == "" {
		errors = append(errors, "OPENROUTER_API_KEY is required")
	}
	if c.LLMMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid LLM_MAX_ATTEMPTS %d: must be at least 1", c.LLMMaxAttempts))
	}
	if c.LLMMaxElapsed <= 0 {
		errors = append(errors, "LLM_MAX_ELAPSED must be positive")
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.QueueAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid QUEUE_ATTEMPTS %d: must be at least 1", c.QueueAttempts))
	}
	if c.QueueBackoff <= 0 {
		errors = append(errors, "QUEUE_BACKOFF must be positive")
	}
	if c.WorkerConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("invalid WORKER_CONCURRENCY %d: must be at least 1", c.WorkerConcurrency))
	}
	if worst := c.WorstCaseStageLatency(); c.StageBudget > 0 && worst > c.StageBudget {
		errors = append(errors, fmt.Sprintf(
			"retry budget exceeded: %d queue attempts x LLM_MAX_ELAPSED %v plus backoff = %v, over STAGE_BUDGET %v",
			c.QueueAttempts, c.LLMMaxElapsed, worst, c.StageBudget))
	}

	if c.JobLockTTL < c.LLMMaxElapsed {
		errors = append(errors, fmt.Sprintf("JOB_LOCK_TTL %v must cover LLM_MAX_ELAPSED %v", c.JobLockTTL, c.LLMMaxElapsed))
	}

	if c.VisionConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("invalid VISION_CONCURRENCY %d: must be at least 1", c.VisionConcurrency))
	}
	if c.DetectionWindowDays < 1 {
		errors = append(errors, fmt.Sprintf("invalid DETECTION_WINDOW_DAYS %d: must be at least 1", c.DetectionWindowDays))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
