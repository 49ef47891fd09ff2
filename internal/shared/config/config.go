package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	LogLevel        string
	Env             string
	DatabaseURL     string

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string
	S3Endpoint      string
	SSEKMSKeyID     string
	GCSBucket       string
	GCSPrefix       string

	LLMProvider  string
	LLMModel     string
	OpenAIAPIKey string

	QueueBackend   string
	SQSQueueURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisQueueKey  string
	WorkerParallel int
	MaxAttempts    int
	MetricsPort    string

	ChunkSize       int
	ChunkOverlap    int
	DefaultLanguage string
	RunTimeout      time.Duration
	ShutdownTimeout time.Duration
	MaxInputBytes   int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Env:             env,
		DatabaseURL:     dbURL,

		ObjectStoreType: normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:   getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:       getEnv("AWS_REGION", ""),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3Prefix:        getEnv("S3_PREFIX", ""),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		SSEKMSKeyID:     getEnv("SSE_KMS_KEY_ID", ""),
		GCSBucket:       getEnv("GCS_BUCKET", ""),
		GCSPrefix:       getEnv("GCS_PREFIX", ""),

		LLMProvider:  strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMModel:     getEnv("LLM_MODEL", ""),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),

		QueueBackend:   normalizeQueueBackend(getEnv("QUEUE_BACKEND", "")),
		SQSQueueURL:    strings.TrimSpace(getEnv("SQS_QUEUE_URL", "")),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisQueueKey:  getEnv("REDIS_QUEUE_KEY", "analyses:changes"),
		WorkerParallel: getEnvInt("WORKER_CONCURRENCY", 4),
		MaxAttempts:    getEnvInt("WORKER_MAX_ATTEMPTS", 5),
		MetricsPort:    getEnv("WORKER_METRICS_PORT", "9090"),

		ChunkSize:       getEnvInt("CHUNK_SIZE", 100000),
		ChunkOverlap:    getEnvInt("CHUNK_OVERLAP", 10000),
		DefaultLanguage: getEnv("DEFAULT_LANGUAGE", "en-US"),
		RunTimeout:      time.Duration(getEnvInt("RUN_TIMEOUT_SECONDS", 540)) * time.Second,
		ShutdownTimeout: time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxInputBytes:   int64(getEnvInt("MAX_INPUT_BYTES", 20<<20)),
	}
}

// Validate reports configuration combinations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	switch c.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(c.S3Bucket) == "" {
			return errors.New("OBJECT_STORE=s3 requires S3_BUCKET")
		}
	case "gcs":
		if strings.TrimSpace(c.GCSBucket) == "" {
			return errors.New("OBJECT_STORE=gcs requires GCS_BUCKET")
		}
	}
	switch c.QueueBackend {
	case "sqs":
		if c.SQSQueueURL == "" {
			return errors.New("QUEUE_BACKEND=sqs requires SQS_QUEUE_URL")
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("QUEUE_BACKEND=redis requires REDIS_ADDR")
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config %s invalid int %q, using %d", key, raw, def)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	case "development", "dev":
		return "dev"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	case "gcs", "firebase":
		return "gcs"
	default:
		return "local"
	}
}

func normalizeQueueBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	case "redis":
		return "redis"
	default:
		return ""
	}
}
