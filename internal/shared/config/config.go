package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"adreel-backend/internal/shared/telemetry"
)

// Config holds application configuration.
type Config struct {
	Port                 string
	CORSAllowOrigin      []string
	ObjectStoreType      string
	LocalStoreDir        string
	AssetPublicBaseURL   string
	AWSRegion            string
	S3Bucket             string
	S3Prefix             string
	SSEKMSKeyID          string
	DatabaseURL          string
	Env                  string
	RunLockBackend       string
	RunLockTable         string
	RunLeaseTTL          time.Duration
	OpenAIAPIKey         string
	LLMModel             string
	ImageModel           string
	MediaAPIURL          string
	MediaAPIKey          string
	ProgressPollInterval time.Duration
	ScriptCandidates     int
	QueueURL             string
	WorkerConcurrency    int
	LogLevel             string
	LogFile              string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience. Variables already
	// set in the process environment win.
	for _, path := range []string{".env", "cmd/.env"} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		telemetry.Warn("config.database_url_missing", map[string]any{"env": env})
	}

	port := getEnv("PORT", "8080")
	return Config{
		Port:                 port,
		CORSAllowOrigin:      splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		ObjectStoreType:      normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:        getEnv("LOCAL_STORE_DIR", "./data"),
		AssetPublicBaseURL:   getEnv("ASSET_PUBLIC_BASE_URL", "http://localhost:"+strings.TrimPrefix(port, ":")+"/assets"),
		AWSRegion:            getEnv("AWS_REGION", ""),
		S3Bucket:             getEnv("S3_BUCKET", ""),
		S3Prefix:             getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:          getEnv("SSE_KMS_KEY_ID", ""),
		DatabaseURL:          dbURL,
		Env:                  env,
		RunLockBackend:       normalizeLockBackend(getEnv("RUN_LOCK_BACKEND", "")),
		RunLockTable:         getEnv("RUN_LOCK_TABLE", "run_leases"),
		RunLeaseTTL:          time.Duration(getInt("RUN_LEASE_TTL_SECONDS", 120)) * time.Second,
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		LLMModel:             getEnv("LLM_MODEL", "gpt-4o-mini"),
		ImageModel:           getEnv("IMAGE_MODEL", "gpt-image-1"),
		MediaAPIURL:          getEnv("MEDIA_API_URL", ""),
		MediaAPIKey:          getEnv("MEDIA_API_KEY", ""),
		ProgressPollInterval: time.Duration(getInt("PROGRESS_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		ScriptCandidates:     getInt("SCRIPT_CANDIDATES", 3),
		QueueURL:             getEnv("SQS_QUEUE_URL", ""),
		WorkerConcurrency:    getInt("WORKER_CONCURRENCY", 4),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFile:              getEnv("LOG_FILE", ""),
	}
}

func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		telemetry.Warn("config.invalid_int", map[string]any{"key": key, "value": raw})
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
	default:
		return "local"
	}
}

// normalizeLockBackend returns "" when unset so bootstrap can pick a backend
// matching the run store.
func normalizeLockBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "memory":
		return "memory"
	case "postgres", "pg":
		return "postgres"
	case "dynamodb", "dynamo":
		return "dynamodb"
	default:
		return ""
	}
}
