// Package config loads and validates service configuration.
//
// Configuration is environment-driven: every recognized option is bound to a
// named environment variable through viper, defaults are applied, and the
// result is validated once at process start. The resulting Config is passed
// read-only; nothing reads the environment after Load returns.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SaintWyss/ragcore/common"
)

// InjectionMode selects how the prompt-injection filter treats risky chunks.
type InjectionMode string

const (
	InjectionOff      InjectionMode = "off"
	InjectionDownrank InjectionMode = "downrank"
	InjectionExclude  InjectionMode = "exclude"
)

var promptVersionRe = regexp.MustCompile(`^v\d+$`)

// Config is the full service configuration.
type Config struct {
	Environment string
	ListenAddr  string

	DatabaseURL          string
	DBPoolMinSize        int
	DBPoolMaxSize        int
	DBStatementTimeoutMS int

	RedisURL string

	GoogleAPIKey   string
	FakeLLM        bool
	FakeEmbeddings bool

	JWTSecret       string
	JWTCookieSecure bool
	JWTAccessTTL    time.Duration
	APIKeys         map[string][]string // key -> scopes
	RBACConfig      map[string]any
	MetricsAuth     bool
	ConnectorEncKey []byte
	S3Bucket        string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string

	ChunkSize       int
	ChunkOverlap    int
	MaxTopK         int
	MaxContextChars int

	RateLimitRPS    float64
	RateLimitBurst  int
	MaxBodyBytes    int64
	MaxUploadBytes  int64
	MaxFileBytes    int64
	MaxFilesPerSync int

	InjectionMode      InjectionMode
	InjectionThreshold float64

	RerankEnabled       bool
	RerankMultiplier    int
	RerankMaxCandidates int
	HybridEnabled       bool

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	WorkerCount   int
	IngestTimeout time.Duration

	PromptVersion string

	LogLevel  string
	LogFormat string
}

// bindings maps viper keys to their environment variables. Everything the
// service recognizes is listed here; prefixed variables not listed produce a
// warning at load time.
var bindings = map[string]string{
	"environment":                  "ENVIRONMENT",
	"listen_addr":                  "LISTEN_ADDR",
	"database_url":                 "DATABASE_URL",
	"db_pool_min_size":             "DB_POOL_MIN_SIZE",
	"db_pool_max_size":             "DB_POOL_MAX_SIZE",
	"db_statement_timeout_ms":      "DB_STATEMENT_TIMEOUT_MS",
	"redis_url":                    "REDIS_URL",
	"google_api_key":               "GOOGLE_API_KEY",
	"fake_llm":                     "FAKE_LLM",
	"fake_embeddings":              "FAKE_EMBEDDINGS",
	"jwt_secret":                   "JWT_SECRET",
	"jwt_cookie_secure":            "JWT_COOKIE_SECURE",
	"jwt_access_ttl_minutes":       "JWT_ACCESS_TTL_MINUTES",
	"api_keys_config":              "API_KEYS_CONFIG",
	"rbac_config":                  "RBAC_CONFIG",
	"metrics_require_auth":         "METRICS_REQUIRE_AUTH",
	"connector_encryption_key":     "CONNECTOR_ENCRYPTION_KEY",
	"s3_bucket":                    "S3_BUCKET",
	"s3_endpoint":                  "S3_ENDPOINT",
	"s3_region":                    "S3_REGION",
	"s3_access_key":                "S3_ACCESS_KEY",
	"s3_secret_key":                "S3_SECRET_KEY",
	"chunk_size":                   "CHUNK_SIZE",
	"chunk_overlap":                "CHUNK_OVERLAP",
	"max_top_k":                    "MAX_TOP_K",
	"max_context_chars":            "MAX_CONTEXT_CHARS",
	"rate_limit_rps":               "RATE_LIMIT_RPS",
	"rate_limit_burst":             "RATE_LIMIT_BURST",
	"max_body_bytes":               "MAX_BODY_BYTES",
	"max_upload_bytes":             "MAX_UPLOAD_BYTES",
	"max_file_bytes":               "MAX_FILE_BYTES",
	"max_files_per_sync":           "MAX_FILES_PER_SYNC",
	"rag_injection_filter_mode":    "RAG_INJECTION_FILTER_MODE",
	"rag_injection_risk_threshold": "RAG_INJECTION_RISK_THRESHOLD",
	"enable_rerank":                "ENABLE_RERANK",
	"rerank_candidate_multiplier":  "RERANK_CANDIDATE_MULTIPLIER",
	"rerank_max_candidates":        "RERANK_MAX_CANDIDATES",
	"enable_hybrid":                "ENABLE_HYBRID",
	"retry_max_attempts":           "RETRY_MAX_ATTEMPTS",
	"retry_base_delay_seconds":     "RETRY_BASE_DELAY_SECONDS",
	"retry_max_delay_seconds":      "RETRY_MAX_DELAY_SECONDS",
	"worker_count":                 "WORKER_COUNT",
	"ingest_timeout_seconds":       "INGEST_TIMEOUT_SECONDS",
	"prompt_version":               "PROMPT_VERSION",
	"log_level":                    "LOG_LEVEL",
	"log_format":                   "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_pool_min_size", 2)
	v.SetDefault("db_pool_max_size", 10)
	v.SetDefault("db_statement_timeout_ms", 30000)
	v.SetDefault("jwt_access_ttl_minutes", 30)
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("chunk_size", 800)
	v.SetDefault("chunk_overlap", 150)
	v.SetDefault("max_top_k", 50)
	v.SetDefault("max_context_chars", 12000)
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("max_body_bytes", int64(10<<20))
	v.SetDefault("max_upload_bytes", int64(25<<20))
	v.SetDefault("max_file_bytes", int64(20<<20))
	v.SetDefault("max_files_per_sync", 100)
	v.SetDefault("rag_injection_filter_mode", "downrank")
	v.SetDefault("rag_injection_risk_threshold", 0.6)
	v.SetDefault("enable_rerank", false)
	v.SetDefault("rerank_candidate_multiplier", 5)
	v.SetDefault("rerank_max_candidates", 200)
	v.SetDefault("enable_hybrid", true)
	v.SetDefault("retry_max_attempts", 4)
	v.SetDefault("retry_base_delay_seconds", 0.5)
	v.SetDefault("retry_max_delay_seconds", 30.0)
	v.SetDefault("worker_count", 4)
	v.SetDefault("ingest_timeout_seconds", 120)
	v.SetDefault("prompt_version", "v1")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}
	warnUnknown()

	cfg := &Config{
		Environment:          v.GetString("environment"),
		ListenAddr:           v.GetString("listen_addr"),
		DatabaseURL:          v.GetString("database_url"),
		DBPoolMinSize:        v.GetInt("db_pool_min_size"),
		DBPoolMaxSize:        v.GetInt("db_pool_max_size"),
		DBStatementTimeoutMS: v.GetInt("db_statement_timeout_ms"),
		RedisURL:             v.GetString("redis_url"),
		GoogleAPIKey:         v.GetString("google_api_key"),
		FakeLLM:              v.GetBool("fake_llm"),
		FakeEmbeddings:       v.GetBool("fake_embeddings"),
		JWTSecret:            v.GetString("jwt_secret"),
		JWTCookieSecure:      v.GetBool("jwt_cookie_secure"),
		JWTAccessTTL:         time.Duration(v.GetInt("jwt_access_ttl_minutes")) * time.Minute,
		MetricsAuth:          v.GetBool("metrics_require_auth"),
		S3Bucket:             v.GetString("s3_bucket"),
		S3Endpoint:           v.GetString("s3_endpoint"),
		S3Region:             v.GetString("s3_region"),
		S3AccessKey:          v.GetString("s3_access_key"),
		S3SecretKey:          v.GetString("s3_secret_key"),
		ChunkSize:            v.GetInt("chunk_size"),
		ChunkOverlap:         v.GetInt("chunk_overlap"),
		MaxTopK:              v.GetInt("max_top_k"),
		MaxContextChars:      v.GetInt("max_context_chars"),
		RateLimitRPS:         v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:       v.GetInt("rate_limit_burst"),
		MaxBodyBytes:         v.GetInt64("max_body_bytes"),
		MaxUploadBytes:       v.GetInt64("max_upload_bytes"),
		MaxFileBytes:         v.GetInt64("max_file_bytes"),
		MaxFilesPerSync:      v.GetInt("max_files_per_sync"),
		InjectionMode:        InjectionMode(v.GetString("rag_injection_filter_mode")),
		InjectionThreshold:   v.GetFloat64("rag_injection_risk_threshold"),
		RerankEnabled:        v.GetBool("enable_rerank"),
		RerankMultiplier:     v.GetInt("rerank_candidate_multiplier"),
		RerankMaxCandidates:  v.GetInt("rerank_max_candidates"),
		HybridEnabled:        v.GetBool("enable_hybrid"),
		RetryMaxAttempts:     v.GetInt("retry_max_attempts"),
		RetryBaseDelay:       time.Duration(v.GetFloat64("retry_base_delay_seconds") * float64(time.Second)),
		RetryMaxDelay:        time.Duration(v.GetFloat64("retry_max_delay_seconds") * float64(time.Second)),
		WorkerCount:          v.GetInt("worker_count"),
		IngestTimeout:        time.Duration(v.GetInt("ingest_timeout_seconds")) * time.Second,
		PromptVersion:        v.GetString("prompt_version"),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
	}

	if raw := v.GetString("api_keys_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.APIKeys); err != nil {
			return nil, fmt.Errorf("config: API_KEYS_CONFIG is not valid JSON: %w", err)
		}
	}
	if raw := v.GetString("rbac_config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.RBACConfig); err != nil {
			return nil, fmt.Errorf("config: RBAC_CONFIG is not valid JSON: %w", err)
		}
	}
	if raw := v.GetString("connector_encryption_key"); raw != "" {
		key, err := decodeEncryptionKey(raw)
		if err != nil {
			return nil, err
		}
		cfg.ConnectorEncKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeEncryptionKey accepts a raw 32-byte key or its base64 encoding.
func decodeEncryptionKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("config: CONNECTOR_ENCRYPTION_KEY must be 32 bytes (raw or base64)")
}

// Validate checks cross-field rules and production hardening requirements.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: CHUNK_SIZE must be > 0, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("config: CHUNK_OVERLAP must satisfy 0 <= overlap < CHUNK_SIZE, got %d", c.ChunkOverlap)
	}
	if c.InjectionThreshold < 0 || c.InjectionThreshold > 1 {
		return fmt.Errorf("config: RAG_INJECTION_RISK_THRESHOLD must be in [0,1], got %g", c.InjectionThreshold)
	}
	switch c.InjectionMode {
	case InjectionOff, InjectionDownrank, InjectionExclude:
	default:
		return fmt.Errorf("config: RAG_INJECTION_FILTER_MODE must be one of off, downrank, exclude")
	}
	if !promptVersionRe.MatchString(c.PromptVersion) {
		return fmt.Errorf("config: PROMPT_VERSION must match v<digits>, got %q", c.PromptVersion)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: WORKER_COUNT must be >= 1")
	}
	if c.DBPoolMaxSize < c.DBPoolMinSize {
		return fmt.Errorf("config: DB_POOL_MAX_SIZE must be >= DB_POOL_MIN_SIZE")
	}
	if c.GoogleAPIKey == "" && !(c.FakeLLM && c.FakeEmbeddings) {
		return fmt.Errorf("config: GOOGLE_API_KEY is required unless FAKE_LLM=1 and FAKE_EMBEDDINGS=1")
	}
	if c.Production() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("config: JWT_SECRET must be at least 32 characters in production")
		}
		if !c.JWTCookieSecure {
			return fmt.Errorf("config: JWT_COOKIE_SECURE must be enabled in production")
		}
	}
	return nil
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// warnUnknown logs RAGCORE_-prefixed variables that no binding recognizes.
// Unknown keys are warnings, never errors.
func warnUnknown() {
	known := make(map[string]bool, len(bindings))
	for _, env := range bindings {
		known[env] = true
	}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "RAGCORE_") && !known[strings.TrimPrefix(name, "RAGCORE_")] {
			common.Logger.WithField("variable", name).Warn("unrecognized configuration variable")
		}
	}
}
