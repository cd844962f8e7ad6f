package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	LogLevel       string
	Port           string
	DatabaseURL    string
	DBAutoMigrate  bool
	DBMaxConns     int
	JWTSecret      string
	StoragePath    string
	StorageBaseURL string
	QueuePath      string
	GeoIPDBPath    string
	CORSOrigins    []string

	CompletionProvider string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiImageModel   string
	AnthropicAPIKey    string
	AnthropicModel     string
	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIBaseURL      string
	OpenAIOrg          string
	TrendsURL          string
	ProviderTimeout    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int

	WorkerEnabled      bool
	WorkerPollInterval time.Duration
	LeaseDuration      time.Duration

	StreamPollInterval time.Duration
	StreamMaxLifetime  time.Duration
	StreamGrace        time.Duration

	ReconcileSchedule   string
	OrphanGrace         time.Duration
	OrphanFailAfter     time.Duration
	QueueRetentionCount int

	TokensPerCredit int
	KindsConfigPath string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBAutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),
		DBMaxConns:    getEnvInt("DB_MAX_CONNS", 20),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		StoragePath:   getEnv("STORAGE_PATH", "./storage"),
		QueuePath:     getEnv("QUEUE_PATH", "./data/queue"),
		GeoIPDBPath:   os.Getenv("GEOIP_DB_PATH"),
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),

		CompletionProvider: strings.ToLower(getEnv("COMPLETION_PROVIDER", "gemini")),
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiImageModel:   getEnv("GEMINI_IMAGE_MODEL", "imagen-3.0-generate-002"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:     getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrg:          os.Getenv("OPENAI_ORG"),
		TrendsURL:          os.Getenv("TRENDS_URL"),
		ProviderTimeout:    time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 90)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerPollInterval: time.Millisecond * time.Duration(getEnvInt("WORKER_POLL_INTERVAL_MS", 1000)),
		LeaseDuration:      time.Second * time.Duration(getEnvInt("QUEUE_LEASE_SECONDS", 60)),

		StreamPollInterval: time.Millisecond * time.Duration(getEnvInt("STREAM_POLL_INTERVAL_MS", 1000)),
		StreamMaxLifetime:  time.Second * time.Duration(getEnvInt("STREAM_MAX_LIFETIME_SECONDS", 600)),
		StreamGrace:        time.Second * time.Duration(getEnvInt("STREAM_QUEUE_GRACE_SECONDS", 10)),

		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", "@every 1m"),
		OrphanGrace:         time.Second * time.Duration(getEnvInt("ORPHAN_GRACE_SECONDS", 60)),
		OrphanFailAfter:     time.Second * time.Duration(getEnvInt("ORPHAN_FAIL_AFTER_SECONDS", 3600)),
		QueueRetentionCount: getEnvInt("QUEUE_RETENTION_COUNT", 1000),

		TokensPerCredit: getEnvInt("TOKENS_PER_CREDIT", 1000),
		KindsConfigPath: os.Getenv("KINDS_CONFIG_PATH"),
	}

	cfg.StorageBaseURL = strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+cfg.Port+"/static"), "/")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.TokensPerCredit <= 0 {
		return nil, fmt.Errorf("TOKENS_PER_CREDIT must be positive")
	}

	switch cfg.CompletionProvider {
	case "gemini", "anthropic", "openai", "static":
	default:
		return nil, fmt.Errorf("unsupported COMPLETION_PROVIDER %q", cfg.CompletionProvider)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
