package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the process configuration, loaded from KEYROUTER_* environment
// variables.
type Config struct {
	ListenAddr string
	LogLevel   string

	// StoreBackend selects persistence: "sqlite" or "memory".
	StoreBackend string
	DBDSN        string

	// MasterKey derives the AES key that encrypts stored key material.
	MasterKey string

	// Zero values fall back to component defaults.
	DefaultCooldownSecs int
	QuotaCooldownSecs   int
	PredictionTTLSecs   int
	MaxDecisions        int
	MaxTransitions      int

	// MaintenanceIntervalSecs drives the in-process sweep (key recovery,
	// budget resets) when Temporal is disabled.
	MaintenanceIntervalSecs int

	// Providers lists the adapter ids to register at startup.
	Providers        []string
	OpenAIBaseURL    string
	AnthropicBaseURL string

	MaxRouteAttempts int

	RateLimitRPS   int
	RateLimitBurst int

	CORSOrigins []string

	// Idempotency replay cache for POST /v1/route.
	IdempotencyTTLSecs int
	IdempotencyMaxKeys int

	TracingEnabled  bool
	TracingEndpoint string

	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

// LoadConfig reads the environment and validates the result.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("KEYROUTER_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("KEYROUTER_LOG_LEVEL", "info"),

		StoreBackend: getEnv("KEYROUTER_STORE", "sqlite"),
		DBDSN:        getEnv("KEYROUTER_DB_DSN", "file:/data/keyrouter.sqlite"),

		MasterKey: os.Getenv("KEYROUTER_MASTER_KEY"),

		DefaultCooldownSecs: getEnvInt("KEYROUTER_DEFAULT_COOLDOWN_SECS", 0),
		QuotaCooldownSecs:   getEnvInt("KEYROUTER_QUOTA_COOLDOWN_SECS", 0),
		PredictionTTLSecs:   getEnvInt("KEYROUTER_PREDICTION_TTL_SECS", 0),
		MaxDecisions:        getEnvInt("KEYROUTER_MAX_DECISIONS", 0),
		MaxTransitions:      getEnvInt("KEYROUTER_MAX_TRANSITIONS", 0),

		MaintenanceIntervalSecs: getEnvInt("KEYROUTER_MAINTENANCE_INTERVAL_SECS", 60),

		Providers:        getEnvStringSlice("KEYROUTER_PROVIDERS", []string{"openai", "anthropic"}),
		OpenAIBaseURL:    getEnv("KEYROUTER_OPENAI_BASE_URL", ""),
		AnthropicBaseURL: getEnv("KEYROUTER_ANTHROPIC_BASE_URL", ""),

		MaxRouteAttempts: getEnvInt("KEYROUTER_MAX_ROUTE_ATTEMPTS", 3),

		RateLimitRPS:   getEnvInt("KEYROUTER_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("KEYROUTER_RATE_LIMIT_BURST", 120),

		CORSOrigins: getEnvStringSlice("KEYROUTER_CORS_ORIGINS", nil),

		IdempotencyTTLSecs: getEnvInt("KEYROUTER_IDEMPOTENCY_TTL_SECS", 300),
		IdempotencyMaxKeys: getEnvInt("KEYROUTER_IDEMPOTENCY_MAX_KEYS", 10000),

		TracingEnabled:  getEnvBool("KEYROUTER_OTEL_ENABLED", false),
		TracingEndpoint: getEnv("KEYROUTER_OTEL_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("KEYROUTER_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("KEYROUTER_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("KEYROUTER_TEMPORAL_NAMESPACE", "keyrouter"),
		TemporalTaskQueue: getEnv("KEYROUTER_TEMPORAL_TASK_QUEUE", "keyrouter-tasks"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings. The master
// key itself is never included in any error message.
func (c Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("KEYROUTER_MASTER_KEY must be set")
	}
	switch c.StoreBackend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("KEYROUTER_STORE must be sqlite or memory, got %q", c.StoreBackend)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("KEYROUTER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("KEYROUTER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.MaxRouteAttempts < 2 {
		return fmt.Errorf("KEYROUTER_MAX_ROUTE_ATTEMPTS must be >= 2, got %d", c.MaxRouteAttempts)
	}
	if c.IdempotencyTTLSecs <= 0 {
		return fmt.Errorf("KEYROUTER_IDEMPOTENCY_TTL_SECS must be > 0, got %d", c.IdempotencyTTLSecs)
	}
	if c.MaintenanceIntervalSecs <= 0 {
		return fmt.Errorf("KEYROUTER_MAINTENANCE_INTERVAL_SECS must be > 0, got %d", c.MaintenanceIntervalSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
