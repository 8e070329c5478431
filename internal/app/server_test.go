package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testConfig() Config {
	return Config{
		ListenAddr:         ":0",
		LogLevel:           "error",
		StoreBackend:       "memory",
		MasterKey:          "app-test-secret",
		Providers:          []string{"openai", "anthropic"},
		MaxRouteAttempts:   3,
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		IdempotencyTTLSecs: 60,
		IdempotencyMaxKeys: 100,

		MaintenanceIntervalSecs: 60,
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing master key", func(c *Config) { c.MasterKey = "" }, false},
		{"bad store backend", func(c *Config) { c.StoreBackend = "postgres" }, false},
		{"zero rate limit", func(c *Config) { c.RateLimitRPS = 0 }, false},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, false},
		{"single attempt", func(c *Config) { c.MaxRouteAttempts = 1 }, false},
		{"zero idempotency ttl", func(c *Config) { c.IdempotencyTTLSecs = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KEYROUTER_MASTER_KEY", "env-secret")
	t.Setenv("KEYROUTER_STORE", "memory")
	t.Setenv("KEYROUTER_LISTEN_ADDR", ":9999")
	t.Setenv("KEYROUTER_PROVIDERS", "openai")
	t.Setenv("KEYROUTER_RATE_LIMIT_RPS", "7")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0] != "openai" {
		t.Errorf("Providers = %v", cfg.Providers)
	}
	if cfg.RateLimitRPS != 7 {
		t.Errorf("RateLimitRPS = %d", cfg.RateLimitRPS)
	}
}

func TestLoadConfigRequiresMasterKey(t *testing.T) {
	t.Setenv("KEYROUTER_MASTER_KEY", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig without a master key should fail")
	}
}

func TestNewServerAssemblesAndServes(t *testing.T) {
	s, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/providers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/v1/providers status = %d", rec.Code)
	}
	var body struct {
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(body.Providers) != 2 {
		t.Errorf("providers = %v, want openai and anthropic", body.Providers)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", rec.Code)
	}
}

func TestNewServerRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Providers = []string{"mystery"}
	if _, err := NewServer(cfg); err == nil {
		t.Fatal("unknown provider should fail assembly")
	}
}

func TestServerPoliciesExposed(t *testing.T) {
	s, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if s.Policies() == nil {
		t.Fatal("Policies() returned nil")
	}
}
