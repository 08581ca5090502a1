package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener and request handling.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"` // development, production
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	StrictDecoding  bool          `mapstructure:"strict_decoding"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SessionSecret   string        `mapstructure:"session_secret"`
}

// Production reports whether the server runs in production mode.
func (c ServerConfig) Production() bool {
	return c.Env == "production"
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProviderConfig configures one upstream LLM provider.
type ProviderConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProvidersConfig holds the five known provider slots.
type ProvidersConfig struct {
	Claude      ProviderConfig `mapstructure:"claude"`
	ChatGPT     ProviderConfig `mapstructure:"chatgpt"`
	Gemini      ProviderConfig `mapstructure:"gemini"`
	OllamaLocal ProviderConfig `mapstructure:"ollama_local"`
	OllamaCloud ProviderConfig `mapstructure:"ollama_cloud"`
	PricesPath  string         `mapstructure:"prices_path"`
}

// SessionConfig configures session and device lifecycle.
type SessionConfig struct {
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	DeviceTTL          time.Duration `mapstructure:"device_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	MaxToolIterations  int           `mapstructure:"max_tool_iterations"`
	MaxContextMessages int           `mapstructure:"max_context_messages"`
}

// RateLimitConfig configures the per-identity limiter.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
	TokenWindow time.Duration `mapstructure:"token_window"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxSizeMB  int           `mapstructure:"max_size_mb"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// VaultConfig configures the secrets vault.
type VaultConfig struct {
	Dir string `mapstructure:"dir"`
}

// CaptureConfig configures the capture bus.
type CaptureConfig struct {
	StorageDir    string        `mapstructure:"storage_dir"`
	FlushSize     int           `mapstructure:"flush_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AuditConfig configures the JSONL audit log.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration: defaults, then optional config.yaml, then the
// documented environment surface (plain variable names, no prefix).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	bindEnv(v)

	// Raw env values that need unit conversion before the typed unmarshal.
	if ms := v.GetInt("api_timeout_ms_raw"); ms > 0 {
		v.Set("server.request_timeout", fmt.Sprintf("%dms", ms))
	}
	if hours := v.GetInt("cache_expiration_hours_raw"); hours > 0 {
		v.Set("cache.expiration", fmt.Sprintf("%dh", hours))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("allowed_origins_raw"); origins != "" {
		cfg.Server.AllowedOrigins = splitOrigins(origins)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 10*1024*1024)
	v.SetDefault("server.strict_decoding", false)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("providers.claude.model", "claude-sonnet-4-5")
	v.SetDefault("providers.claude.base_url", "https://api.anthropic.com")
	v.SetDefault("providers.claude.timeout", "60s")
	v.SetDefault("providers.chatgpt.model", "gpt-4o-mini")
	v.SetDefault("providers.chatgpt.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.chatgpt.timeout", "60s")
	v.SetDefault("providers.gemini.model", "gemini-2.0-flash")
	v.SetDefault("providers.gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("providers.gemini.timeout", "60s")
	v.SetDefault("providers.ollama_local.model", "llama3.2")
	v.SetDefault("providers.ollama_local.base_url", "http://localhost:11434")
	v.SetDefault("providers.ollama_local.timeout", "120s")
	v.SetDefault("providers.ollama_cloud.base_url", "")
	v.SetDefault("providers.ollama_cloud.model", "llama3.2")
	v.SetDefault("providers.ollama_cloud.timeout", "120s")
	v.SetDefault("providers.prices_path", "configs/prices.yaml")

	v.SetDefault("session.session_ttl", "2h")
	v.SetDefault("session.device_ttl", "24h")
	v.SetDefault("session.sweep_interval", "5m")
	v.SetDefault("session.max_tool_iterations", 8)
	v.SetDefault("session.max_context_messages", 10)

	v.SetDefault("rate_limit.max_requests", 100)
	v.SetDefault("rate_limit.window", "60s")
	v.SetDefault("rate_limit.max_tokens", 1000000)
	v.SetDefault("rate_limit.token_window", "1h")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size_mb", 100)
	v.SetDefault("cache.expiration", "24h")

	v.SetDefault("vault.dir", ".secrets")

	v.SetDefault("capture.storage_dir", "capture-sessions")
	v.SetDefault("capture.flush_size", 100)
	v.SetDefault("capture.flush_interval", "10s")

	v.SetDefault("audit.path", "audit.log")
}

// bindEnv wires the documented startup environment variables. Bare names,
// matching what deployments already export.
func bindEnv(v *viper.Viper) {
	bind := func(key string, envs ...string) {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}

	bind("server.port", "PORT")
	bind("server.host", "HOST")
	bind("server.env", "ENV", "NODE_ENV")
	bind("allowed_origins_raw", "ALLOWED_ORIGINS")
	bind("server.session_secret", "SESSION_SECRET")
	bind("api_timeout_ms_raw", "API_TIMEOUT")

	bind("providers.claude.api_key", "ANTHROPIC_API_KEY")
	bind("providers.claude.model", "CLAUDE_MODEL")
	bind("providers.chatgpt.api_key", "OPENAI_API_KEY")
	bind("providers.chatgpt.model", "OPENAI_MODEL")
	bind("providers.gemini.api_key", "GOOGLE_API_KEY")
	bind("providers.gemini.model", "GEMINI_MODEL")
	bind("providers.ollama_local.base_url", "OLLAMA_LOCAL_URL")
	bind("providers.ollama_local.model", "OLLAMA_LOCAL_MODEL")
	bind("providers.ollama_cloud.base_url", "OLLAMA_CLOUD_URL")
	bind("providers.ollama_cloud.api_key", "OLLAMA_CLOUD_API_KEY")

	bind("cache.enabled", "CHAT_OPTIMIZER_ENABLED")
	bind("cache.max_size_mb", "OPTIMIZER_MAX_CACHE_MB")
	bind("cache_expiration_hours_raw", "OPTIMIZER_CACHE_EXPIRATION_HOURS")
	bind("session.max_context_messages", "OPTIMIZER_MAX_CONTEXT_MESSAGES")
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
