package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"lmsguard/proctor"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override.
const EnvPrefix = "LMSGUARD"

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Route mounts one upstream path prefix behind the security pipeline.
type Route struct {
	Prefix    string `mapstructure:"prefix" validate:"required,startswith=/"`
	CSRF      bool   `mapstructure:"csrf"`
	Proctored bool   `mapstructure:"proctored"`
}

// Config holds all configuration for the lmsguard service
type Config struct {
	Environment string `mapstructure:"environment" validate:"oneof=development production test"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"log"`

	API struct {
		Port                 int           `mapstructure:"port" validate:"min=1,max=65535"`
		TLS                  bool          `mapstructure:"tls"`
		CertFile             string        `mapstructure:"cert_file"`
		KeyFile              string        `mapstructure:"key_file"`
		AllowedOrigins       []string      `mapstructure:"allowed_origins"`
		TrustProxy           bool          `mapstructure:"trust_proxy"`
		TrustedProxyNetworks []string      `mapstructure:"trusted_proxy_networks"`
		BodyLimit            int64         `mapstructure:"body_limit" validate:"gt=0"`
		ReadHeaderTimeout    time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
		ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	} `mapstructure:"api"`

	CSRF struct {
		TokenTTL      time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
		SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
		Shards        int           `mapstructure:"shards" validate:"min=1,max=4096"`
	} `mapstructure:"csrf"`

	RateLimit struct {
		Limit           int           `mapstructure:"limit" validate:"gt=0"`
		Window          time.Duration `mapstructure:"window" validate:"gt=0"`
		Shards          int           `mapstructure:"shards" validate:"min=1,max=4096"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
		Redis           struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db" validate:"min=0"`
			PoolSize int    `mapstructure:"pool_size" validate:"min=1"`
			// BreakerFailures consecutive errors send traffic to the in-memory limiter
			// for BreakerCooldown.
			BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"min=1"`
			BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
		} `mapstructure:"redis"`
	} `mapstructure:"rate_limit"`

	Proctoring struct {
		UserAgentMarker string             `mapstructure:"user_agent_marker" validate:"required"`
		LoopbackBypass  bool               `mapstructure:"loopback_bypass"`
		DenyMessage     string             `mapstructure:"deny_message" validate:"required"`
		SEB             proctor.SEBOptions `mapstructure:"seb"`
	} `mapstructure:"proctoring"`

	Audit struct {
		Enabled          bool     `mapstructure:"enabled"`
		CriticalPrefixes []string `mapstructure:"critical_prefixes" validate:"dive,startswith=/"`
		CriticalMethods  []string `mapstructure:"critical_methods" validate:"dive,oneof=POST PUT PATCH DELETE"`
		BufferSize       int      `mapstructure:"buffer_size" validate:"gt=0"`
	} `mapstructure:"audit"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Gateway struct {
		UpstreamURL string  `mapstructure:"upstream_url" validate:"omitempty,url"`
		Routes      []Route `mapstructure:"routes" validate:"dive"`
	} `mapstructure:"gateway"`
}

// IsProduction reports whether cookies must be marked Secure.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("api.port", 3001)
	v.SetDefault("api.tls", false)
	v.SetDefault("api.cert_file", "server.crt")
	v.SetDefault("api.key_file", "server.key")
	v.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.trusted_proxy_networks", []string{})
	v.SetDefault("api.body_limit", 1<<20)
	v.SetDefault("api.read_header_timeout", 10*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)

	v.SetDefault("csrf.token_ttl", time.Hour)
	v.SetDefault("csrf.sweep_interval", 10*time.Minute)
	v.SetDefault("csrf.shards", 32)

	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", 15*time.Minute)
	v.SetDefault("rate_limit.shards", 32)
	v.SetDefault("rate_limit.cleanup_interval", time.Minute)
	v.SetDefault("rate_limit.redis.enabled", false)
	v.SetDefault("rate_limit.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.redis.password", "")
	v.SetDefault("rate_limit.redis.db", 0)
	v.SetDefault("rate_limit.redis.pool_size", 10)
	v.SetDefault("rate_limit.redis.breaker_failures", 5)
	v.SetDefault("rate_limit.redis.breaker_cooldown", 30*time.Second)

	seb := proctor.DefaultSEBOptions()
	v.SetDefault("proctoring.user_agent_marker", proctor.DefaultUserAgentMarker)
	v.SetDefault("proctoring.deny_message", proctor.DefaultDenyMessage)
	v.SetDefault("proctoring.seb.start_url", seb.StartURL)
	v.SetDefault("proctoring.seb.quit_url", seb.QuitURL)
	v.SetDefault("proctoring.seb.allowed_urls", seb.AllowedURLs)
	v.SetDefault("proctoring.seb.blocked_processes", seb.BlockedProcesses)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.critical_prefixes", []string{"/api/auth/login", "/api/courses", "/api/exams"})
	v.SetDefault("audit.critical_methods", []string{"POST", "PUT", "DELETE"})
	v.SetDefault("audit.buffer_size", 1024)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("gateway.upstream_url", "")
	v.SetDefault("gateway.routes", []map[string]interface{}{
		{"prefix": "/api/auth", "csrf": false, "proctored": false},
		{"prefix": "/api/courses", "csrf": true, "proctored": false},
		{"prefix": "/api/exams", "csrf": true, "proctored": false},
		{"prefix": "/api/proctoring", "csrf": true, "proctored": true},
	})
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets and deployment switches get short explicit names
	_ = v.BindEnv("auth.jwt_secret", "LMSGUARD_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("environment", "LMSGUARD_ENV")
	_ = v.BindEnv("rate_limit.redis.addr", "LMSGUARD_REDIS_ADDR")
	_ = v.BindEnv("rate_limit.redis.password", "LMSGUARD_REDIS_PASSWORD")
	_ = v.BindEnv("gateway.upstream_url", "LMSGUARD_UPSTREAM_URL")
}

// LoadConfig loads configuration from file and environment variables.
// An empty path searches for config.yaml in . and ./config.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file, defaults and env vars only
	}

	// The loopback bypass trusts the Host header, so production opts in explicitly.
	v.SetDefault("proctoring.loopback_bypass", v.GetString("environment") != EnvProduction)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// Validate runs struct tag validation followed by cross-field checks.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return validateConfig(c)
}

func validateConfig(config *Config) error {
	if config.CSRF.SweepInterval > config.CSRF.TokenTTL {
		return fmt.Errorf("csrf sweep_interval (%s) must not exceed token_ttl (%s)",
			config.CSRF.SweepInterval, config.CSRF.TokenTTL)
	}

	if config.RateLimit.Redis.Enabled {
		if _, _, err := net.SplitHostPort(config.RateLimit.Redis.Addr); err != nil {
			return fmt.Errorf("invalid redis addr %q: %w", config.RateLimit.Redis.Addr, err)
		}
	}

	if config.API.TLS && (config.API.CertFile == "" || config.API.KeyFile == "") {
		return fmt.Errorf("api tls requires cert_file and key_file")
	}

	for _, network := range config.API.TrustedProxyNetworks {
		if !isValidIPOrCIDR(network) {
			return fmt.Errorf("invalid trusted proxy network: %s", network)
		}
	}
	if config.API.TrustProxy && len(config.API.TrustedProxyNetworks) == 0 {
		return fmt.Errorf("api trust_proxy requires at least one trusted_proxy_networks entry")
	}

	if config.Auth.JWTSecret != "" && len(config.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters (256 bits) for security")
	}
	if config.IsProduction() && config.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required in production")
	}

	seen := make(map[string]bool, len(config.Gateway.Routes))
	for _, r := range config.Gateway.Routes {
		if seen[r.Prefix] {
			return fmt.Errorf("duplicate gateway route prefix: %s", r.Prefix)
		}
		seen[r.Prefix] = true
	}

	return nil
}

func isValidIPOrCIDR(ipStr string) bool {
	if strings.Contains(ipStr, "/") {
		_, _, err := net.ParseCIDR(ipStr)
		return err == nil
	}
	return net.ParseIP(ipStr) != nil
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s: failed %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value()))
		} else {
			messages = append(messages, fmt.Sprintf("%s: failed %s", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
