// Package config loads, validates and exposes the Control Layer's runtime
// configuration.
//
// Source: process environment only. There is no config file and no
// hot-reload; SIGHUP is ignored (see cmd/controllayer). Every field has a
// default so the process starts cleanly with an empty environment, short of
// the API keys required when API_KEY_ENABLED=true.
//
// Validation is aggregated, not fail-fast: Validate walks every field and
// collects every violation before returning, so an operator fixing a bad
// environment sees the whole list in one run instead of one error at a time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/modax/controllayer/internal/ratelimit"
)

// Config is the root configuration for the Control Layer middleware.
// It is built once at startup by Load and never mutated afterward.
type Config struct {
	Bus           BusConfig
	API           APIConfig
	Advisory      AdvisoryConfig
	Registry      RegistryConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	Observability ObservabilityConfig
	Audit         AuditConfig

	// DevInsecureTLS permits MQTT_TLS_INSECURE to take effect. Set via
	// CONTROLLAYER_DEV_INSECURE_TLS; absent in any real deployment.
	DevInsecureTLS bool
}

// BusConfig configures the MQTT bus client.
type BusConfig struct {
	BrokerHost  string
	BrokerPort  int
	Username    string
	Password    string
	UseTLS      bool
	CACerts     string
	CertFile    string
	KeyFile     string
	TLSInsecure bool
}

// APIConfig configures the HTTP bind address.
type APIConfig struct {
	Host string
	Port int
}

// AdvisoryConfig configures the advisory orchestrator and its HTTP client.
type AdvisoryConfig struct {
	Enabled  bool
	LayerURL string
	Timeout  time.Duration
}

// RegistryConfig configures windowing and the advisory tick cadence.
type RegistryConfig struct {
	AggregationWindow  time.Duration
	MaxDataPoints      int
	AIAnalysisInterval time.Duration
	DeviceOnlineTTL    time.Duration
}

// AuthConfig configures API-key authentication and its permission table.
type AuthConfig struct {
	Enabled       bool
	HMIKey        string
	MonitoringKey string
	AdminKey      string
}

// RateLimitConfig configures the token-bucket rate limiter.
type RateLimitConfig struct {
	Enabled bool
	Default string // e.g. "100/minute"
}

// CORSConfig configures the API's CORS middleware.
type CORSConfig struct {
	Origins          []string
	AllowCredentials bool
	AllowMethods     []string
	AllowHeaders     []string
}

// ObservabilityConfig configures logging.
type ObservabilityConfig struct {
	UseJSONLogs bool
	LogLevel    string
}

// AuditConfig configures the durable audit ledger (internal/audit).
type AuditConfig struct {
	LedgerPath    string
	RetentionDays int
}

// Load reads the environment into a Config and validates it. A non-nil error
// means the process must abort startup with a non-zero exit code.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := func(keys ...string) {
		for _, k := range keys {
			_ = v.BindEnv(k)
		}
	}
	bind(
		"MQTT_BROKER_HOST", "MQTT_BROKER_PORT", "MQTT_USERNAME", "MQTT_PASSWORD",
		"MQTT_USE_TLS", "MQTT_CA_CERTS", "MQTT_CERTFILE", "MQTT_KEYFILE", "MQTT_TLS_INSECURE",
		"API_HOST", "API_PORT",
		"AI_ENABLED", "AI_LAYER_URL", "AI_LAYER_TIMEOUT",
		"AGGREGATION_WINDOW_SECONDS", "MAX_DATA_POINTS", "AI_ANALYSIS_INTERVAL_SECONDS",
		"API_KEY_ENABLED", "HMI_API_KEY", "MONITORING_API_KEY", "ADMIN_API_KEY",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_DEFAULT",
		"CORS_ORIGINS", "CORS_ALLOW_CREDENTIALS", "CORS_ALLOW_METHODS", "CORS_ALLOW_HEADERS",
		"USE_JSON_LOGS", "LOG_LEVEL",
		"AUDIT_LEDGER_PATH", "AUDIT_RETENTION_DAYS",
		"CONTROLLAYER_DEV_INSECURE_TLS",
	)

	v.SetDefault("MQTT_BROKER_HOST", "localhost")
	v.SetDefault("MQTT_BROKER_PORT", 1883)
	v.SetDefault("MQTT_USE_TLS", false)
	v.SetDefault("MQTT_TLS_INSECURE", false)
	v.SetDefault("API_HOST", "0.0.0.0")
	v.SetDefault("API_PORT", 8080)
	v.SetDefault("AI_ENABLED", true)
	v.SetDefault("AI_LAYER_URL", "http://localhost:9000/analyze")
	v.SetDefault("AI_LAYER_TIMEOUT", 5)
	v.SetDefault("AGGREGATION_WINDOW_SECONDS", 10)
	v.SetDefault("MAX_DATA_POINTS", 1000)
	v.SetDefault("AI_ANALYSIS_INTERVAL_SECONDS", 60)
	v.SetDefault("API_KEY_ENABLED", false)
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_DEFAULT", "100/minute")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("CORS_ALLOW_METHODS", "GET,POST,OPTIONS")
	v.SetDefault("CORS_ALLOW_HEADERS", "Content-Type,X-API-Key")
	v.SetDefault("USE_JSON_LOGS", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUDIT_LEDGER_PATH", "./controllayer-audit.db")
	v.SetDefault("AUDIT_RETENTION_DAYS", 30)
	v.SetDefault("CONTROLLAYER_DEV_INSECURE_TLS", false)

	cfg := &Config{
		Bus: BusConfig{
			BrokerHost:  v.GetString("MQTT_BROKER_HOST"),
			BrokerPort:  v.GetInt("MQTT_BROKER_PORT"),
			Username:    v.GetString("MQTT_USERNAME"),
			Password:    v.GetString("MQTT_PASSWORD"),
			UseTLS:      v.GetBool("MQTT_USE_TLS"),
			CACerts:     v.GetString("MQTT_CA_CERTS"),
			CertFile:    v.GetString("MQTT_CERTFILE"),
			KeyFile:     v.GetString("MQTT_KEYFILE"),
			TLSInsecure: v.GetBool("MQTT_TLS_INSECURE"),
		},
		API: APIConfig{
			Host: v.GetString("API_HOST"),
			Port: v.GetInt("API_PORT"),
		},
		Advisory: AdvisoryConfig{
			Enabled:  v.GetBool("AI_ENABLED"),
			LayerURL: v.GetString("AI_LAYER_URL"),
			Timeout:  time.Duration(v.GetInt("AI_LAYER_TIMEOUT")) * time.Second,
		},
		Registry: RegistryConfig{
			AggregationWindow:  time.Duration(v.GetInt("AGGREGATION_WINDOW_SECONDS")) * time.Second,
			MaxDataPoints:      v.GetInt("MAX_DATA_POINTS"),
			AIAnalysisInterval: time.Duration(v.GetInt("AI_ANALYSIS_INTERVAL_SECONDS")) * time.Second,
			DeviceOnlineTTL:    30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:       v.GetBool("API_KEY_ENABLED"),
			HMIKey:        v.GetString("HMI_API_KEY"),
			MonitoringKey: v.GetString("MONITORING_API_KEY"),
			AdminKey:      v.GetString("ADMIN_API_KEY"),
		},
		RateLimit: RateLimitConfig{
			Enabled: v.GetBool("RATE_LIMIT_ENABLED"),
			Default: v.GetString("RATE_LIMIT_DEFAULT"),
		},
		CORS: CORSConfig{
			Origins:          splitCSV(v.GetString("CORS_ORIGINS")),
			AllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
			AllowMethods:     splitCSV(v.GetString("CORS_ALLOW_METHODS")),
			AllowHeaders:     splitCSV(v.GetString("CORS_ALLOW_HEADERS")),
		},
		Observability: ObservabilityConfig{
			UseJSONLogs: v.GetBool("USE_JSON_LOGS"),
			LogLevel:    v.GetString("LOG_LEVEL"),
		},
		Audit: AuditConfig{
			LedgerPath:    v.GetString("AUDIT_LEDGER_PATH"),
			RetentionDays: v.GetInt("AUDIT_RETENTION_DAYS"),
		},
		DevInsecureTLS: v.GetBool("CONTROLLAYER_DEV_INSECURE_TLS"),
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every field for correctness and returns a single error
// describing every violation found, or nil if the config is valid.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Bus.BrokerPort < 1 || cfg.Bus.BrokerPort > 65535 {
		errs = append(errs, fmt.Sprintf("MQTT_BROKER_PORT must be in [1, 65535], got %d", cfg.Bus.BrokerPort))
	}
	if cfg.Bus.TLSInsecure && !cfg.DevInsecureTLS {
		errs = append(errs, "MQTT_TLS_INSECURE requires CONTROLLAYER_DEV_INSECURE_TLS=true")
	}

	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("API_PORT must be in [1, 65535], got %d", cfg.API.Port))
	}

	if cfg.Advisory.Enabled {
		if cfg.Advisory.LayerURL == "" {
			errs = append(errs, "AI_LAYER_URL must be set when AI_ENABLED=true")
		}
		if cfg.Advisory.Timeout < time.Second || cfg.Advisory.Timeout > 60*time.Second {
			errs = append(errs, fmt.Sprintf("AI_LAYER_TIMEOUT must be in [1, 60] seconds, got %s", cfg.Advisory.Timeout))
		}
	}

	if w := cfg.Registry.AggregationWindow; w < time.Second || w > 600*time.Second {
		errs = append(errs, fmt.Sprintf("AGGREGATION_WINDOW_SECONDS must be in [1, 600], got %s", w))
	}
	if n := cfg.Registry.MaxDataPoints; n < 10 || n > 100000 {
		errs = append(errs, fmt.Sprintf("MAX_DATA_POINTS must be in [10, 100000], got %d", n))
	}
	if iv := cfg.Registry.AIAnalysisInterval; iv < 5*time.Second || iv > 3600*time.Second {
		errs = append(errs, fmt.Sprintf("AI_ANALYSIS_INTERVAL_SECONDS must be in [5, 3600], got %s", iv))
	}

	if cfg.Auth.Enabled {
		keys := map[string]string{
			"HMI_API_KEY":        cfg.Auth.HMIKey,
			"MONITORING_API_KEY": cfg.Auth.MonitoringKey,
			"ADMIN_API_KEY":      cfg.Auth.AdminKey,
		}
		anySet := false
		for name, key := range keys {
			if key == "" {
				continue
			}
			anySet = true
			if len(key) < 32 {
				errs = append(errs, fmt.Sprintf("%s must be >= 32 characters when set, got %d", name, len(key)))
			}
		}
		if !anySet {
			errs = append(errs, "at least one of HMI_API_KEY, MONITORING_API_KEY, ADMIN_API_KEY is required when API_KEY_ENABLED=true")
		}
	}

	if cfg.RateLimit.Enabled {
		if _, _, err := ratelimit.ParseRate(cfg.RateLimit.Default); err != nil {
			errs = append(errs, fmt.Sprintf("RATE_LIMIT_DEFAULT invalid: %v", err))
		}
	}

	switch strings.ToLower(cfg.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.Observability.LogLevel))
	}

	if cfg.Audit.LedgerPath == "" {
		errs = append(errs, "AUDIT_LEDGER_PATH must not be empty")
	}
	if cfg.Audit.RetentionDays < 1 || cfg.Audit.RetentionDays > 3650 {
		errs = append(errs, fmt.Sprintf("AUDIT_RETENTION_DAYS must be in [1, 3650], got %d", cfg.Audit.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

