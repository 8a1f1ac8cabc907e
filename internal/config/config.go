package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gate CLI.
type Config struct {
	ChannelURL  string `yaml:"channel_url"`
	APIURL      string `yaml:"api_url"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	MetricsAddr string `yaml:"metrics_addr"`
	Operator    string `yaml:"operator"`
	LogLevel    string `yaml:"log_level"`

	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectJitter      time.Duration `yaml:"reconnect_jitter"`

	PollApprovals time.Duration `yaml:"poll_approvals"`
	PollHistory   time.Duration `yaml:"poll_history"`
	PollDecisions time.Duration `yaml:"poll_decisions"`
	PollTelemetry time.Duration `yaml:"poll_telemetry"`

	APIRate     float64       `yaml:"api_rate"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	DecisionCap   int `yaml:"decision_cap"`
	ApprovalCap   int `yaml:"approval_cap"`
	PatternCap    int `yaml:"pattern_cap"`
	DeploymentCap int `yaml:"deployment_cap"`
	AlertCap      int `yaml:"alert_cap"`
	EventCap      int `yaml:"event_cap"`
	AuditCap      int `yaml:"audit_cap"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ChannelURL:           "ws://localhost:8000/ws",
		APIURL:               "http://localhost:8000",
		Operator:             os.Getenv("USER"),
		LogLevel:             "info",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		PollApprovals:        2 * time.Second,
		PollHistory:          5 * time.Second,
		PollDecisions:        3 * time.Second,
		PollTelemetry:        time.Second,
		APIRate:              20,
		HTTPTimeout:          10 * time.Second,
		DecisionCap:          50,
		ApprovalCap:          50,
		PatternCap:           20,
		DeploymentCap:        15,
		AlertCap:             20,
		EventCap:             10,
		AuditCap:             10000,
	}
}

// Load reads configuration from an optional YAML file named by
// GATE_CONFIG_FILE, then applies environment variable overrides.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("GATE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ChannelURL = getEnv("GATE_CHANNEL_URL", cfg.ChannelURL)
	cfg.APIURL = getEnv("GATE_API_URL", cfg.APIURL)
	cfg.DatabaseURL = getEnv("GATE_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("GATE_REDIS_URL", cfg.RedisURL)
	cfg.MetricsAddr = getEnv("GATE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Operator = getEnv("GATE_OPERATOR", cfg.Operator)
	cfg.LogLevel = getEnv("GATE_LOG_LEVEL", cfg.LogLevel)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	collect(envInt("GATE_MAX_RECONNECT_ATTEMPTS", &cfg.MaxReconnectAttempts))
	collect(envDuration("GATE_RECONNECT_DELAY", &cfg.ReconnectDelay))
	collect(envDuration("GATE_RECONNECT_JITTER", &cfg.ReconnectJitter))
	collect(envDuration("GATE_POLL_APPROVALS", &cfg.PollApprovals))
	collect(envDuration("GATE_POLL_HISTORY", &cfg.PollHistory))
	collect(envDuration("GATE_POLL_DECISIONS", &cfg.PollDecisions))
	collect(envDuration("GATE_POLL_TELEMETRY", &cfg.PollTelemetry))
	collect(envFloat("GATE_API_RATE", &cfg.APIRate))
	collect(envDuration("GATE_HTTP_TIMEOUT", &cfg.HTTPTimeout))
	collect(envInt("GATE_DECISION_CAP", &cfg.DecisionCap))
	collect(envInt("GATE_APPROVAL_CAP", &cfg.ApprovalCap))
	collect(envInt("GATE_PATTERN_CAP", &cfg.PatternCap))
	collect(envInt("GATE_DEPLOYMENT_CAP", &cfg.DeploymentCap))
	collect(envInt("GATE_ALERT_CAP", &cfg.AlertCap))
	collect(envInt("GATE_EVENT_CAP", &cfg.EventCap))
	collect(envInt("GATE_AUDIT_CAP", &cfg.AuditCap))
	if len(errs) > 0 {
		return nil, errs[0]
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	if c.ChannelURL == "" {
		return fmt.Errorf("channel URL is required (GATE_CHANNEL_URL)")
	}
	if c.APIURL == "" {
		return fmt.Errorf("API URL is required (GATE_API_URL)")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	for name, d := range map[string]time.Duration{
		"poll_approvals": c.PollApprovals,
		"poll_history":   c.PollHistory,
		"poll_decisions": c.PollDecisions,
		"poll_telemetry": c.PollTelemetry,
	} {
		if d <= 0 {
			return fmt.Errorf("%s interval must be positive, got %s", name, d)
		}
	}
	if c.AuditCap < c.ApprovalCap {
		return fmt.Errorf("audit cap (%d) must not be smaller than approval cap (%d)", c.AuditCap, c.ApprovalCap)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}
