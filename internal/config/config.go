package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full runtime configuration. Values load from YAML first;
// OCX_* environment variables override the fields that carry secrets or
// differ per deployment.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Events       EventsConfig       `yaml:"events"`
	Policies     PoliciesConfig     `yaml:"policies"`
	Compliance   ComplianceConfig   `yaml:"compliance"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// StoreConfig selects the state store backend. Driver is one of "memory",
// "file", or "supabase"; the supabase driver reads its credentials from the
// environment.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	FileRoot     string `yaml:"file_root"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs"`
}

// IdempotencyConfig selects the ledger backend ("memory", "redis",
// "postgres") and its record lifetimes.
type IdempotencyConfig struct {
	Backend        string `yaml:"backend"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	Prefix         string `yaml:"prefix"`
	DefaultTTLSecs int    `yaml:"default_ttl_secs"`
	LockTTLSecs    int    `yaml:"lock_ttl_secs"`
	Fingerprinting bool   `yaml:"fingerprinting"`
}

type ApprovalConfig struct {
	Secret          string `yaml:"secret"`
	RequestTTLSecs  int    `yaml:"request_ttl_secs"`
	TokenTTLSecs    int    `yaml:"token_ttl_secs"`
	AutoApproveZone string `yaml:"auto_approve_zone"`
	SingleUse       bool   `yaml:"single_use"`
}

type OrchestratorConfig struct {
	Environment      string  `yaml:"environment"`
	MaxTokens        int     `yaml:"max_tokens"`
	MaxCostUSD       float64 `yaml:"max_cost_usd"`
	MaxToolCalls     int     `yaml:"max_tool_calls"`
	CompletionGate   string  `yaml:"completion_gate"`
	RetentionHours   int     `yaml:"retention_hours"`
	CleanupSchedule  string  `yaml:"cleanup_schedule"`
	AutoSaveSecs     int     `yaml:"auto_save_secs"`
	PolicyChecksOn   bool    `yaml:"policy_checks"`
	PolicyDirectory  string  `yaml:"policy_directory"`
}

// WebhookProviderConfig configures one inbound webhook route.
type WebhookProviderConfig struct {
	Provider        string `yaml:"provider"`
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	Prefix          string `yaml:"prefix"`
	Algorithm       string `yaml:"algorithm"`
	Encoding        string `yaml:"encoding"`
	TimestampHeader string `yaml:"timestamp_header"`
	MaxAgeSecs      int    `yaml:"max_age_secs"`
	// BasicUser/BasicPassword back the Sinch SMS and Voice schemes.
	BasicUser     string `yaml:"basic_user"`
	BasicPassword string `yaml:"basic_password"`
}

type WebhooksConfig struct {
	RedisAddr string                  `yaml:"redis_addr"`
	Providers []WebhookProviderConfig `yaml:"providers"`
}

type EventsConfig struct {
	Backend       string `yaml:"backend"` // "memory" or "pubsub"
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type PoliciesConfig struct {
	Directory string `yaml:"directory"`
}

// ComplianceConfig switches the regulation gates on and narrows which
// regulations apply to tool execution. An empty list runs every registered
// gate.
type ComplianceConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Regulations []string `yaml:"regulations"`
}

// Load reads the YAML file, fills defaults, and applies environment
// overrides. A missing file yields the defaults alone.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Store:  StoreConfig{Driver: "memory", CacheTTLSecs: 5},
		Idempotency: IdempotencyConfig{
			Backend:        "memory",
			Prefix:         "ocx",
			DefaultTTLSecs: 24 * 3600,
			LockTTLSecs:    30,
			Fingerprinting: true,
		},
		Approval: ApprovalConfig{
			RequestTTLSecs:  3600,
			TokenTTLSecs:    900,
			AutoApproveZone: "green",
			SingleUse:       true,
		},
		Orchestrator: OrchestratorConfig{
			Environment:     "production",
			MaxTokens:       200000,
			MaxCostUSD:      10,
			MaxToolCalls:    50,
			RetentionHours:  24,
			CleanupSchedule: "@every 1h",
			AutoSaveSecs:    30,
			PolicyChecksOn:  true,
		},
		Events: EventsConfig{Backend: "memory"},
	}
}

// applyEnv overrides fields from OCX_* variables so secrets stay out of the
// YAML file.
func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "OCX_PORT", "PORT")
	setStr(&c.Server.Env, "OCX_ENV")
	setStr(&c.Store.Driver, "OCX_STORE_DRIVER")
	setStr(&c.Idempotency.Backend, "OCX_IDEMPOTENCY_BACKEND")
	setStr(&c.Idempotency.RedisAddr, "OCX_REDIS_ADDR")
	setStr(&c.Idempotency.RedisPassword, "OCX_REDIS_PASSWORD")
	setStr(&c.Idempotency.PostgresDSN, "OCX_POSTGRES_DSN", "DATABASE_URL")
	setStr(&c.Approval.Secret, "OCX_APPROVAL_SECRET")
	setStr(&c.Webhooks.RedisAddr, "OCX_WEBHOOK_REDIS_ADDR")
	setStr(&c.Events.Backend, "OCX_EVENTS_BACKEND")
	setStr(&c.Events.PubSubProject, "OCX_PUBSUB_PROJECT", "GOOGLE_CLOUD_PROJECT")
	setStr(&c.Events.PubSubTopic, "OCX_PUBSUB_TOPIC")
	setStr(&c.Policies.Directory, "OCX_POLICY_DIR")
	setFloat(&c.Orchestrator.MaxCostUSD, "OCX_MAX_COST_USD")
	setInt(&c.Orchestrator.MaxTokens, "OCX_MAX_TOKENS")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "file", "supabase":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "file" && c.Store.FileRoot == "" {
		return fmt.Errorf("store.file_root is required for the file driver")
	}
	switch c.Idempotency.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.RedisAddr == "" {
		return fmt.Errorf("idempotency.redis_addr is required for the redis backend")
	}
	if c.Idempotency.Backend == "postgres" && c.Idempotency.PostgresDSN == "" {
		return fmt.Errorf("idempotency.postgres_dsn is required for the postgres backend")
	}
	if c.Events.Backend == "pubsub" && (c.Events.PubSubProject == "" || c.Events.PubSubTopic == "") {
		return fmt.Errorf("events.pubsub_project and events.pubsub_topic are required for the pubsub backend")
	}
	for _, p := range c.Webhooks.Providers {
		if p.Provider == "" || p.Path == "" {
			return fmt.Errorf("webhook provider entries need both provider and path")
		}
	}
	for _, r := range c.Compliance.Regulations {
		switch r {
		case "TCPA", "CTIA", "GDPR", "SOC2", "HIPAA":
		default:
			return fmt.Errorf("unknown compliance regulation %q", r)
		}
	}
	return nil
}

// RequestTTL returns the approval request lifetime.
func (a ApprovalConfig) RequestTTL() time.Duration {
	return time.Duration(a.RequestTTLSecs) * time.Second
}

// TokenTTL returns the approval token lifetime.
func (a ApprovalConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSecs) * time.Second
}

// Retention returns how long terminal runs are kept.
func (o OrchestratorConfig) Retention() time.Duration {
	return time.Duration(o.RetentionHours) * time.Hour
}

func setStr(dst *string, keys ...string) {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
