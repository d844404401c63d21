// Package config loads the Anastasis provider's configuration from a
// YAML file plus environment overrides, mirroring the teacher's
// pkg/config layering (godotenv for local .env files, a YAML base, and
// envdecode for the final override pass) adapted to the option names
// from spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// AnastasisConfig carries the provider-identity and quota knobs from
// spec.md §6's "anastasis." namespace.
type AnastasisConfig struct {
	BusinessName            string `yaml:"business_name" env:"ANASTASIS_BUSINESS_NAME"`
	FulfillmentURL          string `yaml:"fulfillment_url" env:"ANASTASIS_FULFILLMENT_URL"`
	Currency                string `yaml:"currency" env:"ANASTASIS_CURRENCY"`
	UploadLimitMB           int    `yaml:"upload_limit_mb" env:"ANASTASIS_UPLOAD_LIMIT_MB"`
	AnnualFeeCents          int64  `yaml:"annual_fee_cents" env:"ANASTASIS_ANNUAL_FEE_CENTS"`
	TruthUploadFeeCents     int64  `yaml:"truth_upload_fee_cents" env:"ANASTASIS_TRUTH_UPLOAD_FEE_CENTS"`
	InsuranceCents          int64  `yaml:"insurance_cents" env:"ANASTASIS_INSURANCE_CENTS"`
	AnnualPolicyUploadLimit int    `yaml:"annual_policy_upload_limit" env:"ANASTASIS_ANNUAL_POLICY_UPLOAD_LIMIT"`
	ServerSaltHex           string `yaml:"server_salt" env:"ANASTASIS_SERVER_SALT"`
	TermsText               string `yaml:"terms_text" env:"ANASTASIS_TERMS_TEXT"`
	PrivacyText             string `yaml:"privacy_text" env:"ANASTASIS_PRIVACY_TEXT"`
}

// MerchantConfig points at the Taler merchant backend used for all
// payment-gated operations.
type MerchantConfig struct {
	BackendURL  string `yaml:"backend_url" env:"ANASTASIS_MERCHANT_BACKEND_URL"`
	APIKey      string `yaml:"api_key" env:"ANASTASIS_MERCHANT_API_KEY"`
	InstanceID  string `yaml:"instance_id" env:"ANASTASIS_MERCHANT_INSTANCE"`
	PayDeadline string `yaml:"pay_deadline" env:"ANASTASIS_MERCHANT_PAY_DEADLINE"`
}

// AuthMethodConfig is one `authorization-$METHOD` stanza (spec.md §6).
type AuthMethodConfig struct {
	Enabled   bool  `yaml:"enabled"`
	CostCents int64 `yaml:"cost_cents"`
}

// LoggingConfig controls structured logging, mirroring the teacher's
// pkg/logger.LoggingConfig.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// RateLimitConfig bounds the per-client-IP request rate accepted by the
// HTTP layer, independent of the authoritative per-truth challenge-code
// rate limit enforced by the store (spec §4.2/§4.6). This is coarse
// abuse protection in front of the whole API surface, not a substitute
// for it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// Config is the top-level provider configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Anastasis  AnastasisConfig             `yaml:"anastasis"`
	Merchant   MerchantConfig              `yaml:"merchant"`
	Logging    LoggingConfig               `yaml:"logging"`
	RateLimit  RateLimitConfig             `yaml:"rate_limit"`
	AuthMethod map[string]AuthMethodConfig `yaml:"authorization"`
}

// New returns a Config populated with the same conservative defaults
// the reference provider ships (free tier, generous quota).
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8086},
		Anastasis: AnastasisConfig{
			BusinessName:            "Anastasis Provider",
			Currency:                "EUR",
			UploadLimitMB:           16,
			AnnualPolicyUploadLimit: 100,
			TermsText:               "No terms of service have been configured for this provider.",
			PrivacyText:             "No privacy policy has been configured for this provider.",
		},
		Logging:   LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		AuthMethod: map[string]AuthMethodConfig{
			"question": {Enabled: true, CostCents: 0},
		},
	}
}

// Load reads configuration the way the teacher's cmd/appserver does:
// an optional .env file for local secrets, an optional YAML file named
// by CONFIG_FILE (or configs/config.yaml), then environment variable
// overrides via envdecode.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyAuthMethodEnv(cfg)

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyAuthMethodEnv layers `authorization-$METHOD.ENABLED`/`COST`
// environment overrides on top of the YAML-declared methods, since
// envdecode cannot target a dynamically-keyed map.
func applyAuthMethodEnv(cfg *Config) {
	const prefix = "AUTHORIZATION_"
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		rest := strings.TrimPrefix(parts[0], prefix)
		idx := strings.LastIndex(rest, "_")
		if idx < 0 {
			continue
		}
		method := strings.ToLower(rest[:idx])
		field := rest[idx+1:]
		m := cfg.AuthMethod[method]
		switch field {
		case "ENABLED":
			m.Enabled = strings.EqualFold(parts[1], "true") || parts[1] == "1"
		case "COST":
			if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				m.CostCents = v
			}
		default:
			continue
		}
		if cfg.AuthMethod == nil {
			cfg.AuthMethod = make(map[string]AuthMethodConfig)
		}
		cfg.AuthMethod[method] = m
	}
}
