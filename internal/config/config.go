// Package config loads the service configuration from a yaml file and
// applies environment overrides. FRAUD_CONFIG, ERFID_CONFIG and ROUTES are
// JSON blobs so operators can override nested sections without shipping a
// new file.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Captcha   CaptchaConfig   `yaml:"captcha"`
	EmailRep  EmailRepConfig  `yaml:"email_reputation"`
	Fraud     FraudConfig     `yaml:"fraud"`
	Erfid     ErfidConfig     `yaml:"erfid"`
	Routes    RoutesConfig    `yaml:"routes"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port                string   `yaml:"port"`
	Environment         string   `yaml:"environment"`
	AllowedOrigins      []string `yaml:"allowed_origins"`
	APIKey              string   `yaml:"api_key"`
	AllowTestingBypass  bool     `yaml:"allow_testing_bypass"`
	DisableStaticAssets bool     `yaml:"disable_static_assets"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CaptchaConfig struct {
	SecretKey string `yaml:"secret_key"`
	VerifyURL string `yaml:"verify_url"`
	// ReplayCacheTTLSeconds bounds the in-process recent-token cache.
	ReplayCacheTTLSeconds int `yaml:"replay_cache_ttl_seconds"`
}

type EmailRepConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Consumer string `yaml:"consumer"`
	Flow     string `yaml:"flow"`
}

type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// Secret, when set, signs alert payloads (HMAC-SHA256 hex in
	// X-Formgate-Signature).
	Secret  string `yaml:"secret"`
	Workers int    `yaml:"workers"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
}

// FraudConfig carries every tunable of the scoring pipeline. JSON tags match
// the FRAUD_CONFIG env override format.
type FraudConfig struct {
	BlockThreshold int     `yaml:"block_threshold" json:"blockThreshold"`
	Weights        Weights `yaml:"weights" json:"weights"`

	// Ephemeral-id collector thresholds.
	EphemeralSubmissionThreshold int `yaml:"ephemeral_submission_threshold" json:"ephemeralSubmissionThreshold"`
	ValidationWarnThreshold      int `yaml:"validation_warn_threshold" json:"validationWarnThreshold"`
	ValidationBlockThreshold     int `yaml:"validation_block_threshold" json:"validationBlockThreshold"`
	IPDiversityThreshold         int `yaml:"ip_diversity_threshold" json:"ipDiversityThreshold"`

	// JA4 session-hopping windows and quantile gates.
	JA4IPClusterWindowMinutes     int     `yaml:"ja4_ip_cluster_window_minutes" json:"ja4IpClusterWindowMinutes"`
	RapidGlobalWindowMinutes      int     `yaml:"rapid_global_window_minutes" json:"rapidGlobalWindowMinutes"`
	ExtendedGlobalWindowMinutes   int     `yaml:"extended_global_window_minutes" json:"extendedGlobalWindowMinutes"`
	VelocityThresholdMinutes      int     `yaml:"velocity_threshold_minutes" json:"velocityThresholdMinutes"`
	IPsQuantileThreshold          float64 `yaml:"ips_quantile_threshold" json:"ipsQuantileThreshold"`
	ReqsQuantileThreshold         float64 `yaml:"reqs_quantile_threshold" json:"reqsQuantileThreshold"`
	IPRateLimitWindowSeconds      int     `yaml:"ip_rate_limit_window_seconds" json:"ipRateLimitWindow"`
	ProgressiveTimeoutsSeconds    []int   `yaml:"progressive_timeouts_seconds" json:"progressiveTimeouts"`
	DuplicateEmailTrackingSeconds int     `yaml:"duplicate_email_tracking_seconds" json:"duplicateEmailTrackingSeconds"`

	// Fingerprint collector thresholds.
	FingerprintWindowMinutes  int   `yaml:"fingerprint_window_minutes" json:"fingerprintWindowMinutes"`
	HeaderReuseCountThreshold int   `yaml:"header_reuse_count_threshold" json:"headerReuseCountThreshold"`
	HeaderReuseIPThreshold    int   `yaml:"header_reuse_ip_threshold" json:"headerReuseIpThreshold"`
	HeaderReuseJA4Threshold   int   `yaml:"header_reuse_ja4_threshold" json:"headerReuseJa4Threshold"`
	MinJA4Observations        int   `yaml:"min_ja4_observations" json:"minJa4Observations"`
	BaselineHours             int   `yaml:"baseline_hours" json:"baselineHours"`
	MobileRTTThresholdMs      int   `yaml:"mobile_rtt_threshold_ms" json:"mobileRttThresholdMs"`
	DatacenterASNs            []int `yaml:"datacenter_asns" json:"datacenterAsns"`
}

// Weights are the scoring-engine component weights. The six core components
// default to a normalized set; ipRate and the fingerprint triad default to
// zero and act through block-trigger floors unless a config assigns them
// weight (the loader then re-validates the sum).
type Weights struct {
	TokenReplay         float64 `yaml:"token_replay" json:"tokenReplay"`
	EmailFraud          float64 `yaml:"email_fraud" json:"emailFraud"`
	EphemeralID         float64 `yaml:"ephemeral_id" json:"ephemeralId"`
	ValidationFrequency float64 `yaml:"validation_frequency" json:"validationFrequency"`
	IPDiversity         float64 `yaml:"ip_diversity" json:"ipDiversity"`
	JA4SessionHopping   float64 `yaml:"ja4_session_hopping" json:"ja4SessionHopping"`
	IPRate              float64 `yaml:"ip_rate" json:"ipRate"`
	HeaderFingerprint   float64 `yaml:"header_fingerprint" json:"headerFingerprint"`
	TLSAnomaly          float64 `yaml:"tls_anomaly" json:"tlsAnomaly"`
	LatencyMismatch     float64 `yaml:"latency_mismatch" json:"latencyMismatch"`
}

// Sum totals every component weight, extras included.
func (w Weights) Sum() float64 {
	return w.TokenReplay + w.EmailFraud + w.EphemeralID + w.ValidationFrequency +
		w.IPDiversity + w.JA4SessionHopping + w.IPRate + w.HeaderFingerprint +
		w.TLSAnomaly + w.LatencyMismatch
}

// ErfidConfig selects the request-id format. Custom generators are wired in
// code, not config.
type ErfidConfig struct {
	Prefix           string `yaml:"prefix" json:"prefix"`
	Format           string `yaml:"format" json:"format"`
	IncludeTimestamp bool   `yaml:"include_timestamp" json:"includeTimestamp"`
}

// RoutesConfig maps inbound paths to their form definitions.
type RoutesConfig struct {
	SubmissionsPath string         `yaml:"submissions_path" json:"submissionsPath"`
	Fields          []FieldMapping `yaml:"fields" json:"fields"`
	// DefaultCountryPrefix is assumed for phone numbers submitted without one.
	DefaultCountryPrefix string `yaml:"default_country_prefix" json:"defaultCountryPrefix"`
}

// FieldMapping drives the payload extractor: the first path present in the
// untyped payload tree wins, then the typed validator for Type runs.
type FieldMapping struct {
	Field    string   `yaml:"field" json:"field"`
	Paths    []string `yaml:"paths" json:"paths"`
	Type     string   `yaml:"type" json:"type"`
	Required bool     `yaml:"required" json:"required"`
}

// Default returns the full default configuration; Load starts from it so a
// partial yaml file only overrides what it names.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Environment: "development",
		},
		Captcha: CaptchaConfig{
			VerifyURL:             "https://challenges.cloudflare.com/turnstile/v0/siteverify",
			ReplayCacheTTLSeconds: 600,
		},
		EmailRep: EmailRepConfig{
			Consumer: "formgate",
			Flow:     "registration",
		},
		Alerts: AlertsConfig{Workers: 2},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 60,
		},
		Fraud: FraudConfig{
			BlockThreshold: 60,
			Weights: Weights{
				TokenReplay:         0.35,
				EmailFraud:          0.17,
				EphemeralID:         0.18,
				ValidationFrequency: 0.13,
				IPDiversity:         0.09,
				JA4SessionHopping:   0.08,
			},
			EphemeralSubmissionThreshold:  2,
			ValidationWarnThreshold:       2,
			ValidationBlockThreshold:      3,
			IPDiversityThreshold:          2,
			JA4IPClusterWindowMinutes:     60,
			RapidGlobalWindowMinutes:      5,
			ExtendedGlobalWindowMinutes:   60,
			VelocityThresholdMinutes:      10,
			IPsQuantileThreshold:          0.95,
			ReqsQuantileThreshold:         0.99,
			IPRateLimitWindowSeconds:      3600,
			ProgressiveTimeoutsSeconds:    []int{3600, 14400, 28800, 43200, 86400},
			DuplicateEmailTrackingSeconds: 86400,
			FingerprintWindowMinutes:      60,
			HeaderReuseCountThreshold:     3,
			HeaderReuseIPThreshold:        2,
			HeaderReuseJA4Threshold:       2,
			MinJA4Observations:            5,
			BaselineHours:                 24,
			MobileRTTThresholdMs:          5,
			DatacenterASNs:                []int{13335, 14618, 16509, 15169, 8075, 14061, 20473, 16276, 24940},
		},
		Erfid: ErfidConfig{
			Prefix: "erf",
			Format: "uuid",
		},
		Routes: RoutesConfig{
			SubmissionsPath:      "/api/v1/submissions",
			Fields:               DefaultFieldMappings(),
			DefaultCountryPrefix: "+1",
		},
	}
}

// DefaultFieldMappings covers the registration form contract. The
// turnstileToken requirement is waived by the pipeline under testing bypass.
func DefaultFieldMappings() []FieldMapping {
	return []FieldMapping{
		{Field: "firstName", Paths: []string{"firstName", "first_name"}, Type: "name", Required: true},
		{Field: "lastName", Paths: []string{"lastName", "last_name"}, Type: "name", Required: true},
		{Field: "email", Paths: []string{"email"}, Type: "email", Required: true},
		{Field: "phone", Paths: []string{"phone", "phoneNumber"}, Type: "phone", Required: false},
		{Field: "address", Paths: []string{"address"}, Type: "address", Required: false},
		{Field: "dateOfBirth", Paths: []string{"dateOfBirth", "date_of_birth", "dob"}, Type: "date", Required: false},
		{Field: "turnstileToken", Paths: []string{"turnstileToken", "cf-turnstile-response", "token"}, Type: "token", Required: true},
	}
}

// Load reads the yaml file at path on top of defaults, then applies env
// overrides and validates. A missing file is not an error (env-only deploys).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(cfg)
			f.Close()
			if decodeErr != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, decodeErr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getenvAny returns the first non-empty value among names. Some operator
// environments export the hyphenated spellings.
func getenvAny(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// ApplyEnv layers environment overrides onto the config.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		c.Server.AllowedOrigins = origins
	}
	if v := getenvAny("X_API_KEY", "X-API-KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("ALLOW_TESTING_BYPASS"); v != "" {
		c.Server.AllowTestingBypass = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DISABLE_STATIC_ASSETS"); v != "" {
		c.Server.DisableStaticAssets = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v := getenvAny("TURNSTILE_SECRET_KEY", "TURNSTILE-SECRET-KEY"); v != "" {
		c.Captcha.SecretKey = v
	}
	if v := os.Getenv("EMAIL_REP_URL"); v != "" {
		c.EmailRep.URL = v
	}
	if v := os.Getenv("EMAIL_REP_API_KEY"); v != "" {
		c.EmailRep.APIKey = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_SECRET"); v != "" {
		c.Alerts.Secret = v
	}

	if v := os.Getenv("FRAUD_CONFIG"); v != "" {
		if err := json.Unmarshal([]byte(v), &c.Fraud); err != nil {
			return fmt.Errorf("parse FRAUD_CONFIG: %w", err)
		}
	}
	if v := os.Getenv("ERFID_CONFIG"); v != "" {
		if err := json.Unmarshal([]byte(v), &c.Erfid); err != nil {
			return fmt.Errorf("parse ERFID_CONFIG: %w", err)
		}
	}
	if v := os.Getenv("ROUTES"); v != "" {
		if err := json.Unmarshal([]byte(v), &c.Routes); err != nil {
			return fmt.Errorf("parse ROUTES: %w", err)
		}
	}
	return nil
}

// weightSumTolerance absorbs float rounding in operator-supplied weights.
const weightSumTolerance = 0.001

// Validate rejects configs the pipeline cannot run with.
func (c *Config) Validate() error {
	f := &c.Fraud
	if f.BlockThreshold < 15 || f.BlockThreshold > 90 {
		return fmt.Errorf("fraud.block_threshold %d out of range [15,90]", f.BlockThreshold)
	}
	if sum := f.Weights.Sum(); math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("fraud.weights sum to %.4f, want 1.0", sum)
	}
	if len(f.ProgressiveTimeoutsSeconds) == 0 {
		return fmt.Errorf("fraud.progressive_timeouts_seconds must not be empty")
	}
	prev := 0
	for i, s := range f.ProgressiveTimeoutsSeconds {
		if s <= 0 {
			return fmt.Errorf("fraud.progressive_timeouts_seconds[%d] = %d, want > 0", i, s)
		}
		if s < prev {
			return fmt.Errorf("fraud.progressive_timeouts_seconds must be non-decreasing")
		}
		prev = s
	}
	switch c.Erfid.Format {
	case "uuid", "nano", "custom":
	default:
		return fmt.Errorf("erfid.format %q, want uuid|nano|custom", c.Erfid.Format)
	}
	if c.Routes.SubmissionsPath == "" {
		return fmt.Errorf("routes.submissions_path must not be empty")
	}
	return nil
}

// IsProduction reports whether the service runs with production origin
// rules (no implicit localhost origins).
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}
