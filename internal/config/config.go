package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string
	CORSOrigin string
	RedisURL   string
	// Namespaces for the shared (primary) and per-process cache stores.
	StoreNamespace string
	CacheNamespace string

	// Attribution and endpoint resolution
	AppID             string
	DevKey            string
	AttributionURL    string
	ConfigURL         string
	BundleID          string
	FirebaseProjectID string
	Platform          string
	Locale            string
	UserAgent         string
	BrowserUserAgent  bool

	// Remote validation
	Validator           string
	FirebaseDatabaseURL string
	FirebaseAuth        string
	ValidationPath      string
	DatabaseURL         string
	ObjectEndpoint      string
	ObjectBucket        string
	ObjectKey           string
	ObjectAccessKey     string
	ObjectSecretKey     string
	ObjectUseSSL        bool
	ValidationTimeout   time.Duration

	// Gate timings
	DecisionTimeout   time.Duration
	MergeWindow       time.Duration
	OrganicDelay      time.Duration
	RetryDelays       []time.Duration
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StagedEndpointTTL time.Duration

	// Connectivity probe
	ProbeURL      string
	ProbeInterval time.Duration

	LogLevel  string
	LogFormat string
}

// fileConfig mirrors Config for the optional YAML overlay. Durations are
// strings so they can be written as "30s".
type fileConfig struct {
	Addr           string `yaml:"addr"`
	CORSOrigin     string `yaml:"cors_origin"`
	RedisURL       string `yaml:"redis_url"`
	StoreNamespace string `yaml:"store_namespace"`
	CacheNamespace string `yaml:"cache_namespace"`

	Attribution struct {
		AppID          string `yaml:"app_id"`
		DevKey         string `yaml:"dev_key"`
		URL            string `yaml:"url"`
		ConfigURL      string `yaml:"config_url"`
		BundleID       string `yaml:"bundle_id"`
		FirebaseProjID string `yaml:"firebase_project_id"`
		Platform       string `yaml:"platform"`
		Locale         string `yaml:"locale"`
		UserAgent      string `yaml:"user_agent"`
		BrowserUA      *bool  `yaml:"browser_user_agent"`
	} `yaml:"attribution"`

	Validation struct {
		Backend      string `yaml:"backend"`
		FirebaseURL  string `yaml:"firebase_url"`
		FirebaseAuth string `yaml:"firebase_auth"`
		Path         string `yaml:"path"`
		DatabaseURL  string `yaml:"database_url"`
		Timeout      string `yaml:"timeout"`
		Object       struct {
			Endpoint  string `yaml:"endpoint"`
			Bucket    string `yaml:"bucket"`
			Key       string `yaml:"key"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			UseSSL    *bool  `yaml:"use_ssl"`
		} `yaml:"object"`
	} `yaml:"validation"`

	Timings struct {
		Decision       string   `yaml:"decision"`
		MergeWindow    string   `yaml:"merge_window"`
		OrganicDelay   string   `yaml:"organic_delay"`
		RetryDelays    []string `yaml:"retry_delays"`
		ConnectTimeout string   `yaml:"connect_timeout"`
		RequestTimeout string   `yaml:"request_timeout"`
		StagedTTL      string   `yaml:"staged_endpoint_ttl"`
	} `yaml:"timings"`

	Probe struct {
		URL      string `yaml:"url"`
		Interval string `yaml:"interval"`
	} `yaml:"probe"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load builds the configuration from environment variables. When GATE_CONFIG
// points at a YAML file, values set there replace the defaults and any
// explicitly set environment variable still wins.
func Load() (Config, error) {
	cfg := Config{
		Addr:           getenv("GATE_ADDR", ":8788"),
		CORSOrigin:     getenv("GATE_CORS_ORIGIN", "*"),
		RedisURL:       getenv("REDIS_URL", ""),
		StoreNamespace: getenv("GATE_STORE_NAMESPACE", "group.depth.store:"),
		CacheNamespace: getenv("GATE_CACHE_NAMESPACE", "standard:"),

		AppID:             getenv("GATE_APP_ID", ""),
		DevKey:            getenv("GATE_DEV_KEY", ""),
		AttributionURL:    getenv("GATE_ATTRIBUTION_URL", "https://gcdsdk.appsflyer.com/install_data/v4.0"),
		ConfigURL:         getenv("GATE_CONFIG_URL", ""),
		BundleID:          getenv("GATE_BUNDLE_ID", ""),
		FirebaseProjectID: getenv("GATE_FIREBASE_PROJECT_ID", ""),
		Platform:          getenv("GATE_PLATFORM", "iOS"),
		Locale:            getenv("GATE_LOCALE", os.Getenv("LANG")),
		UserAgent:         getenv("GATE_USER_AGENT", ""),
		BrowserUserAgent:  getenvBool("GATE_BROWSER_USER_AGENT", false),

		Validator:           getenv("GATE_VALIDATOR", "firebase"),
		FirebaseDatabaseURL: getenv("GATE_FIREBASE_DATABASE_URL", ""),
		FirebaseAuth:        getenv("GATE_FIREBASE_AUTH", ""),
		ValidationPath:      getenv("GATE_VALIDATION_PATH", "users/log/data"),
		DatabaseURL:         getenv("DATABASE_URL", ""),
		ObjectEndpoint:      getenv("GATE_OBJECT_ENDPOINT", ""),
		ObjectBucket:        getenv("GATE_OBJECT_BUCKET", ""),
		ObjectKey:           getenv("GATE_OBJECT_KEY", "users/log/data"),
		ObjectAccessKey:     getenv("GATE_OBJECT_ACCESS_KEY", ""),
		ObjectSecretKey:     getenv("GATE_OBJECT_SECRET_KEY", ""),
		ObjectUseSSL:        getenvBool("GATE_OBJECT_USE_SSL", true),
		ValidationTimeout:   getenvDuration("GATE_VALIDATION_TIMEOUT", 15*time.Second),

		DecisionTimeout:   getenvDuration("GATE_DECISION_TIMEOUT", 30*time.Second),
		MergeWindow:       getenvDuration("GATE_MERGE_WINDOW", 2500*time.Millisecond),
		OrganicDelay:      getenvDuration("GATE_ORGANIC_DELAY", 5*time.Second),
		RetryDelays:       getenvDurations("GATE_RETRY_DELAYS", []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}),
		ConnectTimeout:    getenvDuration("GATE_CONNECT_TIMEOUT", 30*time.Second),
		RequestTimeout:    getenvDuration("GATE_REQUEST_TIMEOUT", 90*time.Second),
		StagedEndpointTTL: getenvDuration("GATE_STAGED_ENDPOINT_TTL", 10*time.Minute),

		ProbeURL:      getenv("GATE_PROBE_URL", ""),
		ProbeInterval: getenvDuration("GATE_PROBE_INTERVAL", 10*time.Second),

		LogLevel:  getenv("GATE_LOG_LEVEL", "info"),
		LogFormat: getenv("GATE_LOG_FORMAT", "text"),
	}

	if path := os.Getenv("GATE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate checks the settings every launch needs and returns the first
// problem found.
func (c Config) Validate() error {
	if c.ConfigURL == "" {
		return fmt.Errorf("GATE_CONFIG_URL is required")
	}
	if c.AppID == "" {
		return fmt.Errorf("GATE_APP_ID is required")
	}
	if c.DecisionTimeout <= 0 {
		return fmt.Errorf("decision timeout must be positive")
	}
	if len(c.RetryDelays) == 0 {
		return fmt.Errorf("at least one retry delay is required")
	}
	switch c.Validator {
	case "firebase":
		if c.FirebaseDatabaseURL == "" {
			return fmt.Errorf("GATE_FIREBASE_DATABASE_URL is required for the firebase validator")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres validator")
		}
	case "objectstore":
		if c.ObjectEndpoint == "" || c.ObjectBucket == "" {
			return fmt.Errorf("GATE_OBJECT_ENDPOINT and GATE_OBJECT_BUCKET are required for the objectstore validator")
		}
	default:
		return fmt.Errorf("unknown validator %q", c.Validator)
	}
	return nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.Addr, fc.Addr, "GATE_ADDR")
	setString(&c.CORSOrigin, fc.CORSOrigin, "GATE_CORS_ORIGIN")
	setString(&c.RedisURL, fc.RedisURL, "REDIS_URL")
	setString(&c.StoreNamespace, fc.StoreNamespace, "GATE_STORE_NAMESPACE")
	setString(&c.CacheNamespace, fc.CacheNamespace, "GATE_CACHE_NAMESPACE")

	a := fc.Attribution
	setString(&c.AppID, a.AppID, "GATE_APP_ID")
	setString(&c.DevKey, a.DevKey, "GATE_DEV_KEY")
	setString(&c.AttributionURL, a.URL, "GATE_ATTRIBUTION_URL")
	setString(&c.ConfigURL, a.ConfigURL, "GATE_CONFIG_URL")
	setString(&c.BundleID, a.BundleID, "GATE_BUNDLE_ID")
	setString(&c.FirebaseProjectID, a.FirebaseProjID, "GATE_FIREBASE_PROJECT_ID")
	setString(&c.Platform, a.Platform, "GATE_PLATFORM")
	setString(&c.Locale, a.Locale, "GATE_LOCALE")
	setString(&c.UserAgent, a.UserAgent, "GATE_USER_AGENT")
	setBool(&c.BrowserUserAgent, a.BrowserUA, "GATE_BROWSER_USER_AGENT")

	v := fc.Validation
	setString(&c.Validator, v.Backend, "GATE_VALIDATOR")
	setString(&c.FirebaseDatabaseURL, v.FirebaseURL, "GATE_FIREBASE_DATABASE_URL")
	setString(&c.FirebaseAuth, v.FirebaseAuth, "GATE_FIREBASE_AUTH")
	setString(&c.ValidationPath, v.Path, "GATE_VALIDATION_PATH")
	setString(&c.DatabaseURL, v.DatabaseURL, "DATABASE_URL")
	setString(&c.ObjectEndpoint, v.Object.Endpoint, "GATE_OBJECT_ENDPOINT")
	setString(&c.ObjectBucket, v.Object.Bucket, "GATE_OBJECT_BUCKET")
	setString(&c.ObjectKey, v.Object.Key, "GATE_OBJECT_KEY")
	setString(&c.ObjectAccessKey, v.Object.AccessKey, "GATE_OBJECT_ACCESS_KEY")
	setString(&c.ObjectSecretKey, v.Object.SecretKey, "GATE_OBJECT_SECRET_KEY")
	setBool(&c.ObjectUseSSL, v.Object.UseSSL, "GATE_OBJECT_USE_SSL")

	durations := []struct {
		dst *time.Duration
		raw string
		env string
	}{
		{&c.ValidationTimeout, v.Timeout, "GATE_VALIDATION_TIMEOUT"},
		{&c.DecisionTimeout, fc.Timings.Decision, "GATE_DECISION_TIMEOUT"},
		{&c.MergeWindow, fc.Timings.MergeWindow, "GATE_MERGE_WINDOW"},
		{&c.OrganicDelay, fc.Timings.OrganicDelay, "GATE_ORGANIC_DELAY"},
		{&c.ConnectTimeout, fc.Timings.ConnectTimeout, "GATE_CONNECT_TIMEOUT"},
		{&c.RequestTimeout, fc.Timings.RequestTimeout, "GATE_REQUEST_TIMEOUT"},
		{&c.StagedEndpointTTL, fc.Timings.StagedTTL, "GATE_STAGED_ENDPOINT_TTL"},
		{&c.ProbeInterval, fc.Probe.Interval, "GATE_PROBE_INTERVAL"},
	}
	for _, d := range durations {
		if d.raw == "" || os.Getenv(d.env) != "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", d.env, d.raw, err)
		}
		*d.dst = parsed
	}

	if len(fc.Timings.RetryDelays) > 0 && os.Getenv("GATE_RETRY_DELAYS") == "" {
		delays, err := parseDurations(fc.Timings.RetryDelays)
		if err != nil {
			return fmt.Errorf("parse retry_delays: %w", err)
		}
		c.RetryDelays = delays
	}

	setString(&c.ProbeURL, fc.Probe.URL, "GATE_PROBE_URL")
	setString(&c.LogLevel, fc.Logging.Level, "GATE_LOG_LEVEL")
	setString(&c.LogFormat, fc.Logging.Format, "GATE_LOG_FORMAT")
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func setString(dst *string, value, envKey string) {
	if value == "" || os.Getenv(envKey) != "" {
		return
	}
	*dst = value
}

func setBool(dst *bool, value *bool, envKey string) {
	if value == nil || os.Getenv(envKey) != "" {
		return
	}
	*dst = *value
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("2.5s") or a bare number of
// milliseconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms := getenvInt(key, -1); ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getenvDurations(key string, fallback []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := parseDurations(strings.Split(value, ","))
	if err != nil || len(parsed) == 0 {
		return fallback
	}
	return parsed
}

func parseDurations(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
