// Package config loads service settings from an optional .env file, an
// optional YAML file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"payhooks/internal/webhooks"
)

type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"databaseUrl"`
	DBMigrate   bool          `yaml:"dbMigrate"`
	RedisURL    string        `yaml:"redisUrl"`
	LogLevel    string        `yaml:"logLevel"`
	Queue       QueueConfig   `yaml:"queue"`
	Webhook     WebhookConfig `yaml:"webhook"`
	Inbound     InboundConfig `yaml:"inbound"`
	Rate        RateConfig    `yaml:"rate"`
	Auth        AuthConfig    `yaml:"auth"`
}

type QueueConfig struct {
	Driver  string `yaml:"driver"` // memory or redis
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
}

type WebhookConfig struct {
	MaxAttempts   int           `yaml:"maxAttempts"`
	Timeout       time.Duration `yaml:"timeout"`
	Backoff       string        `yaml:"backoff"`
	SigningSecret string        `yaml:"signingSecret"`
	VerifyTLS     bool          `yaml:"verifyTls"`
	// ForwardURL, when set, receives accepted inbound events as outbound webhooks.
	ForwardURL string `yaml:"forwardUrl"`
}

type InboundConfig struct {
	ProviderSecret string `yaml:"providerSecret"`
	Sync           bool   `yaml:"sync"`
	// DevOrderKeys seeds order security keys into the in-memory store.
	// Orders live in Postgres otherwise.
	DevOrderKeys map[string]string `yaml:"devOrderKeys"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"` // dev or hmac
	HMACSecret string `yaml:"hmacSecret"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Port:      "8080",
		DBMigrate: true,
		LogLevel:  "info",
		Queue:     QueueConfig{Driver: "memory", Name: "payhooks", Workers: 4},
		Webhook: WebhookConfig{
			MaxAttempts: webhooks.StandardDefaults.MaxAttempts,
			Timeout:     webhooks.StandardDefaults.Timeout,
			Backoff:     "exponential",
			VerifyTLS:   true,
		},
		Rate: RateConfig{RPS: 50, Burst: 100},
		Auth: AuthConfig{Mode: "dev"},
	}
}

// Load reads .env (or ENV_FILE), CONFIG_FILE and the environment.
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return LoadFrom(os.LookupEnv)
}

// LoadFrom builds a Config from defaults, the YAML file named by CONFIG_FILE
// and the variables visible through lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	e := env{lookup: lookup}
	e.str("PORT", &cfg.Port)
	e.str("DATABASE_URL", &cfg.DatabaseURL)
	e.boolean("DB_MIGRATE", &cfg.DBMigrate)
	e.str("REDIS_URL", &cfg.RedisURL)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("QUEUE_DRIVER", &cfg.Queue.Driver)
	e.str("QUEUE_NAME", &cfg.Queue.Name)
	e.integer("QUEUE_WORKERS", &cfg.Queue.Workers)
	e.integer("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhook.MaxAttempts)
	e.seconds("WEBHOOK_TIMEOUT_SECONDS", &cfg.Webhook.Timeout)
	e.str("WEBHOOK_BACKOFF", &cfg.Webhook.Backoff)
	e.str("WEBHOOK_SIGNING_SECRET", &cfg.Webhook.SigningSecret)
	e.boolean("WEBHOOK_VERIFY_TLS", &cfg.Webhook.VerifyTLS)
	e.str("WEBHOOK_FORWARD_URL", &cfg.Webhook.ForwardURL)
	e.str("PROVIDER_SECRET", &cfg.Inbound.ProviderSecret)
	e.boolean("INBOUND_SYNC", &cfg.Inbound.Sync)
	e.pairs("DEV_ORDER_KEYS", &cfg.Inbound.DevOrderKeys)
	e.float("RATE_RPS", &cfg.Rate.RPS)
	e.integer("RATE_BURST", &cfg.Rate.Burst)
	e.str("AUTH_MODE", &cfg.Auth.Mode)
	e.str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
	if len(e.errs) > 0 {
		return cfg, errors.Join(e.errs...)
	}
	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT %q is not a valid port", c.Port))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("QUEUE_DRIVER=redis needs REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("QUEUE_DRIVER %q: want memory or redis", c.Queue.Driver))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("QUEUE_NAME is empty"))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_WORKERS %d: want at least 1", c.Queue.Workers))
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("WEBHOOK_MAX_ATTEMPTS %d: want at least 1", c.Webhook.MaxAttempts))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS %s: want a positive timeout", c.Webhook.Timeout))
	}
	if _, err := webhooks.ParseStrategy(c.Webhook.Backoff); err != nil {
		errs = append(errs, fmt.Errorf("WEBHOOK_BACKOFF: %w", err))
	}
	if c.Webhook.ForwardURL != "" {
		if u, err := url.Parse(c.Webhook.ForwardURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_FORWARD_URL %q is not an absolute http(s) URL", c.Webhook.ForwardURL))
		}
	}
	if len(c.Inbound.DevOrderKeys) > 0 && c.DatabaseURL != "" {
		errs = append(errs, errors.New("DEV_ORDER_KEYS only applies without DATABASE_URL"))
	}
	if c.Rate.RPS < 0 || c.Rate.Burst < 0 {
		errs = append(errs, errors.New("RATE_RPS and RATE_BURST must not be negative"))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("AUTH_MODE=hmac needs AUTH_HMAC_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE %q: want dev or hmac", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

// Defaults returns the delivery defaults applied to built requests.
func (c Config) Defaults() webhooks.Defaults {
	return webhooks.Defaults{
		MaxAttempts:   c.Webhook.MaxAttempts,
		Timeout:       c.Webhook.Timeout,
		SigningSecret: c.Webhook.SigningSecret,
		VerifyTLS:     c.Webhook.VerifyTLS,
	}
}

// Summary is the non-secret view served on /debug/info.
func (c Config) Summary() map[string]any {
	return map[string]any{
		"port":              c.Port,
		"queueDriver":       c.Queue.Driver,
		"queueName":         c.Queue.Name,
		"queueWorkers":      c.Queue.Workers,
		"maxAttempts":       c.Webhook.MaxAttempts,
		"timeout":           c.Webhook.Timeout.String(),
		"backoff":           c.Webhook.Backoff,
		"verifyTls":         c.Webhook.VerifyTLS,
		"hasSigningSecret":  c.Webhook.SigningSecret != "",
		"hasProviderSecret": c.Inbound.ProviderSecret != "",
		"inboundSync":       c.Inbound.Sync,
		"devOrders":         len(c.Inbound.DevOrderKeys),
		"forwarding":        c.Webhook.ForwardURL != "",
		"authMode":          c.Auth.Mode,
		"rateRps":           c.Rate.RPS,
		"rateBurst":         c.Rate.Burst,
		"hasDatabaseUrl":    c.DatabaseURL != "",
		"hasRedisUrl":       c.RedisURL != "",
	}
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(k string) (string, bool) {
	v, ok := e.lookup(k)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(k string, dst *string) {
	if v, ok := e.get(k); ok {
		*dst = v
	}
}

func (e *env) integer(k string, dst *int) {
	if v, ok := e.get(k); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
			return
		}
		*dst = n
	}
}

func (e *env) float(k string, dst *float64) {
	if v, ok := e.get(k); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
			return
		}
		*dst = f
	}
}

func (e *env) boolean(k string, dst *bool) {
	if v, ok := e.get(k); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
			return
		}
		*dst = b
	}
}

func (e *env) seconds(k string, dst *time.Duration) {
	if v, ok := e.get(k); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", k, err))
			return
		}
		*dst = time.Duration(f * float64(time.Second))
	}
}

// pairs reads "order:key,order:key".
func (e *env) pairs(k string, dst *map[string]string) {
	v, ok := e.get(k)
	if !ok {
		return
	}
	out := map[string]string{}
	for _, item := range strings.Split(v, ",") {
		id, key, found := strings.Cut(strings.TrimSpace(item), ":")
		id, key = strings.TrimSpace(id), strings.TrimSpace(key)
		if !found || id == "" || key == "" {
			e.errs = append(e.errs, fmt.Errorf("%s: entry %q is not order:key", k, item))
			return
		}
		out[id] = key
	}
	*dst = out
}
