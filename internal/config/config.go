// Package config loads process configuration from GATEHOUSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/email"
)

const envPrefix = "gatehouse"

// Config is centralized process configuration shared by every binary.
type Config struct {
	HTTPAddr       string
	GRPCHealthAddr string // empty disables the gRPC health server
	MetricsAddr    string
	LogLevel       string

	PostgresDSN string
	Redis       RedisConfig

	Tokens         auth.TokenConfig
	RevocationTTL  time.Duration
	FrontendURL    string
	CookieSecure   bool
	TrustedProxies []string

	AuthRateBurst  int
	AuthRatePerSec float64

	SMTP     email.SMTPConfig
	MailFrom string

	Stream StreamConfig
}

// RedisConfig selects the Redis instance used for revocation cutoffs and streams.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StreamConfig tunes publishers and consumers.
type StreamConfig struct {
	PollTimeout   time.Duration
	ClaimMinIdle  time.Duration
	MaxDeliveries int64
	Batch         int64
	MaxLen        int64
}

// settings mirrors the environment one key per variable.
type settings struct {
	HTTPAddr       string `mapstructure:"http_addr"`
	GRPCHealthAddr string `mapstructure:"grpc_health_addr"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	LogLevel       string `mapstructure:"log_level"`

	PostgresDSN   string `mapstructure:"pg_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	AccessSecret   string        `mapstructure:"access_secret"`
	RefreshSecret  string        `mapstructure:"refresh_secret"`
	ResetSecret    string        `mapstructure:"reset_secret"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
	ResetTTL       time.Duration `mapstructure:"reset_ttl"`
	RevocationTTL  time.Duration `mapstructure:"revocation_ttl"`
	FrontendURL    string        `mapstructure:"frontend_url"`
	CookieSecure   bool          `mapstructure:"cookie_secure"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`

	AuthRateBurst  int     `mapstructure:"auth_rate_burst"`
	AuthRatePerSec float64 `mapstructure:"auth_rate_per_sec"`

	SMTPHost     string        `mapstructure:"smtp_host"`
	SMTPPort     int           `mapstructure:"smtp_port"`
	SMTPUsername string        `mapstructure:"smtp_username"`
	SMTPPassword string        `mapstructure:"smtp_password"`
	SMTPTimeout  time.Duration `mapstructure:"smtp_timeout"`
	MailFrom     string        `mapstructure:"mail_from"`

	StreamPollTimeout   time.Duration `mapstructure:"stream_poll_timeout"`
	StreamClaimMinIdle  time.Duration `mapstructure:"stream_claim_min_idle"`
	StreamMaxDeliveries int64         `mapstructure:"stream_max_deliveries"`
	StreamBatch         int64         `mapstructure:"stream_batch"`
	StreamMaxLen        int64         `mapstructure:"stream_max_len"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_health_addr", "")
	v.SetDefault("metrics_addr", ":9100")
	v.SetDefault("log_level", "info")

	v.SetDefault("pg_dsn", "")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("access_secret", "")
	v.SetDefault("refresh_secret", "")
	v.SetDefault("reset_secret", "")
	v.SetDefault("access_ttl", 15*time.Minute)
	v.SetDefault("refresh_ttl", 7*24*time.Hour)
	v.SetDefault("reset_ttl", 15*time.Minute)
	v.SetDefault("revocation_ttl", time.Duration(0)) // zero follows refresh_ttl
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("cookie_secure", true)
	v.SetDefault("trusted_proxies", []string{})

	v.SetDefault("auth_rate_burst", 20)
	v.SetDefault("auth_rate_per_sec", 5.0)

	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_username", "")
	v.SetDefault("smtp_password", "")
	v.SetDefault("smtp_timeout", 10*time.Second)
	v.SetDefault("mail_from", "")

	v.SetDefault("stream_poll_timeout", time.Second)
	v.SetDefault("stream_claim_min_idle", 30*time.Second)
	v.SetDefault("stream_max_deliveries", 5)
	v.SetDefault("stream_batch", 10)
	v.SetDefault("stream_max_len", 0)
}

// Load reads the environment, applies defaults and checks the rules every binary shares.
// Token settings are not required; the API calls LoadAPI.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg := s.config()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAPI is Load plus the token and HTTP rules of the API process.
func LoadAPI() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ValidateAPI(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (s settings) config() Config {
	cfg := Config{
		HTTPAddr:       strings.TrimSpace(s.HTTPAddr),
		GRPCHealthAddr: strings.TrimSpace(s.GRPCHealthAddr),
		MetricsAddr:    strings.TrimSpace(s.MetricsAddr),
		LogLevel:       s.LogLevel,
		PostgresDSN:    s.PostgresDSN,
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(s.RedisAddr),
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		},
		Tokens: auth.TokenConfig{
			AccessSecret:  s.AccessSecret,
			RefreshSecret: s.RefreshSecret,
			ResetSecret:   s.ResetSecret,
			AccessTTL:     s.AccessTTL,
			RefreshTTL:    s.RefreshTTL,
			ResetTTL:      s.ResetTTL,
		},
		RevocationTTL:  s.RevocationTTL,
		FrontendURL:    strings.TrimSpace(s.FrontendURL),
		CookieSecure:   s.CookieSecure,
		TrustedProxies: s.TrustedProxies,
		AuthRateBurst:  s.AuthRateBurst,
		AuthRatePerSec: s.AuthRatePerSec,
		SMTP: email.SMTPConfig{
			Host:     strings.TrimSpace(s.SMTPHost),
			Port:     s.SMTPPort,
			Username: s.SMTPUsername,
			Password: s.SMTPPassword,
			Timeout:  s.SMTPTimeout,
		},
		MailFrom: strings.TrimSpace(s.MailFrom),
		Stream: StreamConfig{
			PollTimeout:   s.StreamPollTimeout,
			ClaimMinIdle:  s.StreamClaimMinIdle,
			MaxDeliveries: s.StreamMaxDeliveries,
			Batch:         s.StreamBatch,
			MaxLen:        s.StreamMaxLen,
		},
	}
	if cfg.RevocationTTL == 0 {
		cfg.RevocationTTL = cfg.Tokens.RefreshTTL
	}
	return cfg
}

// Validate checks the values shared by the API and the worker.
func (c Config) Validate() error {
	err := validation.Errors{
		"REDIS_ADDR":   validation.Validate(c.Redis.Addr, validation.Required),
		"MAIL_FROM":    validation.Validate(c.MailFrom, is.EmailFormat),
		"STREAM_BATCH": validation.Validate(c.Stream.Batch, validation.Required, validation.Min(int64(1))),
		"STREAM_POLL_TIMEOUT": validation.Validate(int64(c.Stream.PollTimeout),
			validation.Required, validation.Min(int64(time.Millisecond))),
		"STREAM_MAX_DELIVERIES": validation.Validate(c.Stream.MaxDeliveries, validation.Min(int64(0))),
		"SMTP_TIMEOUT":          validation.Validate(int64(c.SMTP.Timeout), validation.Min(int64(0))),
	}.Filter()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateAPI checks token secrets, lifetimes and the HTTP settings of the API process.
func (c Config) ValidateAPI() error {
	t := c.Tokens
	err := validation.Errors{
		"ACCESS_SECRET":     validation.Validate(t.AccessSecret, validation.Required),
		"REFRESH_SECRET":    validation.Validate(t.RefreshSecret, validation.Required),
		"RESET_SECRET":      validation.Validate(t.ResetSecret, validation.Required),
		"ACCESS_TTL":        validation.Validate(int64(t.AccessTTL), validation.Required, validation.Min(int64(time.Second))),
		"REFRESH_TTL":       validation.Validate(int64(t.RefreshTTL), validation.Required, validation.Min(int64(time.Second))),
		"RESET_TTL":         validation.Validate(int64(t.ResetTTL), validation.Required, validation.Min(int64(time.Second))),
		"FRONTEND_URL":      validation.Validate(c.FrontendURL, validation.Required, is.URL),
		"AUTH_RATE_BURST":   validation.Validate(c.AuthRateBurst, validation.Required, validation.Min(1)),
		"AUTH_RATE_PER_SEC": validation.Validate(c.AuthRatePerSec, validation.Required, validation.Min(0.001)),
	}.Filter()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if t.AccessSecret != "" && (t.AccessSecret == t.RefreshSecret || t.AccessSecret == t.ResetSecret || t.RefreshSecret == t.ResetSecret) {
		errs = append(errs, errors.New("ACCESS_SECRET, REFRESH_SECRET and RESET_SECRET must all differ"))
	}
	if c.RevocationTTL < t.RefreshTTL {
		errs = append(errs, fmt.Errorf("REVOCATION_TTL (%s) must be at least REFRESH_TTL (%s)", c.RevocationTTL, t.RefreshTTL))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MailEnabled reports whether SMTP delivery is configured.
func (c Config) MailEnabled() bool {
	return c.SMTP.Host != "" && c.MailFrom != ""
}
