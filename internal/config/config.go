// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Store struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

type Bus struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`

	VerifyQueue  string `mapstructure:"verify_queue"`
	CollectQueue string `mapstructure:"collect_queue"`
	AnalyzeQueue string `mapstructure:"analyze_queue"`
	EmailQueue   string `mapstructure:"email_queue"`
	RetryQueue   string `mapstructure:"retry_queue"`

	StatusKeyPattern string        `mapstructure:"status_key_pattern"`
	LockKeyPattern   string        `mapstructure:"lock_key_pattern"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	BRPopTimeout     time.Duration `mapstructure:"brpop_timeout"`
}

type Worker struct {
	VerifyCount  int `mapstructure:"verify_count"`
	CollectCount int `mapstructure:"collect_count"`
	AnalyzeCount int `mapstructure:"analyze_count"`
	NotifyCount  int `mapstructure:"notify_count"`
}

type Archive struct {
	BaseURL             string        `mapstructure:"base_url"`
	APIKey              string        `mapstructure:"api_key"`
	StartAuthPath       string        `mapstructure:"start_auth_path"`
	RedirectPath        string        `mapstructure:"redirect_path"`
	AuthorizationPath   string        `mapstructure:"authorization_path"`
	FinalizeAuthPath    string        `mapstructure:"finalize_auth_path"`
	WatchHistoryPath    string        `mapstructure:"watch_history_path"`
	StartWatchPath      string        `mapstructure:"start_watch_path"`
	FinalizeWatchPath   string        `mapstructure:"finalize_watch_path"`
	Timeout             time.Duration `mapstructure:"timeout"`
	CollectPageSize     int           `mapstructure:"collect_page_size"`
	RegionWhitelist     []string      `mapstructure:"region_whitelist"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type LLM struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type Email struct {
	AWSRegion    string `mapstructure:"aws_region"`
	SenderAddr   string `mapstructure:"sender_addr"`
	FrontendURL  string `mapstructure:"frontend_url"`
}

type Session struct {
	TTL           time.Duration `mapstructure:"ttl"`
	EncryptionKey string        `mapstructure:"encryption_key"`
}

type Facade struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Reaper struct {
	Schedule string        `mapstructure:"schedule"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type EventHooks struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type Config struct {
	Store          Store               `mapstructure:"store"`
	Bus            Bus                 `mapstructure:"bus"`
	Worker         Worker              `mapstructure:"worker"`
	Archive        Archive             `mapstructure:"archive"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	LLM            LLM                 `mapstructure:"llm"`
	Email          Email               `mapstructure:"email"`
	Session        Session             `mapstructure:"session"`
	Facade         Facade              `mapstructure:"facade"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	Reaper         Reaper              `mapstructure:"reaper"`
	EventHooks     EventHooks          `mapstructure:"event_hooks"`
}

func defaultConfig() *Config {
	return &Config{
		Store: Store{
			DSN:             "postgres://localhost:5432/archivewrapped?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrationsPath:  "internal/store/migrations",
		},
		Bus: Bus{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			VerifyQueue:        "pipeline:verify_queue",
			CollectQueue:       "pipeline:collect_queue",
			AnalyzeQueue:       "pipeline:analyze_queue",
			EmailQueue:         "pipeline:email_queue",
			RetryQueue:         "pipeline:retry_queue",
			StatusKeyPattern:   "pipeline:task:%s:status",
			LockKeyPattern:     "pipeline:task:%s:lock",
			LockTTL:            60 * time.Second,
			BRPopTimeout:       5 * time.Second,
		},
		Worker: Worker{
			VerifyCount:  4,
			CollectCount: 4,
			AnalyzeCount: 2,
			NotifyCount:  2,
		},
		Archive: Archive{
			BaseURL:           "https://archive.example.com",
			StartAuthPath:     "/archive/xordi/start-auth",
			RedirectPath:      "/archive/xordi/redirect",
			AuthorizationPath: "/archive/xordi/authorization-code",
			FinalizeAuthPath:  "/archive/xordi/finalize",
			WatchHistoryPath:  "/archive/watch-history",
			StartWatchPath:    "/archive/watch-history/start",
			FinalizeWatchPath: "/archive/watch-history/finalize",
			Timeout:           10 * time.Second,
			CollectPageSize:   900,
			RegionWhitelist:   []string{"CN"},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		LLM: LLM{
			Model: "claude-haiku-4-5",
		},
		Email: Email{
			AWSRegion:   "us-east-1",
			FrontendURL: "http://localhost:3000",
		},
		Session: Session{
			TTL: 30 * 24 * time.Hour,
		},
		Facade: Facade{
			ListenAddr:      ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
		Reaper: Reaper{
			Schedule:    "@every 1m",
			GracePeriod: 2 * time.Minute,
		},
	}
}

// Load reads configuration from a YAML file (if present) with env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("store.dsn", def.Store.DSN)
	v.SetDefault("store.max_open_conns", def.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", def.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", def.Store.ConnMaxLifetime)
	v.SetDefault("store.migrations_path", def.Store.MigrationsPath)

	v.SetDefault("bus.addr", def.Bus.Addr)
	v.SetDefault("bus.pool_size_multiplier", def.Bus.PoolSizeMultiplier)
	v.SetDefault("bus.min_idle_conns", def.Bus.MinIdleConns)
	v.SetDefault("bus.dial_timeout", def.Bus.DialTimeout)
	v.SetDefault("bus.read_timeout", def.Bus.ReadTimeout)
	v.SetDefault("bus.write_timeout", def.Bus.WriteTimeout)
	v.SetDefault("bus.verify_queue", def.Bus.VerifyQueue)
	v.SetDefault("bus.collect_queue", def.Bus.CollectQueue)
	v.SetDefault("bus.analyze_queue", def.Bus.AnalyzeQueue)
	v.SetDefault("bus.email_queue", def.Bus.EmailQueue)
	v.SetDefault("bus.retry_queue", def.Bus.RetryQueue)
	v.SetDefault("bus.status_key_pattern", def.Bus.StatusKeyPattern)
	v.SetDefault("bus.lock_key_pattern", def.Bus.LockKeyPattern)
	v.SetDefault("bus.lock_ttl", def.Bus.LockTTL)
	v.SetDefault("bus.brpop_timeout", def.Bus.BRPopTimeout)

	v.SetDefault("worker.verify_count", def.Worker.VerifyCount)
	v.SetDefault("worker.collect_count", def.Worker.CollectCount)
	v.SetDefault("worker.analyze_count", def.Worker.AnalyzeCount)
	v.SetDefault("worker.notify_count", def.Worker.NotifyCount)

	v.SetDefault("archive.base_url", def.Archive.BaseURL)
	v.SetDefault("archive.start_auth_path", def.Archive.StartAuthPath)
	v.SetDefault("archive.redirect_path", def.Archive.RedirectPath)
	v.SetDefault("archive.authorization_path", def.Archive.AuthorizationPath)
	v.SetDefault("archive.finalize_auth_path", def.Archive.FinalizeAuthPath)
	v.SetDefault("archive.watch_history_path", def.Archive.WatchHistoryPath)
	v.SetDefault("archive.start_watch_path", def.Archive.StartWatchPath)
	v.SetDefault("archive.finalize_watch_path", def.Archive.FinalizeWatchPath)
	v.SetDefault("archive.timeout", def.Archive.Timeout)
	v.SetDefault("archive.collect_page_size", def.Archive.CollectPageSize)
	v.SetDefault("archive.region_whitelist", def.Archive.RegionWhitelist)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("llm.model", def.LLM.Model)

	v.SetDefault("email.aws_region", def.Email.AWSRegion)
	v.SetDefault("email.frontend_url", def.Email.FrontendURL)

	v.SetDefault("session.ttl", def.Session.TTL)

	v.SetDefault("facade.listen_addr", def.Facade.ListenAddr)
	v.SetDefault("facade.read_timeout", def.Facade.ReadTimeout)
	v.SetDefault("facade.write_timeout", def.Facade.WriteTimeout)
	v.SetDefault("facade.rate_limit_per_sec", def.Facade.RateLimitPerSec)
	v.SetDefault("facade.rate_limit_burst", def.Facade.RateLimitBurst)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	v.SetDefault("reaper.schedule", def.Reaper.Schedule)
	v.SetDefault("reaper.grace_period", def.Reaper.GracePeriod)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set")
	}
	if cfg.Bus.Addr == "" {
		return fmt.Errorf("bus.addr must be set")
	}
	if cfg.Bus.LockTTL < 5*time.Second {
		return fmt.Errorf("bus.lock_ttl must be >= 5s")
	}
	if cfg.Worker.VerifyCount < 1 || cfg.Worker.CollectCount < 1 || cfg.Worker.AnalyzeCount < 1 || cfg.Worker.NotifyCount < 1 {
		return fmt.Errorf("worker counts must all be >= 1")
	}
	if cfg.Archive.CollectPageSize < 1 {
		return fmt.Errorf("archive.collect_page_size must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
