package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Dialog     DialogConfig     `mapstructure:"dialog"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
	Debug      bool             `mapstructure:"debug"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

// APIConfig describes the generation backend
type APIConfig struct {
	Key               string        `mapstructure:"key"`
	BaseURL           string        `mapstructure:"base_url"`
	AssistantURL      string        `mapstructure:"assistant_url"`
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
	AssistantTimeout  time.Duration `mapstructure:"assistant_timeout"`
	ImageTimeout      time.Duration `mapstructure:"image_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type DialogConfig struct {
	Store         string        `mapstructure:"store"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// envBindings maps config keys to the environment variables that set them
var envBindings = map[string][]string{
	"bot.token":                      {"TELEGRAM_TOKEN", "BOT_TOKEN"},
	"bot.webhook.enabled":            {"WEBHOOK_ENABLED"},
	"bot.webhook.url":                {"WEBHOOK_URL"},
	"bot.webhook.port":               {"WEBHOOK_PORT"},
	"bot.update_timeout":             {"UPDATE_TIMEOUT"},
	"api.key":                        {"OPENAI_API_KEY"},
	"api.base_url":                   {"OPENAI_BASE_URL"},
	"api.assistant_url":              {"AI_ASSISTANT_URL"},
	"api.completion_timeout":         {"COMPLETION_TIMEOUT"},
	"api.assistant_timeout":          {"ASSISTANT_TIMEOUT"},
	"api.image_timeout":              {"IMAGE_TIMEOUT"},
	"database.url":                   {"DATABASE_URL", "POSTGRES_URL"},
	"dialog.store":                   {"DIALOG_STORE"},
	"dialog.timeout":                 {"DIALOG_TIMEOUT"},
	"dialog.sweep_interval":          {"DIALOG_SWEEP_INTERVAL"},
	"redis.addr":                     {"REDIS_ADDR"},
	"redis.password":                 {"REDIS_PASSWORD"},
	"redis.db":                       {"REDIS_DB"},
	"cache.enabled":                  {"SETTINGS_CACHE_ENABLED"},
	"cache.ttl":                      {"SETTINGS_CACHE_TTL"},
	"rate_limit.enabled":             {"RATE_LIMIT_ENABLED"},
	"rate_limit.requests_per_minute": {"RATE_LIMIT_RPM"},
	"rate_limit.burst":               {"RATE_LIMIT_BURST"},
	"logging.level":                  {"LOG_LEVEL"},
	"logging.format":                 {"LOG_FORMAT"},
	"logging.output":                 {"LOG_OUTPUT"},
	"logging.file.path":              {"LOG_FILE"},
	"monitoring.metrics.enabled":     {"METRICS_ENABLED"},
	"monitoring.metrics.port":        {"METRICS_PORT"},
	"monitoring.metrics.path":        {"METRICS_PATH"},
	"i18n.default_language":          {"DEFAULT_LANGUAGE"},
	"debug":                          {"DEBUG_MODE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.update_timeout", 60)
	v.SetDefault("bot.webhook.port", 8443)
	v.SetDefault("api.base_url", "https://api.openai.com/v1")
	v.SetDefault("api.completion_timeout", 120*time.Second)
	v.SetDefault("api.assistant_timeout", 30*time.Second)
	v.SetDefault("api.image_timeout", 120*time.Second)
	v.SetDefault("database.url", "sqlite://tg-gpt-bot.db")
	v.SetDefault("dialog.store", "memory")
	v.SetDefault("dialog.timeout", 300*time.Second)
	v.SetDefault("dialog.sweep_interval", 5*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 20)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs/bot.log")
	v.SetDefault("logging.file.max_size", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 28)
	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "ru"})
}

// LoadConfig loads configuration from environment variables and, when
// configPath is non-empty, from a YAML file underneath them
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Debug {
		config.Logging.Level = "debug"
	}
	config.API.BaseURL = strings.TrimRight(config.API.BaseURL, "/")

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("TELEGRAM_TOKEN is required")
	}
	if cfg.API.Key == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.Dialog.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported dialog store: %s", cfg.Dialog.Store)
	}
	if cfg.Bot.Webhook.Enabled && cfg.Bot.Webhook.URL == "" {
		return fmt.Errorf("WEBHOOK_URL is required when webhook is enabled")
	}
	return nil
}
