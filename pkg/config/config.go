package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Mail      MailConfig
	Workflow  WorkflowConfig
	Notifier  NotifierConfig
	Generator GeneratorConfig
	Exports   ExportsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MailConfig tunes the resilient provider client.
type MailConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	CallTimeout    time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
	MaxPageSize    int
}

// WorkflowConfig governs engine execution and the advance poller.
type WorkflowConfig struct {
	NodeRetries       int
	WorkerConcurrency int
	PollInterval      time.Duration
	LockTTL           time.Duration
}

// NotifierConfig points at the chat-bot dispatch webhook.
type NotifierConfig struct {
	WebhookURL  string
	CallTimeout time.Duration
}

// GeneratorConfig bounds the draft generation collaborator.
type GeneratorConfig struct {
	Deadline time.Duration
}

// ExportsConfig controls asynchronous approval-history exports.
type ExportsConfig struct {
	Enabled           bool
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Mail = MailConfig{
		BaseURL:        v.GetString("MAIL_API_BASE_URL"),
		TokenURL:       v.GetString("MAIL_TOKEN_URL"),
		ClientID:       v.GetString("MAIL_CLIENT_ID"),
		ClientSecret:   v.GetString("MAIL_CLIENT_SECRET"),
		CallTimeout:    parseDuration(v.GetString("MAIL_CALL_TIMEOUT"), 15*time.Second),
		RetryBaseDelay: parseDuration(v.GetString("MAIL_RETRY_BASE_DELAY"), 2*time.Second),
		MaxRetries:     v.GetInt("MAIL_MAX_RETRIES"),
		MaxPageSize:    v.GetInt("MAIL_MAX_PAGE_SIZE"),
	}

	cfg.Workflow = WorkflowConfig{
		NodeRetries:       v.GetInt("WORKFLOW_NODE_RETRIES"),
		WorkerConcurrency: v.GetInt("WORKFLOW_WORKER_CONCURRENCY"),
		PollInterval:      parseDuration(v.GetString("WORKFLOW_POLL_INTERVAL"), 30*time.Second),
		LockTTL:           parseDuration(v.GetString("WORKFLOW_LOCK_TTL"), 30*time.Second),
	}

	cfg.Notifier = NotifierConfig{
		WebhookURL:  v.GetString("NOTIFIER_WEBHOOK_URL"),
		CallTimeout: parseDuration(v.GetString("NOTIFIER_CALL_TIMEOUT"), 10*time.Second),
	}

	cfg.Generator = GeneratorConfig{
		Deadline: parseDuration(v.GetString("GENERATOR_DEADLINE"), 45*time.Second),
	}

	cfg.Exports = ExportsConfig{
		Enabled:           v.GetBool("ENABLE_EXPORTS"),
		StorageDir:        v.GetString("EXPORTS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("EXPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("EXPORTS_SIGNED_URL_TTL"), 24*time.Hour),
		WorkerConcurrency: v.GetInt("EXPORTS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("EXPORTS_WORKER_RETRIES"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "triage")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("MAIL_API_BASE_URL", "https://mail.googleapis.com")
	v.SetDefault("MAIL_TOKEN_URL", "https://oauth2.googleapis.com/token")
	v.SetDefault("MAIL_CLIENT_ID", "")
	v.SetDefault("MAIL_CLIENT_SECRET", "")
	v.SetDefault("MAIL_CALL_TIMEOUT", "15s")
	v.SetDefault("MAIL_RETRY_BASE_DELAY", "2s")
	v.SetDefault("MAIL_MAX_RETRIES", 3)
	v.SetDefault("MAIL_MAX_PAGE_SIZE", 100)

	v.SetDefault("WORKFLOW_NODE_RETRIES", 2)
	v.SetDefault("WORKFLOW_WORKER_CONCURRENCY", 4)
	v.SetDefault("WORKFLOW_POLL_INTERVAL", "30s")
	v.SetDefault("WORKFLOW_LOCK_TTL", "30s")

	v.SetDefault("NOTIFIER_WEBHOOK_URL", "")
	v.SetDefault("NOTIFIER_CALL_TIMEOUT", "10s")
	v.SetDefault("GENERATOR_DEADLINE", "45s")

	v.SetDefault("ENABLE_EXPORTS", false)
	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("EXPORTS_SIGNED_URL_SECRET", "dev_exports_secret")
	v.SetDefault("EXPORTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("EXPORTS_WORKER_CONCURRENCY", 1)
	v.SetDefault("EXPORTS_WORKER_RETRIES", 3)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
