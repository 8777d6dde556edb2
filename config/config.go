package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the validation service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Reasoning ReasoningConfig `mapstructure:"reasoning"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// ReasoningConfig configures the external reasoning service used to evaluate criteria
type ReasoningConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

func (r ReasoningConfig) Validate() error {
	if strings.TrimSpace(r.APIKey) == "" {
		return fmt.Errorf("reasoning.api_key is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("reasoning.model is required")
	}
	return nil
}

// PipelineConfig controls the assessment pipeline behaviour
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	TaskBudget       time.Duration `mapstructure:"task_budget"`
	MinEvidenceScore float64       `mapstructure:"min_evidence_score"`
	SnippetMaxChars  int           `mapstructure:"snippet_max_chars"`
	CacheBackend     string        `mapstructure:"cache_backend"` // inmemory or redis
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	BatchCriteria    bool          `mapstructure:"batch_criteria"`
}

func (p PipelineConfig) Validate() error {
	if p.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if p.TaskBudget <= 0 {
		return fmt.Errorf("pipeline.task_budget must be > 0")
	}
	switch p.CacheBackend {
	case "inmemory", "redis":
	default:
		return fmt.Errorf("pipeline.cache_backend must be inmemory or redis, got %q", p.CacheBackend)
	}
	return nil
}

// DocumentsConfig points at the document store backing uploaded files
type DocumentsConfig struct {
	Dir string `mapstructure:"dir"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the discrete fields unless url is set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AppConfig is the process-wide configuration, populated by LoadConfig.
var AppConfig *Config

// LoadConfig reads config.json (plus VERIDOC_* env overrides) into a Config.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("reasoning.base_url", "https://api.openai.com/v1")
	viper.SetDefault("reasoning.temperature", 0.0)
	viper.SetDefault("reasoning.max_tokens", 2048)
	viper.SetDefault("reasoning.timeout", time.Minute)
	viper.SetDefault("reasoning.max_retries", 3)
	viper.SetDefault("reasoning.backoff_base", time.Second)
	viper.SetDefault("reasoning.backoff_cap", 15*time.Second)
	viper.SetDefault("pipeline.workers", 8)
	viper.SetDefault("pipeline.task_budget", 3*time.Minute)
	viper.SetDefault("pipeline.min_evidence_score", 0.05)
	viper.SetDefault("pipeline.snippet_max_chars", 300)
	viper.SetDefault("pipeline.cache_backend", "inmemory")
	viper.SetDefault("pipeline.cache_ttl", 24*time.Hour)
	viper.SetDefault("pipeline.batch_criteria", true)
	viper.SetDefault("documents.dir", "./documents")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("VERIDOC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
		// defaults + env only
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	AppConfig = &config
	return &config
}
