package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the portal core.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		LoginRate       float64       `mapstructure:"login_rate"`
		LoginBurst      int           `mapstructure:"login_burst"`
	} `mapstructure:"server"`
	DB           DBConfig           `mapstructure:"db"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Poller       PollerConfig       `mapstructure:"poller"`
	Log          LogConfig          `mapstructure:"log"`
	Vault        VaultConfig        `mapstructure:"vault"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"` // postgres | sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the SQLite database file when Driver is sqlite.
	Path string `mapstructure:"path"`
}

// DSN renders the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	LockoutDuration time.Duration `mapstructure:"lockout_duration"`
}

type OrchestratorConfig struct {
	Kind    string        `mapstructure:"kind"` // temporal | http
	Timeout time.Duration `mapstructure:"timeout"`

	Temporal struct {
		HostPort     string `mapstructure:"host_port"`
		Namespace    string `mapstructure:"namespace"`
		TaskQueue    string `mapstructure:"task_queue"`
		WorkflowType string `mapstructure:"workflow_type"`
	} `mapstructure:"temporal"`

	HTTP struct {
		BaseURL string `mapstructure:"base_url"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"http"`
}

type PollerConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Schedule  string  `mapstructure:"schedule"`
	RateLimit float64 `mapstructure:"rate_limit"`
	BatchSize int     `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	RoleID     string `mapstructure:"role_id"`
	SecretID   string `mapstructure:"secret_id"`
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
	CACert     string `mapstructure:"ca_cert"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.login_rate", 1.0)
	v.SetDefault("server.login_burst", 10)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "portal")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.path", "portal.db")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.max_attempts", 5)
	v.SetDefault("auth.lockout_duration", 15*time.Minute)

	v.SetDefault("orchestrator.kind", "temporal")
	v.SetDefault("orchestrator.timeout", 10*time.Second)
	v.SetDefault("orchestrator.temporal.host_port", "localhost:7233")
	v.SetDefault("orchestrator.temporal.namespace", "default")
	v.SetDefault("orchestrator.temporal.task_queue", "etl-pipelines")
	v.SetDefault("orchestrator.temporal.workflow_type", "EtlPipelineWorkflow")

	v.SetDefault("poller.enabled", false)
	v.SetDefault("poller.schedule", "@every 30s")
	v.SetDefault("poller.rate_limit", 5.0)
	v.SetDefault("poller.batch_size", 100)

	v.SetDefault("orchestrator.http.base_url", "")
	v.SetDefault("orchestrator.http.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "")
	v.SetDefault("vault.ca_cert", "")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "etl-portal")
}

// LoadConfig reads config.yaml from the given file, or from "." and
// "./config" when path is empty. Every key can be overridden from the
// environment with the PORTAL_ prefix, e.g. PORTAL_DB_PASSWORD.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AppRole credentials are also accepted from the plain ROLE_ID and
	// SECRET_ID variables the worker deployments already export.
	_ = v.BindEnv("vault.role_id", "PORTAL_VAULT_ROLE_ID", "ROLE_ID")
	_ = v.BindEnv("vault.secret_id", "PORTAL_VAULT_SECRET_ID", "SECRET_ID")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Auth.MaxAttempts <= 0 {
		return fmt.Errorf("config: auth.max_attempts must be positive")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported db.driver %q", c.DB.Driver)
	}
	switch c.Orchestrator.Kind {
	case "temporal":
	case "http":
		if c.Orchestrator.HTTP.BaseURL == "" {
			return fmt.Errorf("config: orchestrator.http.base_url is required")
		}
	default:
		return fmt.Errorf("config: unsupported orchestrator.kind %q", c.Orchestrator.Kind)
	}
	return nil
}
