package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the themis service.
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	API struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"api"`

	Storage struct {
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"storage"`

	Rules struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"rules"`

	Pipeline struct {
		QueueSize            int `mapstructure:"queue_size"`
		ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
	} `mapstructure:"pipeline"`

	Dedup struct {
		WindowMinutes int `mapstructure:"window_minutes"`
		MaxEntries    int `mapstructure:"max_entries"`
		Redis         struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"dedup"`

	Notifications struct {
		RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
		RateLimitBurst     int     `mapstructure:"rate_limit_burst"`

		Email struct {
			Enabled     bool     `mapstructure:"enabled"`
			SMTPHost    string   `mapstructure:"smtp_host"`
			SMTPPort    int      `mapstructure:"smtp_port"`
			Username    string   `mapstructure:"username"`
			FromAddress string   `mapstructure:"from_address"`
			ToAddresses []string `mapstructure:"to_addresses"`
		} `mapstructure:"email"`

		Webhook struct {
			Enabled bool              `mapstructure:"enabled"`
			URL     string            `mapstructure:"url"`
			Method  string            `mapstructure:"method"`
			Headers map[string]string `mapstructure:"headers"`
		} `mapstructure:"webhook"`

		Slack struct {
			Enabled    bool   `mapstructure:"enabled"`
			WebhookURL string `mapstructure:"webhook_url"`
			Channel    string `mapstructure:"channel"`
		} `mapstructure:"slack"`
	} `mapstructure:"notifications"`

	Retention struct {
		Days               int      `mapstructure:"days"`
		Policy             string   `mapstructure:"policy"`
		PIIFields          []string `mapstructure:"pii_fields"`
		SweepIntervalHours int      `mapstructure:"sweep_interval_hours"`
	} `mapstructure:"retention"`

	Monitor struct {
		Enabled         bool `mapstructure:"enabled"`
		WindowMinutes   int  `mapstructure:"window_minutes"`
		IntervalMinutes int  `mapstructure:"interval_minutes"`
		Rules           []struct {
			Category  string `mapstructure:"category"`
			Threshold int64  `mapstructure:"threshold"`
			Severity  string `mapstructure:"severity"`
		} `mapstructure:"rules"`
	} `mapstructure:"monitor"`

	Secrets struct {
		Provider string `mapstructure:"provider"`
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`
}

// LoadConfig reads configuration from file and environment. Environment
// variables use the THEMIS_ prefix with underscores for nesting, e.g.
// THEMIS_API_PORT. A malformed config is an error the caller treats as
// fatal.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/themis")
	}

	v.SetEnvPrefix("THEMIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover it.
		// An explicitly named file must exist.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("storage.sqlite_path", "./data/themis.db")
	v.SetDefault("rules.path", "./compliance_rules.yaml")

	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.shutdown_grace_seconds", 15)

	v.SetDefault("dedup.window_minutes", 60)
	v.SetDefault("dedup.max_entries", 100000)
	v.SetDefault("dedup.redis.enabled", false)
	v.SetDefault("dedup.redis.addr", "localhost:6379")

	v.SetDefault("notifications.rate_limit_per_second", 0)
	v.SetDefault("notifications.rate_limit_burst", 1)
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.webhook.method", "POST")

	v.SetDefault("retention.days", 365)
	v.SetDefault("retention.policy", "anonymize")
	v.SetDefault("retention.pii_fields", []string{"email", "phone", "name", "address", "iban"})
	v.SetDefault("retention.sweep_interval_hours", 24)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.window_minutes", 60)
	v.SetDefault("monitor.interval_minutes", 5)

	v.SetDefault("secrets.provider", "env")
}

// Validate checks cross-field constraints. Called at startup; any error
// here is fatal.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be positive, got %d", c.Retention.Days)
	}
	switch c.Retention.Policy {
	case "anonymize", "delete":
	default:
		return fmt.Errorf("retention.policy must be anonymize or delete, got %q", c.Retention.Policy)
	}
	if c.Dedup.WindowMinutes <= 0 {
		return fmt.Errorf("dedup.window_minutes must be positive, got %d", c.Dedup.WindowMinutes)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	switch c.Secrets.Provider {
	case "", "env", "vault", "aws":
	default:
		return fmt.Errorf("secrets.provider must be env, vault, or aws, got %q", c.Secrets.Provider)
	}
	if c.Notifications.Email.Enabled {
		if c.Notifications.Email.SMTPHost == "" {
			return fmt.Errorf("notifications.email enabled but smtp_host is empty")
		}
		if len(c.Notifications.Email.ToAddresses) == 0 {
			return fmt.Errorf("notifications.email enabled but to_addresses is empty")
		}
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("notifications.webhook enabled but url is empty")
	}
	if c.Notifications.Slack.Enabled && c.Notifications.Slack.WebhookURL == "" {
		return fmt.Errorf("notifications.slack enabled but webhook_url is empty")
	}
	return nil
}

// DedupWindow returns the dedup window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowMinutes) * time.Minute
}

// ShutdownGrace returns the pipeline shutdown grace as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Pipeline.ShutdownGraceSeconds) * time.Second
}

// SweepInterval returns the retention sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalHours) * time.Hour
}
