package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Dispatch    DispatchConfig  `mapstructure:"dispatch"`
	Webhooks    WebhookConfig   `mapstructure:"webhooks"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Retention   RetentionConfig `mapstructure:"retention"`
}

// Development reports whether the SSRF guard on webhook target URLs is
// relaxed (plain HTTP and private addresses allowed).
func (c *Config) Development() bool {
	return c.Environment == "development"
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DispatchConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	UserAgent    string        `mapstructure:"user_agent"`
}

type WebhookConfig struct {
	MaxPerUser int `mapstructure:"max_per_user"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	DeliveryTTL time.Duration `mapstructure:"delivery_ttl"`
	AttemptTTL  time.Duration `mapstructure:"attempt_ttl"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("novahooks")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/novahooks")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NOVAHOOKS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("environment", "production")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/novahooks.db")

	viper.SetDefault("dispatch.poll_interval", 5*time.Second)
	viper.SetDefault("dispatch.batch_size", 10)
	viper.SetDefault("dispatch.user_agent", "NovaHooks/1.0")

	viper.SetDefault("webhooks.max_per_user", 20)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("retention.interval", time.Hour)
	viper.SetDefault("retention.delivery_ttl", 30*24*time.Hour)
	viper.SetDefault("retention.attempt_ttl", 7*24*time.Hour)
}
