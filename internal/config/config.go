package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	LogMode bool   `mapstructure:"log_mode"`
}

type AttributionConfig struct {
	Epsilon    string `mapstructure:"epsilon"`
	MaxPeriods int    `mapstructure:"max_periods"`
}

func (a AttributionConfig) EpsilonAmount() (decimal.Decimal, error) {
	eps, err := decimal.NewFromString(a.Epsilon)
	if err != nil {
		return decimal.Zero, fmt.Errorf("attribution.epsilon: %w", err)
	}
	if !eps.IsPositive() {
		return decimal.Zero, fmt.Errorf("attribution.epsilon must be positive, got %s", eps)
	}
	return eps, nil
}

type SweepConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Attribution AttributionConfig `mapstructure:"attribution"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
}

// Load reads config.yaml from the working directory when path is empty.
// A missing file is not an error; every key has a default and can be
// overridden from the environment, e.g. ATTR_SERVER_PORT=9000.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data.db")
	v.SetDefault("database.log_mode", false)
	v.SetDefault("attribution.epsilon", "1")
	v.SetDefault("attribution.max_periods", 12)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "@every 5m")
	v.SetDefault("sweep.batch_size", 100)

	v.SetEnvPrefix("ATTR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		fmt.Println("No config file found, using defaults")
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}
