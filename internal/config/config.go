package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/homerecorder/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultBroker   = "localhost"
	defaultPort     = 1883
	defaultPrefix   = "homed"
	defaultClientID = "homed-recorder"
	defaultDatabase = "/var/lib/homerecorder/homerecorder.db"
	defaultDays     = 7
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Database DatabaseConfig `mapstructure:"database"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
	ClientID string `mapstructure:"client_id"`
}

type DatabaseConfig struct {
	File  string `mapstructure:"file"`
	Days  int    `mapstructure:"days"`
	Debug bool   `mapstructure:"debug"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("homerecorder", pflag.ContinueOnError)
	configFlag := fs.String("config", "", "path to configuration file")
	logLevelFlag := fs.String("log-level", "", "logging level (debug, info, warning, error)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("mqtt.broker", defaultBroker)
	v.SetDefault("mqtt.port", defaultPort)
	v.SetDefault("mqtt.prefix", defaultPrefix)
	v.SetDefault("mqtt.client_id", defaultClientID)
	v.SetDefault("database.file", defaultDatabase)
	v.SetDefault("database.days", defaultDays)
	v.SetDefault("database.debug", false)

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("HOMERECORDER_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("homerecorder")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HOMERECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if *logLevelFlag != "" {
		config.LogLevel = *logLevelFlag
	}

	if config.Database.Days <= 0 {
		config.Database.Days = defaultDays
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return errFactory.New(errors.ErrInvalidLogLevel)
	}

	if c.Database.File == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "database file path is empty")
	}

	return nil
}

// IsDebug returns whether debug logging is enabled
func (c *Config) IsDebug() bool {
	return c.LogLevel == "debug"
}

// IsVerbose returns whether info-level logging is enabled
func (c *Config) IsVerbose() bool {
	return c.LogLevel == "debug" || c.LogLevel == "info"
}
