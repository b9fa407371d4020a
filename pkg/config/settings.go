package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "OFFLINEQ"

type Settings struct {
	Storage       StorageSettings      `mapstructure:"storage"`
	Broker        BrokerSettings       `mapstructure:"broker"`
	Connectivity  ConnectivitySettings `mapstructure:"connectivity"`
	Queue         QueueSettings        `mapstructure:"queue"`
	HTTPAddr      string               `mapstructure:"http_addr" validate:"required"`
	Log           LogSettings          `mapstructure:"log"`
	Observability Observability        `mapstructure:"observability"`
}

// Validate checks struct tags first and then the settings that only make sense for a given backend.
func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Storage.Type {
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for %s", c.Storage.Type)
		}
	case "mongo":
		if c.Storage.URI == "" || c.Storage.Database == "" {
			return errors.New("storage.uri and storage.database are required for mongo")
		}
	case "spanner":
		if c.Storage.URI == "" {
			return errors.New("storage.uri is required for spanner")
		}
	}

	switch c.Connectivity.Type {
	case "http":
		if err := validate.Var(c.Connectivity.ProbeURL, "required,url"); err != nil {
			return fmt.Errorf("connectivity.probe_url: %w", err)
		}
	case "broker":
		if c.Broker.Type != "rabbitmq" {
			return errors.New("connectivity.type broker requires broker.type rabbitmq")
		}
	}

	if c.Broker.Type == "rabbitmq" && c.Broker.URL == "" {
		return errors.New("broker.url is required for rabbitmq")
	}
	if c.Broker.Type == "gcp-pubsub" && c.Broker.ProjectID == "" {
		return errors.New("broker.project_id is required for gcp-pubsub")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.dsn", "offline-actions.db")
	viper.SetDefault("storage.collection", "offline_kv")
	viper.SetDefault("broker.pool_size", 5)
	viper.SetDefault("broker.exchange", "offline-actions")
	viper.SetDefault("connectivity.type", "static")
	viper.SetDefault("connectivity.probe_interval", 10*time.Second)
	viper.SetDefault("connectivity.probe_timeout", 3*time.Second)
	viper.SetDefault("queue.storage_key", "offline-actions")
	viper.SetDefault("queue.max_retries", 3)
	viper.SetDefault("queue.retry_backoff", time.Second)
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("observability.service_name", "offline-sidecar")
}

// LoadFromFile reads offline-sidecar.yaml from filePath, merges the environment specific
// overlay and the OFFLINEQ_ environment variables, and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml")
	viper.SetConfigName("offline-sidecar")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("no config file found, relying on env")
	}

	if err := mergeConfig(filePath, "offline-sidecar."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like OFFLINEQ_STORAGE_TYPE
	viper.AutomaticEnv()

	// Unmarshal only sees keys viper already knows about, so bind every key explicitly.
	for _, key := range []string{
		"storage.type", "storage.dsn", "storage.uri", "storage.database", "storage.collection",
		"broker.type", "broker.url", "broker.exchange", "broker.project_id", "broker.pool_size", "broker.topic_prefix",
		"connectivity.type", "connectivity.probe_url", "connectivity.probe_interval", "connectivity.probe_timeout",
		"queue.storage_key", "queue.max_retries", "queue.retry_backoff",
		"http_addr", "log.level", "log.format",
		"observability.service_name", "observability.tracing_url",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
