package config

import "time"

// StorageSettings selects the durable key-value store holding the queue record.
type StorageSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=memory sqlite postgres mongo spanner"`
	DSN        string `mapstructure:"dsn"`      // sqlite path or postgres connection string
	URI        string `mapstructure:"uri"`      // mongo URI or spanner database name
	Database   string `mapstructure:"database"` // mongo database
	Collection string `mapstructure:"collection"`
}

// ConnectivitySettings selects the source of the online/offline signal.
type ConnectivitySettings struct {
	Type          string        `mapstructure:"type" validate:"required,oneof=static http broker"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type QueueSettings struct {
	StorageKey   string        `mapstructure:"storage_key" validate:"required"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"min=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gt=0"` // base delay of the first retry
}
