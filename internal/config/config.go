// Package config defines the runtime configuration shared by the requester
// and worker binaries.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusKafka  = "kafka"
	BusPubSub = "pubsub"
)

// Repository drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Artifact store drivers.
const (
	ArtifactFS     = "fs"
	ArtifactGCS    = "gcs"
	ArtifactMemory = "memory"
)

// Config represents the top-level configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Bus       BusConfig       `mapstructure:"bus"`
	Store     StoreConfig     `mapstructure:"store"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// HealthAddr serves liveness and readiness for the worker, which has no API.
	HealthAddr string `mapstructure:"health_addr"`
}

// BusConfig selects and configures the event bus transport.
type BusConfig struct {
	Driver      string       `mapstructure:"driver" validate:"oneof=memory kafka pubsub"`
	TopicPrefix string       `mapstructure:"topic_prefix"`
	Workers     int          `mapstructure:"workers" validate:"gte=1"`
	Kafka       KafkaConfig  `mapstructure:"kafka"`
	PubSub      PubSubConfig `mapstructure:"pubsub"`
}

// KafkaConfig holds the sarama transport settings.
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	GroupPrefix    string        `mapstructure:"group_prefix"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
}

// PubSubConfig holds the Google Cloud Pub/Sub transport settings.
type PubSubConfig struct {
	ProjectID              string        `mapstructure:"project_id"`
	CredentialsJSON        string        `mapstructure:"credentials_json"`
	AckDeadline            time.Duration `mapstructure:"ack_deadline"`
	MaxOutstandingMessages int           `mapstructure:"max_outstanding_messages"`
	CreateIfMissing        bool          `mapstructure:"create_if_missing"`
}

// StoreConfig selects the report repository.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres"`
}

// PostgresConfig holds the connection pool settings.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MinConns int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
	Migrate  bool   `mapstructure:"migrate"`
}

// HTTPConfig configures the requester API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TelemetryConfig configures the OTLP exporters. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure    bool    `mapstructure:"insecure"`
}

// WorkerConfig configures the report orchestrator and its collaborators.
type WorkerConfig struct {
	GuardWindow    time.Duration `mapstructure:"guard_window" validate:"gt=0"`
	GuardCapacity  int           `mapstructure:"guard_capacity" validate:"gte=1"`
	GuardShards    int           `mapstructure:"guard_shards" validate:"gte=1"`
	GuardLease     time.Duration `mapstructure:"guard_lease" validate:"gt=0"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	CacheCapacity  int           `mapstructure:"cache_capacity" validate:"gte=0"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	JanitorEvery   time.Duration `mapstructure:"janitor_interval" validate:"gt=0"`
	ArtifactStore  string        `mapstructure:"artifact_store" validate:"oneof=fs gcs memory"`
	ArtifactDir    string        `mapstructure:"artifact_dir"`
	ArtifactBucket string        `mapstructure:"artifact_bucket"`
	ActivityPath   string        `mapstructure:"activity_path"`
}

// ProviderConfig configures the external movie metadata provider.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=1"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures" validate:"gte=1"`
	BreakerTimeout    time.Duration `mapstructure:"breaker_timeout"`
}

// SweeperConfig configures the requester's pending sweeper.
type SweeperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold time.Duration `mapstructure:"threshold" validate:"gt=0"`
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gte=1"`
}

// Validate checks field constraints and the cross-field rules that depend on
// the selected drivers.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		errs := make([]error, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	switch c.Bus.Driver {
	case BusKafka:
		if len(c.Bus.Kafka.Brokers) == 0 {
			return errors.New("invalid configuration: bus.kafka.brokers is required for the kafka driver")
		}
	case BusPubSub:
		if c.Bus.PubSub.ProjectID == "" {
			return errors.New("invalid configuration: bus.pubsub.project_id is required for the pubsub driver")
		}
	}
	if c.Store.Driver == StorePostgres && c.Postgres.DSN == "" {
		return errors.New("invalid configuration: postgres.dsn is required for the postgres store")
	}
	switch c.Worker.ArtifactStore {
	case ArtifactFS:
		if c.Worker.ArtifactDir == "" {
			return errors.New("invalid configuration: worker.artifact_dir is required for the fs artifact store")
		}
	case ArtifactGCS:
		if c.Worker.ArtifactBucket == "" {
			return errors.New("invalid configuration: worker.artifact_bucket is required for the gcs artifact store")
		}
	}
	return nil
}
