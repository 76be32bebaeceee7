package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. REPORTFLOW_BUS_DRIVER.
	EnvPrefix = "REPORTFLOW"
	// EnvConfigFile names an optional YAML file read before the environment.
	EnvConfigFile = "REPORTFLOW_CONFIG"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader layers defaults, an optional config file and environment
// variables, in increasing precedence.
type ViperLoader struct {
	path        string
	serviceName string
	lookupEnv   func(string) (string, bool)
}

var _ Loader = (*ViperLoader)(nil)

// NewLoader creates a loader for serviceName. When path is empty the file
// named by REPORTFLOW_CONFIG is used, if any.
func NewLoader(serviceName, path string) *ViperLoader {
	return &ViperLoader{path: path, serviceName: serviceName, lookupEnv: os.LookupEnv}
}

// Load implements Loader.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	setDefaults(v, l.serviceName)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := l.path
	if path == "" {
		path, _ = l.lookupEnv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that no
// config file mentions.
func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("service.name", serviceName)
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.health_addr", ":8081")

	v.SetDefault("bus.driver", BusMemory)
	v.SetDefault("bus.topic_prefix", "")
	v.SetDefault("bus.workers", 1)
	v.SetDefault("bus.kafka.brokers", []string{})
	v.SetDefault("bus.kafka.client_id", serviceName)
	v.SetDefault("bus.kafka.group_prefix", "reportflow-")
	v.SetDefault("bus.kafka.commit_interval", time.Second)
	v.SetDefault("bus.pubsub.project_id", "")
	v.SetDefault("bus.pubsub.credentials_json", "")
	v.SetDefault("bus.pubsub.ack_deadline", 60*time.Second)
	v.SetDefault("bus.pubsub.max_outstanding_messages", 16)
	v.SetDefault("bus.pubsub.create_if_missing", false)

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 20*time.Second)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.probability", 0.05)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("worker.guard_window", 24*time.Hour)
	v.SetDefault("worker.guard_capacity", 100_000)
	v.SetDefault("worker.guard_shards", 32)
	v.SetDefault("worker.guard_lease", 15*time.Minute)
	v.SetDefault("worker.cache_ttl", time.Hour)
	v.SetDefault("worker.cache_capacity", 10_000)
	v.SetDefault("worker.fetch_timeout", 5*time.Second)
	v.SetDefault("worker.janitor_interval", time.Minute)
	v.SetDefault("worker.artifact_store", ArtifactFS)
	v.SetDefault("worker.artifact_dir", "./artifacts")
	v.SetDefault("worker.artifact_bucket", "")
	v.SetDefault("worker.activity_path", "")

	v.SetDefault("provider.base_url", "https://www.omdbapi.com/")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.requests_per_second", 5.0)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.retry_interval", 500*time.Millisecond)
	v.SetDefault("provider.breaker_failures", 5)
	v.SetDefault("provider.breaker_timeout", 30*time.Second)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.threshold", 2*time.Minute)
	v.SetDefault("sweeper.interval", 30*time.Second)
	v.SetDefault("sweeper.batch_size", 100)
}
