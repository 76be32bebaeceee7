package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader("reportflow-worker", "").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "reportflow-worker", cfg.Service.Name)
	assert.Equal(t, BusMemory, cfg.Bus.Driver)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Worker.GuardWindow)
	assert.Equal(t, 15*time.Minute, cfg.Worker.GuardLease)
	assert.Equal(t, time.Hour, cfg.Worker.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.Worker.FetchTimeout)
	assert.True(t, cfg.Sweeper.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REPORTFLOW_BUS_DRIVER", "kafka")
	t.Setenv("REPORTFLOW_BUS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REPORTFLOW_WORKER_CACHE_TTL", "90m")
	t.Setenv("REPORTFLOW_PROVIDER_API_KEY", "secret")

	cfg, err := NewLoader("reportflow-worker", "").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, BusKafka, cfg.Bus.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.Kafka.Brokers)
	assert.Equal(t, 90*time.Minute, cfg.Worker.CacheTTL)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reportflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
postgres:
  dsn: postgres://reportflow@localhost:5432/reportflow
worker:
  artifact_store: memory
  guard_window: 6h
`), 0o600))
	t.Setenv(EnvConfigFile, path)
	t.Setenv("REPORTFLOW_WORKER_GUARD_WINDOW", "12h")

	cfg, err := NewLoader("reportflow-requester", "").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, ArtifactMemory, cfg.Worker.ArtifactStore)
	assert.Equal(t, 12*time.Hour, cfg.Worker.GuardWindow, "environment wins over the file")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader("svc", filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := NewLoader("svc", "").Load(context.Background())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown bus driver", func(c *Config) { c.Bus.Driver = "nats" }},
		{"kafka without brokers", func(c *Config) { c.Bus.Driver = BusKafka }},
		{"pubsub without project", func(c *Config) { c.Bus.Driver = BusPubSub }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres }},
		{"gcs without bucket", func(c *Config) { c.Worker.ArtifactStore = ArtifactGCS }},
		{"zero guard window", func(c *Config) { c.Worker.GuardWindow = 0 }},
		{"zero guard lease", func(c *Config) { c.Worker.GuardLease = 0 }},
		{"bad sampling probability", func(c *Config) { c.Telemetry.Probability = 2 }},
		{"bad provider url", func(c *Config) { c.Provider.BaseURL = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
