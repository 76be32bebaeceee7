package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// GroupPrefix is prepended to the subscription name to form the consumer group id.
	GroupPrefix string
	// TopicPrefix is prepended to every logical topic name.
	TopicPrefix string

	// CommitInterval bounds how long marked offsets stay uncommitted.
	CommitInterval time.Duration
	// NackInitialInterval and NackMaxInterval shape the in-place retry of a
	// message whose handler returned Nack.
	NackInitialInterval time.Duration
	NackMaxInterval     time.Duration
}

func (c *Config) withDefaults() {
	if c.CommitInterval <= 0 {
		c.CommitInterval = time.Second
	}
	if c.NackInitialInterval <= 0 {
		c.NackInitialInterval = 500 * time.Millisecond
	}
	if c.NackMaxInterval <= 0 {
		c.NackMaxInterval = 30 * time.Second
	}
}

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings. Offsets are committed only after a handler settles a message.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Net.MaxOpenRequests = 1

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectEventBus creates an EventBus with exponential backoff. It will retry
// failed connection attempts for up to 5 minutes, starting with 5 second
// intervals, to ride out brokers that are still starting.
func ConnectEventBus(
	cfg *Config,
	log *logger.Logger,
	metrics eventbus.Metrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var bus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating kafka client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		bus, err = NewEventBus(client, producer, cfg, log, metrics, tracer)
		if err != nil {
			_ = producer.Close()
			_ = client.Close()
			return err
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		log.Warn(context.Background(), "Failed to connect to Kafka, will retry", "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(operation, expBackoff, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return bus, nil
}
