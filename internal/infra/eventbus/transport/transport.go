// Package transport opens the event bus selected by configuration.
package transport

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/config"
	"github.com/ahrav/reportflow/internal/domain/events"
	"github.com/ahrav/reportflow/internal/infra/eventbus"
	"github.com/ahrav/reportflow/internal/infra/eventbus/gcppubsub"
	"github.com/ahrav/reportflow/internal/infra/eventbus/kafka"
	"github.com/ahrav/reportflow/internal/infra/eventbus/memory"
	"github.com/ahrav/reportflow/pkg/common/logger"
)

// Open connects to the bus named by cfg.Driver. Broker connections are
// retried with backoff by the individual transports.
func Open(
	ctx context.Context,
	cfg config.BusConfig,
	log *logger.Logger,
	metrics eventbus.Metrics,
	tracer trace.Tracer,
) (events.EventBus, error) {
	switch cfg.Driver {
	case config.BusMemory:
		return memory.New(log, tracer, metrics, memory.WithWorkers(cfg.Workers)), nil

	case config.BusKafka:
		bus, err := kafka.ConnectEventBus(&kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			ClientID:       cfg.Kafka.ClientID,
			GroupPrefix:    cfg.Kafka.GroupPrefix,
			TopicPrefix:    cfg.TopicPrefix,
			CommitInterval: cfg.Kafka.CommitInterval,
		}, log, metrics, tracer)
		if err != nil {
			return nil, fmt.Errorf("connecting kafka event bus: %w", err)
		}
		return bus, nil

	case config.BusPubSub:
		bus, err := gcppubsub.ConnectEventBus(ctx, gcppubsub.Config{
			ProjectID:              cfg.PubSub.ProjectID,
			CredentialsJSON:        cfg.PubSub.CredentialsJSON,
			TopicPrefix:            cfg.TopicPrefix,
			AckDeadline:            cfg.PubSub.AckDeadline,
			MaxOutstandingMessages: cfg.PubSub.MaxOutstandingMessages,
			CreateIfMissing:        cfg.PubSub.CreateIfMissing,
		}, log, metrics, tracer)
		if err != nil {
			return nil, fmt.Errorf("connecting pubsub event bus: %w", err)
		}
		return bus, nil

	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
