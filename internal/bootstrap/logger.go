package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/reportflow/internal/config"
	"github.com/ahrav/reportflow/pkg/common/logger"
	"github.com/ahrav/reportflow/pkg/common/otel"
)

// NewLogger builds the process logger. Error records are also echoed to
// stderr as a JSON event.
func NewLogger(cfg config.ServiceConfig, hostname string) *logger.Logger {
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("%s-%s", strings.ToUpper(cfg.Name), hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       cfg.Name,
	}

	return logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.LogLevel), svcName, otel.GetTraceID, logEvents, metadata)
}

// Telemetry holds the initialised providers and the tracer for the service.
type Telemetry struct {
	otel.Providers
	Tracer   trace.Tracer
	Shutdown func(ctx context.Context)
}

// InitTelemetry starts the OTLP exporters described by cfg.Telemetry.
func InitTelemetry(cfg *config.Config, log *logger.Logger, hostname string) (*Telemetry, error) {
	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("starting telemetry: %w", err)
	}
	return &Telemetry{
		Providers: providers,
		Tracer:    providers.Tracer.Tracer(cfg.Service.Name),
		Shutdown:  teardown,
	}, nil
}
