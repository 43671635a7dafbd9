package observability

import (
	"github.com/smallbiznis/mintflow/internal/observability/logger"
	"github.com/smallbiznis/mintflow/internal/observability/metrics"
	"github.com/smallbiznis/mintflow/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires logging, tracing and the mintflow instruments: reconciliation
// counters (*metrics.Metrics), per-route HTTP series (*metrics.HTTPMetrics)
// and, when the scheduler runs in this process, the scheduler job series.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(registerSchedulerMetrics),
	fx.Invoke(announce),
)

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:          cfg.OtelEnabled,
		ServiceName:      cfg.ServiceName,
		ServiceVersion:   cfg.Version,
		Environment:      cfg.Environment,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		SamplingRatio:    cfg.OtelSamplingRatio,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

// registerSchedulerMetrics binds the scheduler series to this service's
// labels before any job runs. API-only processes skip it.
func registerSchedulerMetrics(cfg Config, mcfg metrics.Config) {
	if !cfg.SchedulerMetrics {
		return
	}
	metrics.SchedulerWithConfig(mcfg)
}

// announce forces the tracer provider and both instrument sets to be built at
// startup so a bad exporter config fails the process instead of the first request.
func announce(cfg Config, log *zap.Logger, _ *sdktrace.TracerProvider, _ *metrics.Metrics, _ *metrics.HTTPMetrics) {
	log.Info("observability ready",
		zap.String("service", cfg.ServiceName),
		zap.String("metrics_path", cfg.ScrapePath()),
		zap.Bool("scheduler_metrics", cfg.SchedulerMetrics),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
	)
}
