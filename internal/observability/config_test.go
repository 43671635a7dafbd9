package observability

import (
	"testing"

	"github.com/smallbiznis/mintflow/internal/config"
)

func TestLoadConfigDefaultsFromAppConfig(t *testing.T) {
	for _, key := range []string{"OTEL_SERVICE_NAME", "METRICS_PATH", "OTEL_SAMPLING_RATIO", "DEPLOYMENT_ENV", "LOG_LEVEL", "SERVICE_VERSION", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig(config.Config{
		AppName:      "mintflow-api",
		Environment:  "production",
		AppVersion:   "1.2.3",
		OTLPEndpoint: "collector:4317",
		Scheduler:    config.SchedulerConfig{Enabled: true},
	})

	if cfg.ServiceName != "mintflow-api" || cfg.Version != "1.2.3" || cfg.Environment != "production" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.MetricsPath != "/metrics" {
		t.Fatalf("expected default metrics path, got %q", cfg.MetricsPath)
	}
	if !cfg.SchedulerMetrics {
		t.Fatalf("scheduler metrics must follow the scheduler switch")
	}
	if cfg.OtelExporterEndpoint != "collector:4317" || cfg.OtelSamplingRatio != 0.1 {
		t.Fatalf("unexpected otel settings: %+v", cfg)
	}
	if cfg.Debug() {
		t.Fatalf("production at info level must not be debug")
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "mintflow-scheduler")
	t.Setenv("METRICS_PATH", "internal/metrics")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DEPLOYMENT_ENV", "")

	cfg := LoadConfig(config.Config{AppName: "mintflow", Environment: "production"})

	if cfg.ServiceName != "mintflow-scheduler" {
		t.Fatalf("expected env service name, got %q", cfg.ServiceName)
	}
	if cfg.MetricsPath != "/internal/metrics" {
		t.Fatalf("expected rooted metrics path, got %q", cfg.MetricsPath)
	}
	if cfg.OtelSamplingRatio != 1 {
		t.Fatalf("expected sampling ratio clamped to 1, got %v", cfg.OtelSamplingRatio)
	}
	if cfg.SchedulerMetrics {
		t.Fatalf("scheduler metrics must be off when the scheduler is disabled")
	}
	if !cfg.Debug() {
		t.Fatalf("debug log level must enable debug mode")
	}
}

func TestScrapePathOnZeroConfig(t *testing.T) {
	if got := (Config{}).ScrapePath(); got != "/metrics" {
		t.Fatalf("expected /metrics, got %q", got)
	}
}
