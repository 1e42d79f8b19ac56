package observability

import (
	"bytes"
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

func TestWithEnvOverridesOnlySetVariables(t *testing.T) {
	base := TracingConfig{Enabled: false, ServiceName: "from-file", Exporter: "otlp", SampleRatio: 0.5}
	env := map[string]string{
		"FLEET_TRACING_ENABLED":      "TRUE",
		"FLEET_TRACING_SAMPLE_RATIO": "7",
		"FLEET_OTLP_ENDPOINT":        "collector:4317",
	}
	got := base.WithEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if !got.Enabled {
		t.Fatalf("Enabled not applied")
	}
	if got.ServiceName != "from-file" || got.Exporter != "otlp" {
		t.Fatalf("unset variables overwrote config: %+v", got)
	}
	if got.SampleRatio != 0.5 {
		t.Fatalf("out-of-range ratio applied: %v", got.SampleRatio)
	}
	if got.Endpoint != "collector:4317" {
		t.Fatalf("Endpoint = %q", got.Endpoint)
	}
}

func TestInitTracingDisabledInstallsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing produced a sampled span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := TracingConfig{Enabled: true, ServiceName: "fleetsim-test", Exporter: "stdout", SampleRatio: 1, Writer: &buf}
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "fleet.Step")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if !bytes.Contains(buf.Bytes(), []byte("fleet.Step")) {
		t.Fatalf("exported output missing span name: %s", buf.String())
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil); err == nil {
		t.Fatalf("unknown exporter accepted")
	}
}
