package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/tjfontaine/coachllm/internal/pkg/config"
)

func restoreTracerProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitTracer_FileExporter(t *testing.T) {
	restoreTracerProvider(t)
	path := filepath.Join(t.TempDir(), "traces.jsonl")

	shutdown, err := InitTracer(config.TelemetryConfig{
		ServiceName: "coachd-test",
		Environment: "staging",
		Exporter:    "file",
		OutputPath:  path,
		SampleRatio: 1,
	}, "1.2.3", nil)
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}

	_, span := Tracer().Start(context.Background(), "dispatch")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"dispatch"`, "coachd-test", "1.2.3", "deployment.environment", "staging"} {
		if !strings.Contains(out, want) {
			t.Errorf("trace output missing %q", want)
		}
	}
}

func TestInitTracer_Sampling(t *testing.T) {
	tests := []struct {
		name     string
		exporter string
		ratio    float64
		sampled  bool
	}{
		{name: "none exporter still samples", exporter: "none", ratio: 1, sampled: true},
		{name: "zero ratio drops spans", exporter: "none", ratio: 0, sampled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreTracerProvider(t)
			shutdown, err := InitTracer(config.TelemetryConfig{
				ServiceName: "coachd-test",
				Exporter:    tt.exporter,
				SampleRatio: tt.ratio,
			}, "dev", nil)
			if err != nil {
				t.Fatalf("InitTracer() error = %v", err)
			}
			defer shutdown(context.Background())

			_, span := Tracer().Start(context.Background(), "route")
			defer span.End()

			sc := span.SpanContext()
			if !sc.TraceID().IsValid() {
				t.Error("span should carry a valid trace ID")
			}
			if sc.IsSampled() != tt.sampled {
				t.Errorf("IsSampled() = %v, want %v", sc.IsSampled(), tt.sampled)
			}
		})
	}
}

func TestInitTracer_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TelemetryConfig
	}{
		{name: "unknown exporter", cfg: config.TelemetryConfig{Exporter: "zipkin"}},
		{name: "unwritable file", cfg: config.TelemetryConfig{Exporter: "file", OutputPath: filepath.Join(t.TempDir(), "missing", "traces.jsonl")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreTracerProvider(t)
			if _, err := InitTracer(tt.cfg, "dev", nil); err == nil {
				t.Error("InitTracer() expected error")
			}
		})
	}
}
