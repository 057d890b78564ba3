package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.Metrics == nil {
		t.Fatalf("expected noop tracer, meter and metrics, got %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "agentq-test",
		SampleRate:  0.5,
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Metrics == nil || p.Metrics.TaskDuration == nil {
		t.Fatal("expected metrics instruments")
	}
	_, span := p.Tracer.Start(context.Background(), "test.span")
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), tp.Tracer(TracerName), "orchestrator.execute",
		AttrAgentID.String("builder"),
		AttrTaskID.String("task-1"),
		AttrRunID.String("run-1"),
	)
	span.End()
	_, server := StartServerSpan(context.Background(), tp.Tracer(TracerName), "GET /api/summary")
	server.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	got := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["agentq.agent.id"] != "builder" || got["agentq.task.id"] != "task-1" || got["agentq.run.id"] != "run-1" {
		t.Fatalf("attributes = %v", got)
	}
}

func TestNoopTracer(t *testing.T) {
	_, span := NoopTracer().Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer should not produce a valid span context")
	}
	span.End()
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default exporter", Config{}, true},
		{"stdout", Config{Exporter: "stdout", SampleRate: 0.25}, true},
		{"unknown exporter", Config{Exporter: "carrier-pigeon"}, false},
		{"negative rate", Config{Exporter: "none", SampleRate: -0.1}, false},
		{"rate above one", Config{Exporter: "none", SampleRate: 1.5}, false},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: Validate() = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestInit_CapturesSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none"}, WithSpanExporter(spans), WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := p.Tracer.Start(ctx, "orchestrator.execute")
	span.End()
	p.Metrics.TasksQueued.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "agentq.task.queued" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("tasks queued counter not collected: %+v", rm.ScopeMetrics)
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := spans.GetSpans(); len(got) != 1 || got[0].Name != "orchestrator.execute" {
		t.Fatalf("exported spans = %+v", got)
	}
}
