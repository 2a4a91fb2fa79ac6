package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// spanRecorder returns a tracer provider backed by an in-memory exporter
// so tests can inspect finished spans.
func spanRecorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs points the default slog logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationIDWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationIDMatchesTraceID(t *testing.T) {
	tp, _ := spanRecorder(t)

	ctx, span := tp.Tracer("bridge-test").Start(context.Background(), "session.connect")
	defer span.End()

	cid := CorrelationID(ctx)
	if want := span.SpanContext().TraceID().String(); cid != want {
		t.Fatalf("CorrelationID = %q, want the span's trace ID %q", cid, want)
	}
	if len(cid) != 32 {
		t.Errorf("trace ID length = %d, want 32 hex chars", len(cid))
	}
}

func TestCorrelationIDsDistinctAcrossCalls(t *testing.T) {
	tp, _ := spanRecorder(t)
	tracer := tp.Tracer("bridge-test")

	seen := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := tracer.Start(context.Background(), "session.connect")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := seen[cid]; dup {
			t.Fatalf("two calls shared correlation ID %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestStartSpanUsesGlobalProvider(t *testing.T) {
	tp, exp := spanRecorder(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "provider.connect")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan produced a context without a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "provider.connect" {
		t.Errorf("span name = %q, want provider.connect", spans[0].Name)
	}
}

func TestLoggerCarriesTraceAndSpanIDs(t *testing.T) {
	tp, _ := spanRecorder(t)
	buf := captureLogs(t)

	ctx, span := tp.Tracer("bridge-test").Start(context.Background(), "call.answer")
	defer span.End()

	Logger(ctx).Info("call answered")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") {
		t.Errorf("log line missing trace_id: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log line missing span_id: %s", logged)
	}
}

func TestLoggerPlainWithoutSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("call answered")

	if logged := buf.String(); strings.Contains(logged, "trace_id") {
		t.Errorf("log line carries trace_id with no active span: %s", logged)
	}
}

func TestTracerNotNil(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
