package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/cureiam/types"
)

func captureLogger(t *testing.T, service string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })
	return NewLogger(service), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestNewLogger_ServiceField(t *testing.T) {
	logger, buf := captureLogger(t, "orchestrator")

	logger.Info().Msg("hello")

	entry := decodeLine(t, buf)
	assert.Equal(t, "orchestrator", entry["service"])
	assert.Equal(t, "hello", entry["message"])
}

func TestOTELHook_AddsTraceIDs(t *testing.T) {
	logger, buf := captureLogger(t, "test")

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.WithContext(ctx).Info().Msg("inside span")

	entry := decodeLine(t, buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestOTELHook_NoSpan(t *testing.T) {
	logger, buf := captureLogger(t, "test")

	logger.WithContext(context.Background()).Info().Msg("no span")

	entry := decodeLine(t, buf)
	assert.NotContains(t, entry, "trace_id")
}

func TestLogRecordError(t *testing.T) {
	logger, buf := captureLogger(t, "worker")

	logger.LogRecordError(context.Background(), "audit_proc", "processor", errors.New("boom"))

	entry := decodeLine(t, buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "audit_proc", entry["worker"])
	assert.Equal(t, "processor", entry["stage"])
	assert.Equal(t, "boom", entry["error"])
}

func TestObfuscate(t *testing.T) {
	assert.Equal(t, "pr********", Obfuscate("project-01"))
	assert.Equal(t, "ab", Obfuscate("ab"))
	assert.Equal(t, "", Obfuscate(""))
	assert.Equal(t, []string{"us**", "gr***"}, ObfuscateAll([]string{"user", "group"}))
}

func TestConfigure_InvalidLevel(t *testing.T) {
	require.Error(t, Configure("loud", "json"))
	require.NoError(t, Configure("debug", "json"))
	require.NoError(t, Configure("", "json"))
}

func TestRecordEnforcementEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "enforce")

	RecordEnforcementEvent(span, types.EnforcementEvent{
		RecommendationID: "rec-1",
		Project:          "project-01",
		Outcome:          types.OutcomeDenied,
		Gate:             "blocklist",
	})
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "iam.recommendation.enforcement", spans[0].Events()[0].Name)
}
