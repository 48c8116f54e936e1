package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fabian4/edgeproxy/internal/config"
)

const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestDisabled_ForwardsIncomingContext(t *testing.T) {
	tr, err := New(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Enabled() {
		t.Fatalf("tracer should be disabled")
	}

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.Header.Set("traceparent", parent)
	ctx, span := tr.Start(r, "proxy")
	defer span.End()

	out := http.Header{}
	tr.Inject(ctx, out)
	if got := out.Get("traceparent"); got != parent {
		t.Fatalf("traceparent: got %q, want %q", got, parent)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestEnabled_ChildSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	cfg := config.TracingConfig{Enabled: true, ServiceName: "edgeproxy-test", SampleRatio: 1}
	tr, err := New(context.Background(), cfg, WithExporter(exp))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api", nil)
	r.Header.Set("traceparent", parent)
	ctx, span := tr.Start(r, "proxy")

	out := http.Header{}
	tr.Inject(ctx, out)
	got := out.Get("traceparent")
	if !strings.HasPrefix(got, "00-4bf92f3577b34da6a3ce929d0e0e4736-") {
		t.Fatalf("trace id not continued: %q", got)
	}
	if strings.Contains(got, "00f067aa0ba902b7") {
		t.Fatalf("outbound parent must be the proxy span, got %q", got)
	}
	span.End()

	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans: got %d, want 1", len(spans))
	}
	if !hasAttr(spans[0].Resource.Attributes(), "service.name", "edgeproxy-test") {
		t.Fatalf("service.name missing from resource")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func hasAttr(kvs []attribute.KeyValue, key, val string) bool {
	for _, kv := range kvs {
		if string(kv.Key) == key && kv.Value.AsString() == val {
			return true
		}
	}
	return false
}
