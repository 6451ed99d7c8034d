package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()

	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "procflow"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown must not fail: %v", err)
	}
	if otel.GetTracerProvider() != prev {
		t.Fatal("global provider must be left untouched without an endpoint")
	}
}
