package otelx_test

import (
	"context"
	"testing"

	"github.com/basket/turnstile/internal/config"
	"github.com/basket/turnstile/internal/otelx"
)

func TestInitDisabledReturnsNoopProvider(t *testing.T) {
	provider, err := otelx.Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if provider.Tracer == nil || provider.Meter == nil {
		t.Fatalf("expected noop tracer and meter, got %+v", provider)
	}

	_, span := provider.Tracer.Start(context.Background(), "test")
	span.End()

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	provider, err := otelx.Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	metrics.TurnsCreated.Add(context.Background(), 1)

	_, span := otelx.StartSpan(context.Background(), provider.Tracer, "lease.acquire",
		otelx.AttrTurnID.String("turn-1"))
	span.End()
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	_, err := otelx.Init(context.Background(), config.OtelConfig{
		Enabled:  true,
		Exporter: "jaeger",
	})
	if err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}
