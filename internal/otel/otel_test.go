package otel

import (
	"context"
	"testing"
)

func TestInitDisabledReturnsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("noop provider missing tracer or meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not carry an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitNoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "test")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.EnvelopesDecoded == nil || m.CommandRoundTrip == nil || m.SafetyStops == nil {
		t.Fatal("instrument not created")
	}
	// Instruments are usable on the noop meter.
	m.EnvelopesDecoded.Add(context.Background(), 1)
	m.CommandRoundTrip.Record(context.Background(), 0.012)
}
