package telemetry

import (
	"context"
	"testing"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Service: "osintd"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_WithEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Endpoint: "127.0.0.1:4318", Insecure: true, Service: "osintd", Version: "test", Node: "n1"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// nothing was exported, so shutdown only has to stop the batcher
	_ = shutdown(ctx)
}
