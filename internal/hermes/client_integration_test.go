//go:build integration

package hermes

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_PubSub(t *testing.T) {
	natsURL := skipWithoutNATS(t)
	ctx := context.Background()
	logger := slog.Default()

	client, err := NewClient(ctx, natsURL, os.Getenv("NATS_TOKEN"), logger)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	if !client.Connected() {
		t.Fatal("expected connected client")
	}

	received := make(chan IngestedEvent, 1)

	err = client.Subscribe(SubjectNuggetsIngested, func(subject string, data []byte) {
		var evt IngestedEvent
		json.Unmarshal(data, &evt)
		received <- evt
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	err = client.NotifyIngested(ctx, IngestedEvent{SourceName: "integration.json", Inserted: 2})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case evt := <-received:
		if evt.SourceName != "integration.json" || evt.Inserted != 2 {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
