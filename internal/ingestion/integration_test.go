package ingestion_test

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Needs a NATS server with JetStream: INTEGRATION_TEST=1 and TEST_NATS_URL.
func TestIntegration_EventPublisherDeduplicates(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ingestion.EnsureStreams(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("ensure streams: %v", err)
	}

	stream, err := js.Stream(ctx, "SETTLE_EVENTS")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	before, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}

	pub := ingestion.NewEventPublisher(js, zerolog.Nop())
	env := event.NewEnvelope(event.EventTypeOutcomeRecorded, uuid.New(), nil, event.NoteMeta{Note: "integration"})
	for i := 0; i < 2; i++ {
		if err := pub.Publish(ctx, env); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	after, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if got := after.State.Msgs - before.State.Msgs; got != 1 {
		t.Errorf("stored messages: got %d, want 1", got)
	}
}
