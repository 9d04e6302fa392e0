package bus

import (
	"context"
	"testing"
)

// TestMemoryPublisherFanOut delivers to prefix subscribers and keeps the
// full log.
func TestMemoryPublisherFanOut(t *testing.T) {
	pub := NewMemoryPublisher()

	var triggered, all []string
	pub.Subscribe("stop.STOP_TRIGGERED.", func(m Message) {
		triggered = append(triggered, m.Subject)
	})
	pub.Subscribe("", func(m Message) {
		all = append(all, m.Subject)
	})

	ctx := context.Background()
	if err := pub.Publish(ctx, "stop.STOP_TRIGGERED.default.BTCUSDT", []byte(`{}`)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := pub.Publish(ctx, "stop.EXECUTED.default.BTCUSDT", []byte(`{}`)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	if len(triggered) != 1 {
		t.Errorf("trigger subscriber saw %d messages, want 1", len(triggered))
	}
	if len(all) != 2 {
		t.Errorf("catch-all subscriber saw %d messages, want 2", len(all))
	}
	if msgs := pub.Messages(); len(msgs) != 2 {
		t.Errorf("message log has %d entries, want 2", len(msgs))
	}
}
