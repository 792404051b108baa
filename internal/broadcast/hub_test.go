package broadcast

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/protocol/command"
)

func ack(deviceID string) *command.QueryAck {
	q := &command.QueryAck{Query: command.KindDiagnosticQuery}
	q.DeviceID = deviceID
	return q
}

func TestHubSubscribeLifecycle(t *testing.T) {
	h := NewHub()
	ch := make(chan Event, 1)
	if err := h.Subscribe("a", Filter{}, nil); !errors.Is(err, ErrNilChannel) {
		t.Fatalf("expected ErrNilChannel, got %v", err)
	}
	if err := h.Subscribe("a", Filter{}, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := h.Subscribe("a", Filter{}, ch); !errors.Is(err, ErrSubscriberExists) {
		t.Fatalf("expected ErrSubscriberExists, got %v", err)
	}
	if err := h.Unsubscribe("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound, got %v", err)
	}
	if err := h.Unsubscribe("a"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Subscribe("b", Filter{}, ch); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	h.Publish(Event{Name: EventTelemetry})
	if h.Stats().TotalPublished != 0 {
		t.Fatalf("closed hub counted a publish")
	}
}

func TestHubFiltersByOrganizationAndDevice(t *testing.T) {
	h := NewHub()
	all := make(chan Event, 4)
	org := make(chan Event, 4)
	dev := make(chan Event, 4)
	_ = h.Subscribe("all", Filter{}, all)
	_ = h.Subscribe("org", Filter{OrganizationID: "org-1"}, org)
	_ = h.Subscribe("dev", Filter{DeviceID: "000000000002"}, dev)

	h.PublishTelemetry("000000000001", ack("000000000001"), "org-1")
	h.PublishTelemetry("000000000002", ack("000000000002"), "org-2")

	if len(all) != 2 || len(org) != 1 || len(dev) != 1 {
		t.Fatalf("delivery counts all=%d org=%d dev=%d", len(all), len(org), len(dev))
	}
	if ev := <-org; ev.DeviceID != "000000000001" || ev.Name != EventTelemetry || ev.Timestamp.IsZero() {
		t.Fatalf("org event got=%+v", ev)
	}
	if ev := <-dev; ev.OrganizationID != "org-2" {
		t.Fatalf("device event got=%+v", ev)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub()
	slow := make(chan Event, 1)
	fast := make(chan Event, 8)
	_ = h.Subscribe("slow", Filter{}, slow)
	_ = h.Subscribe("fast", Filter{}, fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			h.PublishAlert(alerts.Alert{DeviceID: "000000000001", Type: alerts.TypeSpeeding}, "")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}

	st := h.Stats()
	if st.TotalPublished != 5 {
		t.Fatalf("published=%d", st.TotalPublished)
	}
	if s := st.Subscribers["slow"]; s.Sent != 1 || s.Dropped != 4 {
		t.Fatalf("slow stats=%+v", s)
	}
	if s := st.Subscribers["fast"]; s.Sent != 5 || s.Dropped != 0 {
		t.Fatalf("fast stats=%+v", s)
	}
	if st.TotalSent != 6 || st.TotalDropped != 4 {
		t.Fatalf("totals=%+v", st)
	}
	if ev := <-fast; ev.Name != EventAlert {
		t.Fatalf("event name=%q", ev.Name)
	}
}
