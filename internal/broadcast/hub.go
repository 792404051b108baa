// Package broadcast fans decoded telemetry and alerts out to live
// subscribers. Publishing never blocks: a subscriber whose channel is full
// misses the event and its dropped counter grows.
package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/observability"
	"github.com/danmuck/obdgate/internal/protocol/command"
)

const (
	EventTelemetry = "obd-data"
	EventAlert     = "alert"
)

var (
	ErrSubscriberExists   = errors.New("broadcast: subscriber id already exists")
	ErrSubscriberNotFound = errors.New("broadcast: subscriber id not found")
	ErrHubClosed          = errors.New("broadcast: hub is closed")
	ErrNilChannel         = errors.New("broadcast: subscriber channel is nil")
)

// Event is one message delivered to subscribers.
type Event struct {
	Name           string    `json:"event"`
	DeviceID       string    `json:"deviceId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data"`
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	OrganizationID string
	DeviceID       string
}

func (f Filter) Match(ev Event) bool {
	if f.OrganizationID != "" && f.OrganizationID != ev.OrganizationID {
		return false
	}
	if f.DeviceID != "" && f.DeviceID != ev.DeviceID {
		return false
	}
	return true
}

type HubStats struct {
	TotalPublished uint64                     `json:"totalPublished"`
	TotalSent      uint64                     `json:"totalSent"`
	TotalDropped   uint64                     `json:"totalDropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	ch      chan<- Event
	filter  Filter
	sent    atomic.Uint64
	dropped atomic.Uint64
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	now    func() time.Time

	totalPublished atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]*subscriber),
		now:  time.Now,
	}
}

func (h *Hub) Subscribe(id string, filter Filter, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, exists := h.subs[id]; exists {
		return ErrSubscriberExists
	}
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	return nil
}

func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, exists := h.subs[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(h.subs, id)
	return nil
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	h.totalPublished.Add(1)

	var delivered, dropped int
	for _, sub := range h.subs {
		if !sub.filter.Match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.sent.Add(1)
			delivered++
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	observability.RecordBroadcast(delivered, dropped)
}

func (h *Hub) PublishTelemetry(deviceID string, rec command.Record, orgID string) {
	h.Publish(Event{
		Name:           EventTelemetry,
		DeviceID:       deviceID,
		OrganizationID: orgID,
		Data:           rec,
	})
}

func (h *Hub) PublishAlert(alert alerts.Alert, orgID string) {
	h.Publish(Event{
		Name:           EventAlert,
		DeviceID:       alert.DeviceID,
		OrganizationID: orgID,
		Timestamp:      alert.CreatedAt,
		Data:           alert,
	})
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := HubStats{
		TotalPublished: h.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(h.subs)),
	}
	for id, sub := range h.subs {
		s := SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
		out.Subscribers[id] = s
		out.TotalSent += s.Sent
		out.TotalDropped += s.Dropped
	}
	return out
}

// Close stops delivery. Subscriber channels belong to their owners and are
// left open.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.closed = true
	h.subs = make(map[string]*subscriber)
	return nil
}
