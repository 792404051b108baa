package broadcast

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type WebSocketConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// WebSocketHandler streams hub events to browser clients as JSON. The
// optional organizationId and deviceId query parameters become the filter.
type WebSocketHandler struct {
	hub      *Hub
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(hub *Hub, cfg WebSocketConfig) *WebSocketHandler {
	def := DefaultWebSocketConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{
		OrganizationID: r.URL.Query().Get("organizationId"),
		DeviceID:       r.URL.Query().Get("deviceId"),
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("broadcast.ServeHTTP upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	events := make(chan Event, h.cfg.SendBuffer)
	if err := h.hub.Subscribe(id, filter, events); err != nil {
		log.Warn().Err(err).Str("subscriber", id).Msg("broadcast.ServeHTTP subscribe failed")
		return
	}
	defer func() { _ = h.hub.Unsubscribe(id) }()

	log.Info().
		Str("subscriber", id).
		Str("remote", r.RemoteAddr).
		Str("organization", filter.OrganizationID).
		Str("device", filter.DeviceID).
		Msg("broadcast.ServeHTTP subscriber connected")

	// Inbound messages are ignored; reading detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			log.Info().Str("subscriber", id).Msg("broadcast.ServeHTTP subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("subscriber", id).Msg("broadcast.ServeHTTP write failed")
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
