package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/obdgate/internal/broadcast"
	"github.com/danmuck/obdgate/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultListLimit = 20
	maxListLimit     = store.DefaultHistory
)

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "obdgate",
			"version":   version,
		}
		if s.deps.Gateway != nil {
			st := s.deps.Gateway.Stats()
			body["tcp"] = gin.H{
				"running":           st.Running,
				"activeConnections": st.ActiveConnections,
				"totalConnections":  st.TotalConnections,
			}
		}
		if s.deps.Store != nil {
			st, err := s.deps.Store.Stats(c.Request.Context())
			if err != nil {
				body["status"] = "degraded"
				body["database"] = gin.H{"error": err.Error()}
			} else {
				body["database"] = st
			}
		}
		c.JSON(http.StatusOK, body)
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.deps.Gateway != nil && s.deps.Gateway.Stats().Running
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     ready,
			"uptime":    time.Since(s.appeared).String(),
			"component": "obdgate",
			"version":   version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := r.Group("", s.requireToken())

	guarded.GET("/stats", func(c *gin.Context) {
		if s.deps.Gateway == nil {
			unavailable(c, "gateway")
			return
		}
		body := gin.H{"tcp": s.deps.Gateway.Stats()}
		if s.deps.Hub != nil {
			body["broadcast"] = s.deps.Hub.Stats()
		}
		c.JSON(http.StatusOK, body)
	})

	devices := guarded.Group("/devices/:device")
	devices.GET("", func(c *gin.Context) {
		if s.deps.Store == nil {
			unavailable(c, "store")
			return
		}
		d, err := s.deps.Store.Device(c.Request.Context(), c.Param("device"))
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	})
	devices.GET("/telemetry", func(c *gin.Context) {
		if s.deps.Store == nil {
			unavailable(c, "store")
			return
		}
		recs, err := s.deps.Store.RecentTelemetry(c.Request.Context(), c.Param("device"), listLimit(c))
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deviceId": c.Param("device"), "records": recs})
	})
	devices.GET("/alerts", func(c *gin.Context) {
		if s.deps.Store == nil {
			unavailable(c, "store")
			return
		}
		as, err := s.deps.Store.RecentAlerts(c.Request.Context(), c.Param("device"), listLimit(c))
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deviceId": c.Param("device"), "alerts": as})
	})

	if s.deps.Hub != nil {
		guarded.GET("/ws", gin.WrapH(broadcast.NewWebSocketHandler(s.deps.Hub, s.cfg.WebSocket)))
	}
}

func listLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
