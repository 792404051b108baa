// Package httpapi is the operator-facing HTTP surface: health, readiness,
// metrics, gateway stats, stored device history and the live websocket feed.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/obdgate/internal/auth"
	"github.com/danmuck/obdgate/internal/broadcast"
	"github.com/danmuck/obdgate/internal/gateway"
	"github.com/danmuck/obdgate/internal/observability"
	"github.com/danmuck/obdgate/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Config struct {
	Addr        string
	CORSOrigins []string
	// Token, when set, is required as a bearer credential on every route
	// except health, readiness and metrics.
	Token string
	// Validator overrides the Token check.
	Validator auth.Validator
	WebSocket broadcast.WebSocketConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:      ":3000",
		WebSocket: broadcast.DefaultWebSocketConfig(),
	}
}

// GatewayStats is the slice of gateway.Service the API reads.
type GatewayStats interface {
	Stats() gateway.Stats
}

// Deps are optional; routes backed by a nil dependency answer 503.
type Deps struct {
	Gateway GatewayStats
	Store   store.Backend
	Hub     *broadcast.Hub
}

type Server struct {
	cfg      Config
	deps     Deps
	router   *gin.Engine
	appeared time.Time
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CORSOrigins),
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("httpapi.Server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; closing
	// the hub is left to the owner.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("httpapi.Server stopped")
	return nil
}

// ListenAndRun listens on the configured address and calls Run.
func (s *Server) ListenAndRun(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Run(ctx, ln)
}

// requireToken rejects requests whose bearer token fails the configured
// validator. The websocket route may pass it as ?token= since browsers
// cannot set headers on the upgrade request.
func (s *Server) requireToken() gin.HandlerFunc {
	v := s.cfg.Validator
	if v == nil && s.cfg.Token != "" {
		v = auth.StaticToken{Token: s.cfg.Token}
	}
	if v == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if err := v.Validate(token); err != nil {
			log.Warn().
				Str("path", c.FullPath()).
				Str("client", c.ClientIP()).
				Msg("httpapi.requireToken rejected request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
