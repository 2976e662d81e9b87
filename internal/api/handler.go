package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"audit-core/internal/engine"
	"audit-core/internal/events"
	"audit-core/internal/monitor"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the decision pipeline.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Engine   engine.Service
	Metrics  *monitor.SystemMetrics
	Meta     SystemMeta
	limiters *ipLimiters
}

// SystemMeta describes the running instance.
type SystemMeta struct {
	Version         string `json:"version"`
	AuditFailClosed bool   `json:"audit_fail_closed"`
	TieBreak        string `json:"tie_break"`
}

// Options tunes the middleware stack. Zero values use the defaults.
type Options struct {
	RateLimit      RateLimit
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func NewServer(bus *events.Bus, svc engine.Service, metrics *monitor.SystemMetrics, meta SystemMeta, opts Options) *Server {
	if opts.RateLimit.PerSecond <= 0 || opts.RateLimit.Burst <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		Router:   gin.New(),
		Bus:      bus,
		Engine:   svc,
		Metrics:  metrics,
		Meta:     meta,
		limiters: newIPLimiters(opts.RateLimit),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())                         // Panic recovery (first)
	s.Router.Use(RequestIDMiddleware())                  // Request ID tracking
	s.Router.Use(RequestLogger(metrics))                 // Request logging (after ID is set)
	s.Router.Use(RateLimitMiddleware(s.limiters))        // Rate limiting
	s.Router.Use(BodyLimitMiddleware(opts.MaxBodyBytes)) // Request body cap
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout)) // Request timeout
	s.Router.Use(CORSMiddleware())                       // CORS (last before routes)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/health", s.getHealth)
		api.GET("/metrics", s.getMetrics)

		api.POST("/decisions", s.decide)
		api.POST("/orders/outcome", s.reportOrderOutcome)

		api.GET("/reports/:date", s.getDailyReport)
		api.GET("/trail/:id", s.getDecisionTrail)
	}
}

// Run serves on addr until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiters.janitor(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("API shutdown error: %v", err)
			return err
		}
		return nil
	}
}
