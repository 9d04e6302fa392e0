// Package ops serves the operational surface: liveness, dependency
// health and worker stats. The trading command interface stays off this
// server; nothing here mutates state.
package ops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const checkTimeout = 2 * time.Second

// Config sets where the server listens.
type Config struct {
	Host string
	Port int
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// StatsFunc reports one informational block for /health. Unlike a
// check it cannot flip health.
type StatsFunc func() map[string]any

// StatsSource aggregates background-worker liveness.
type StatsSource interface {
	WorkerStats() map[string]map[string]any
	WorkersHealthy() bool
}

type check struct {
	name string
	fn   CheckFunc
}

type statsBlock struct {
	name string
	fn   StatsFunc
}

// Server is the ops HTTP listener.
type Server struct {
	cfg     Config
	stats   StatsSource
	checks  []check
	sources []statsBlock
	logger  zerolog.Logger
	httpSrv *http.Server
	addr    string
	started time.Time
	now     func() time.Time
}

// NewServer wires the ops server. Dependency probes are registered with
// AddCheck before Start.
func NewServer(cfg Config, stats StatsSource, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		stats:  stats,
		logger: logger.With().Str("component", "ops").Logger(),
		now:    time.Now,
	}
}

// AddCheck registers a named dependency probe for /health.
func (s *Server) AddCheck(name string, fn CheckFunc) {
	s.checks = append(s.checks, check{name: name, fn: fn})
}

// AddStats registers a named stats block reported on /health.
func (s *Server) AddStats(name string, fn StatsFunc) {
	s.sources = append(s.sources, statsBlock{name: name, fn: fn})
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/live", s.handleLive)
	r.GET("/health", s.handleHealth)
	return r
}

// Start binds the listener and serves in the background. Bind failures
// surface here; serve errors are logged.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.started = s.now()

	s.httpSrv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ops server failed")
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("ops server listening")
	return nil
}

// Addr returns the bound address, useful when Port is 0.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	healthy := true
	checks := gin.H{}
	for _, chk := range s.checks {
		if err := chk.fn(ctx); err != nil {
			checks[chk.name] = fmt.Sprintf("unhealthy: %v", err)
			healthy = false
			continue
		}
		checks[chk.name] = "healthy"
	}

	body := gin.H{"checks": checks}
	if s.stats != nil {
		body["workers"] = s.stats.WorkerStats()
		if !s.stats.WorkersHealthy() {
			healthy = false
		}
	}
	if len(s.sources) > 0 {
		sources := gin.H{}
		for _, src := range s.sources {
			sources[src.name] = src.fn()
		}
		body["sources"] = sources
	}
	if !s.started.IsZero() {
		body["uptime_seconds"] = int64(s.now().Sub(s.started).Seconds())
	}

	code := http.StatusOK
	body["status"] = "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	c.JSON(code, body)
}
