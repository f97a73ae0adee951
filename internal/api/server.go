// Package api serves the local inspection and control API: session state,
// the message table, live handlers, captures, message injection and a
// websocket stream of dispatches.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/geode-project/geode/internal/capture"
	"github.com/geode-project/geode/internal/config"
	"github.com/geode-project/geode/internal/extension"
	"github.com/geode-project/geode/internal/features"
	"github.com/geode-project/geode/internal/health"
	intnet "github.com/geode-project/geode/internal/network"
	"github.com/geode-project/geode/internal/util"
)

// Deps are the components the API reads from. Captures, Recorder, Health
// and Features may be nil when disabled.
type Deps struct {
	Config    *config.Config
	Extension *extension.Extension
	Captures  *capture.Store
	Recorder  *capture.Recorder
	Health    *health.Manager
	Features  *features.Features
	Version   string
}

// Server is the HTTP API server.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	hub    *StreamHub
	logger zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server and hooks its stream into the
// extension's pipeline and event bus.
func NewServer(cfg config.APIConfig, debug bool, deps Deps) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		hub:    NewStreamHub(),
		logger: util.ComponentLogger("api"),
	}
	// Live dispatch feed for stream clients
	deps.Extension.Pipeline().Observe(s.hub.ObserveDispatch)
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket stream hub.
func (s *Server) Hub() *StreamHub {
	return s.hub
}

// Start listens and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.hub.Attach(ctx, s.deps.Extension.Events())
	defer s.hub.Stop()

	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Bind first so retries see the bind error
	ln, err := intnet.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	// Generate a certificate if none is configured
	if s.cfg.TLS {
		generated, err := util.EnsureSelfSignedCert(s.cfg.CertFile, s.cfg.KeyFile, []string{s.cfg.Address})
		if err != nil {
			ln.Close()
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		if generated {
			s.logger.Warn().Str("cert", s.cfg.CertFile).Msg("using a generated self-signed certificate")
		}
	}

	s.logger.Info().Str("addr", addr).Bool("tls", s.cfg.TLS).Msg("API server starting")

	// Graceful shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.cfg.TLS {
		err = s.httpServer.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger(s.logger))
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// Rate limiting
	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	api := router.Group("/api")
	{
		// Public
		api.GET("/ping", s.handlePing)
		api.GET("/health", s.handleHealth)

		// Monitoring
		api.GET("/session", s.handleSession)
		api.GET("/messages", s.handleMessages)
		api.GET("/handlers", s.handleHandlers)
		api.GET("/requests", s.handleRequests)
		api.GET("/stats", s.handleStats)
		api.GET("/captures", s.handleCaptures)
		api.GET("/captures/stats", s.handleCaptureStats)

		// Control
		api.POST("/send", s.handleSend)
		api.GET("/features", s.handleGetFeatures)
		api.PUT("/features", s.handleSetFeatures)

		// Websocket
		api.GET("/stream", s.handleStream)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}
