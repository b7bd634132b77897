package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rudder/internal/events"
	"rudder/internal/logging"
	"rudder/internal/policy"
	"rudder/internal/router"
	"rudder/internal/stickiness"
	"rudder/internal/supervisor"
)

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	EnableCORS   bool          `json:"enable_cors"`
	Debug        bool          `json:"debug"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "localhost",
		Port:         8080,
		EnableCORS:   true,
		Debug:        false,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server exposes the routing engine over HTTP.
type Server struct {
	router     *router.Router
	policies   *policy.Holder
	tracker    *stickiness.Tracker
	supervisor *supervisor.Supervisor

	engine     *gin.Engine
	httpServer *http.Server

	// WebSocket event streaming
	wsUpgrader  websocket.Upgrader
	broadcaster *events.Broadcaster

	logger    logging.Logger
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new HTTP API server around an existing router.
// broadcaster may be nil, in which case /v1/events is not registered; sup may
// be nil, in which case /v1/review is not registered.
func NewServer(r *router.Router, policies *policy.Holder, tracker *stickiness.Tracker, sup *supervisor.Supervisor, broadcaster *events.Broadcaster, serverConfig *ServerConfig, logger logging.Logger) *Server {
	if serverConfig == nil {
		serverConfig = DefaultServerConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	if !serverConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if serverConfig.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	server := &Server{
		router:     r,
		policies:   policies,
		tracker:    tracker,
		supervisor: sup,
		engine:     engine,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		broadcaster: broadcaster,
		logger:      logging.OrNop(logger),
		startTime:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port),
		Handler:      engine,
		ReadTimeout:  serverConfig.ReadTimeout,
		WriteTimeout: serverConfig.WriteTimeout,
	}

	server.setupRoutes()

	return server
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/health", s.handleHealth)

	v1.POST("/route", s.handleRoute)
	v1.POST("/outcome", s.handleOutcome)

	if s.supervisor != nil {
		v1.POST("/review", s.handleReview)
	}

	breakers := v1.Group("/breakers")
	{
		breakers.GET("", s.handleListBreakers)
		breakers.POST("/:target/reset", s.handleResetBreaker)
	}

	pol := v1.Group("/policy")
	{
		pol.GET("", s.handleGetPolicy)
		pol.PUT("", s.handlePutPolicy)
	}

	if s.broadcaster != nil {
		v1.GET("/events", s.handleEvents)
	}

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth(c *gin.Context) {
	sessions := 0
	if s.tracker != nil {
		sessions = s.tracker.Len()
	}

	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data: HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Uptime:    time.Since(s.startTime).String(),
			Sessions:  sessions,
		},
	})
}

// Start runs the HTTP server until Stop is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("httpapi: listening on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("httpapi: shutting down")

	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("httpapi: shutdown error: %v", err)
		return err
	}

	s.wg.Wait()
	return nil
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
