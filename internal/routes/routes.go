// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/handler"
	"sniffer-bench/internal/middleware"
	"sniffer-bench/internal/service"
	"sniffer-bench/internal/traffic"
	"sniffer-bench/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config   *config.Config
	logger   *zap.Logger
	registry *service.Registry
	runner   *service.SmokeRunner
	sink     *traffic.Sink

	wsHandler *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	registry *service.Registry,
	runner *service.SmokeRunner,
	sink *traffic.Sink,
) *Router {
	return &Router{
		config:   config,
		logger:   logger,
		registry: registry,
		runner:   runner,
		sink:     sink,
	}
}

// WebSocketHandler exposes the event stream handler so the application
// can wire smoke progress into it before the runner is built.
func (r *Router) WebSocketHandler() *handler.WebSocketHandler {
	if r.wsHandler == nil {
		r.wsHandler = handler.NewWebSocketHandler(r.registry, r.logger)
	}
	return r.wsHandler
}

// SetRunner late-binds the smoke runner; it depends on the websocket
// handler's progress hook.
func (r *Router) SetRunner(runner *service.SmokeRunner) {
	r.runner = runner
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.registry, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.registry, r.logger)
	smokeHandler := handler.NewSmokeHandler(r.runner, r.logger)
	logHandler := handler.NewLogHandler(r.sink, r.logger)

	// Health check routes
	healthHandler.RegisterRoutes(router.Group(""))

	// API v1 routes
	apiV1 := router.Group("/api/v1")
	deviceHandler.RegisterRoutes(apiV1)
	smokeHandler.RegisterRoutes(apiV1)
	logHandler.RegisterRoutes(apiV1)

	// WebSocket routes
	r.WebSocketHandler().RegisterRoutes(router.Group("/ws"))

	r.logger.Info("All routes configured successfully")
}
