// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sniffer-bench/internal/config"
	"sniffer-bench/internal/discovery"
	"sniffer-bench/internal/routes"
	"sniffer-bench/internal/service"
	"sniffer-bench/internal/traffic"
	"sniffer-bench/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	sink     *traffic.Sink
	registry *service.Registry
	runner   *service.SmokeRunner

	registryCancel context.CancelFunc
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "sniffer-bench")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	app.initializeCore()

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeCore wires the traffic sink, discovery chain, registry and
// smoke runner.
func (app *Application) initializeCore() {
	app.sink = traffic.NewSink(
		app.config.Traffic.RingCapacity,
		app.config.Traffic.ExportDir,
		app.logger,
	)

	scanner := discovery.NewScanner(
		app.config.Fleet.VendorID,
		app.config.Fleet.ProductID,
		app.logger,
	)

	var topology *discovery.TopologyResolver
	if app.config.Fleet.USBTopology {
		topology = discovery.NewTopologyResolver(
			app.config.Fleet.VendorID,
			app.config.Fleet.ProductID,
			app.logger,
		)
	}
	grouper := discovery.NewGrouper(app.logger, topology)

	opener := service.NewSerialOpener(app.config.Serial, app.sink, app.logger)

	app.registry = service.NewRegistry(
		app.config.Fleet,
		grouper,
		scanner.Scan,
		opener,
		app.sink,
		app.logger,
	)

	app.logger.Info("Core services initialized successfully")
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.registry,
		nil, // smoke runner bound below, after the progress hook exists
		app.sink,
	)

	// The runner streams progress over the websocket handler, which the
	// router owns.
	app.runner = service.NewSmokeRunner(
		app.config.Smoke,
		app.registry,
		app.logger,
		routerManager.WebSocketHandler().SmokeProgress(),
	)
	routerManager.SetRunner(app.runner)

	router := routerManager.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)

	return nil
}

// Start runs the registry poll loop and HTTP server until a shutdown
// signal arrives.
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	app.registryCancel = cancel
	go app.registry.Run(ctx)

	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.waitForShutdown()
	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "sniffer-bench")
	serviceLogger.LogServiceStop("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Stop the poll loop, then release every serial port.
	if app.registryCancel != nil {
		app.registryCancel()
	}
	app.registry.Close()

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
