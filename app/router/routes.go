// Package router provides HTTP routing, middleware configuration, and server setup for the web application
package router

import (
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/Nurenaissance/fastapinewone/app/dto"
	"github.com/Nurenaissance/fastapinewone/app/handlers"
	"github.com/Nurenaissance/fastapinewone/app/middleware"
	"github.com/Nurenaissance/fastapinewone/config"
	"github.com/Nurenaissance/fastapinewone/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app              *fiber.App
	eventHandler     handlers.ScheduledEventHandlerInterface
	schedulerHandler handlers.SchedulerHandlerInterface
	serverCfg        config.ServerConfig
	metricsCfg       config.MetricsConfig
	logger           logrus.FieldLogger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(
	eventHandler handlers.ScheduledEventHandlerInterface,
	schedulerHandler handlers.SchedulerHandlerInterface,
	serverCfg config.ServerConfig,
	metricsCfg config.MetricsConfig,
	logger logrus.FieldLogger,
) Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	bodyLimit := serverCfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 4 * 1024 * 1024
	}

	r := &FiberRouter{
		eventHandler:     eventHandler,
		schedulerHandler: schedulerHandler,
		serverCfg:        serverCfg,
		metricsCfg:       metricsCfg,
		logger:           logger,
	}
	r.app = fiber.New(fiber.Config{
		AppName:      "fastapinewone scheduler",
		ErrorHandler: r.errorHandler,
		BodyLimit:    bodyLimit,
		ReadTimeout:  serverCfg.ReadTimeout,
		WriteTimeout: serverCfg.WriteTimeout,
		IdleTimeout:  serverCfg.IdleTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	return r
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.setupMiddleware()

	if r.metricsCfg.Enabled {
		r.app.Get(r.metricsPath(), adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := r.app.Group("/api/v1")

	api.Get("/health", r.schedulerHandler.Health)
	api.Get("/health/scheduler", r.schedulerHandler.SchedulerHealth)
	api.Post("/scheduler/scan", r.schedulerHandler.TriggerScan)

	events := api.Group("/scheduled-events")
	events.Post("/", r.eventHandler.Create)
	events.Get("/", r.eventHandler.List)
	// static segments before :id
	events.Get("/failed", r.eventHandler.ListFailed)
	events.Post("/retry-failed", r.eventHandler.RetryAllFailed)
	events.Post("/group", r.eventHandler.Group)
	events.Get("/:id", r.eventHandler.Get)
	events.Put("/:id", r.eventHandler.Update)
	events.Delete("/:id", r.eventHandler.Delete)
	events.Post("/:id/retry", r.eventHandler.Retry)

	r.app.Use(r.notFoundHandler)

	r.logger.Info("Routes configured successfully")
}

func (r *FiberRouter) metricsPath() string {
	if r.metricsCfg.Path == "" {
		return "/metrics"
	}
	return r.metricsCfg.Path
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    utils.HeaderRequestID,
		Generator: uuid.NewString,
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.WithFields(logrus.Fields{
				"request_id": requestid.FromContext(c),
				"path":       c.Path(),
				"method":     c.Method(),
				"panic":      e,
				"stack":      string(debug.Stack()),
			}).Error("panic while serving request")
		},
	}))

	if r.metricsCfg.Enabled {
		r.app.Use(middleware.Metrics(r.metricsPath()))
	}
	r.app.Use(middleware.RequestLogger(r.logger, "/api/v1/health", r.metricsPath()))
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.WithField("address", address).Info("Starting server")
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

// Not found handler
func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}

// Global error handler
func (r *FiberRouter) errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "An internal server error occurred"
	errCode := "INTERNAL_ERROR"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		if code < fiber.StatusInternalServerError {
			message = e.Message
			errCode = "REQUEST_ERROR"
		}
	}

	r.logger.WithError(err).WithField("status", code).Error("request failed")

	return c.Status(code).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code: errCode,
			Details: fiber.Map{
				"timestamp":  utils.UTCNow().Format(time.RFC3339),
				"request_id": requestid.FromContext(c),
			},
		},
	})
}
