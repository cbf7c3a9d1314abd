// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/robot-viewer/backend/internal/catalog"
	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/observability"
	"github.com/robot-viewer/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store   storage.Store
	Loads   LoadManager
	Uploads UploadJobs
	// Catalog is optional.
	Catalog *catalog.Store
	// Metrics is optional; nil disables /metrics and request metrics.
	Metrics     *observability.Collector
	MetricsPath string
	Logger      logging.Logger
	Version     string
	// RequestLogging logs every completed request.
	RequestLogging bool
	// WebSocketMaxMessageKB bounds client websocket messages.
	WebSocketMaxMessageKB int
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	FileSets  FileSetHandler
	Loads     LoadHandler
	Joints    JointHandler
	WebSocket *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Loads),
		FileSets:  NewFileSetHandler(deps.Store, deps.Uploads),
		Loads:     NewLoadHandler(deps.Loads, deps.Catalog, deps.Logger),
		Joints:    NewJointHandler(deps.Loads, deps.Logger),
		WebSocket: NewWebSocketHandler(deps.Loads, deps.Logger, deps.WebSocketMaxMessageKB),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// WebSocket endpoint
	apiGroup.GET("/ws/loads", handlers.WebSocket.HandleWebSocket)

	// File set routes
	fileSetGroup := apiGroup.Group("/filesets")
	fileSetGroup.POST("", handlers.FileSets.HandleCreateFileSet)
	fileSetGroup.GET("", handlers.FileSets.HandleListFileSets)
	fileSetGroup.GET("/:id", handlers.FileSets.HandleGetFileSet)
	fileSetGroup.PUT("/:id", handlers.FileSets.HandleRenameFileSet)
	fileSetGroup.DELETE("/:id", handlers.FileSets.HandleDeleteFileSet)
	fileSetGroup.POST("/:id/files", handlers.FileSets.HandleAddFiles)
	fileSetGroup.POST("/:id/archive", handlers.FileSets.HandleUploadArchive)
	fileSetGroup.POST("/:id/chunks", handlers.FileSets.HandleUploadChunk)
	fileSetGroup.POST("/:id/chunks/complete", handlers.FileSets.HandleCompleteUpload)
	apiGroup.GET("/uploads/:jobId", handlers.FileSets.HandleUploadJobStatus)

	// Load routes
	loadGroup := apiGroup.Group("/loads")
	loadGroup.POST("", handlers.Loads.HandleStartLoad)
	loadGroup.GET("", handlers.Loads.HandleListLoads)
	loadGroup.GET("/:id", handlers.Loads.HandleGetLoad)
	loadGroup.DELETE("/:id", handlers.Loads.HandleDeleteLoad)
	loadGroup.POST("/:id/keepalive", handlers.Loads.HandleKeepAlive)
	loadGroup.GET("/:id/model", handlers.Loads.HandleGetModel)
	loadGroup.GET("/:id/model/msgpack", handlers.Loads.HandleGetModelMsgpack)
	loadGroup.GET("/:id/structure", handlers.Loads.HandleGetStructure)
	loadGroup.GET("/:id/source", handlers.Loads.HandleGetSource)

	// Joint routes
	loadGroup.PATCH("/:id/joints/:joint/limits", handlers.Joints.HandleEditLimits)
	loadGroup.PUT("/:id/joints/:joint/angle", handlers.Joints.HandleSetAngle)

	// Resolver diagnostics
	apiGroup.GET("/resolve", handlers.Loads.HandleResolve)
}

// SetupMiddleware configures common middleware and the metrics endpoint
func SetupMiddleware(e *echo.Echo, deps *Dependencies) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))
	e.Use(RequestLogger(deps.Logger, deps.RequestLogging))

	if deps.Metrics != nil {
		e.Use(Metrics(deps.Metrics))
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(deps.Metrics.Handler()))
	}
}
