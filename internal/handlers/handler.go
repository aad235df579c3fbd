package handlers

import (
	"rointe_sync/internal/logger"
	"rointe_sync/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	apiToken string
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
// An empty apiToken leaves the API unprotected.
func NewHandler(services *service.Service, apiToken string, log *logger.Logger) *Handler {
	return &Handler{services: services, apiToken: apiToken, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)

	// Vendor account session
	h.registerAuthRoutes(router)

	// Versioned API endpoints (protected)
	h.registerAPIRoutes(router)

	// Change stream, same port; browsers pass the token as ?token=
	router.GET("/ws", h.apiTokenMiddleware, h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth", h.apiTokenMiddleware)
	{
		auth.POST("/login", h.login)
		auth.POST("/logout", h.logout)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.apiTokenMiddleware)
	{
		h.registerDeviceRoutes(api)
		h.registerCommandLogRoutes(api)
		api.POST("/discover", h.discover)
		api.GET("/sync", h.getSync)
	}
}

func (h *Handler) registerDeviceRoutes(api *gin.RouterGroup) {
	api.GET("/installations", h.getTree)
	devices := api.Group("/devices")
	{
		devices.GET("", h.getDevices)
		devices.GET("/:id", h.getDevice)
		// Body example: {"mode":"eco"} or {"hvac_mode":"heat"}
		devices.POST("/:id/mode", h.setMode)
		// Body example: {"temperature":21.5}
		devices.POST("/:id/temperature", h.setTemperature)
		// Body example: {"auto":true}
		devices.POST("/:id/schedule", h.setSchedule)
	}
}

func (h *Handler) registerCommandLogRoutes(api *gin.RouterGroup) {
	api.GET("/commands", h.getCommands)
}
