package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/tradebench/broker-auth/internal/config"
	"github.com/tradebench/broker-auth/internal/http/handler"
	httpmiddleware "github.com/tradebench/broker-auth/internal/http/middleware"
	"github.com/tradebench/broker-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	brokerHandler *handler.BrokerHandler,
	rateLimiter *middleware.RateLimiter,
	windows middleware.WindowStore,
	logger *zap.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(middleware.SecurityHeaders(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", brokerHandler.Health)

	setupWindow := middleware.NewSlidingWindow(windows, "setup", cfg.SetupLimit, cfg.SetupWindow, logger)
	refreshWindow := middleware.NewSlidingWindow(windows, "refresh", cfg.RefreshLimit, cfg.RefreshWindow, logger)

	broker := r.Group("/broker")
	{
		broker.GET("/csrf-token", brokerHandler.CSRFToken)
		broker.POST("/setup-oauth", setupWindow.Handler(), brokerHandler.SetupOAuth)
		broker.POST("/callback", setupWindow.Handler(), brokerHandler.Callback)
		broker.POST("/refresh-token", refreshWindow.Handler(), brokerHandler.RefreshToken)
		broker.POST("/disconnect", brokerHandler.Disconnect)
		broker.GET("/status", brokerHandler.Status)
		broker.GET("/configs", brokerHandler.ListConfigs)
		broker.POST("/configs", setupWindow.Handler(), brokerHandler.SetupOAuth)
		broker.DELETE("/configs/:id", brokerHandler.DeleteConfig)
	}

	return r
}
