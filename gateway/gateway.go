package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/example/shopcore/pkg/config"
	"github.com/example/shopcore/pkg/order"
	"github.com/example/shopcore/pkg/payment"
	"github.com/example/shopcore/pkg/repository"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// FlagWriter switches payment providers on or off at runtime.
type FlagWriter interface {
	SetProviderFlag(ctx context.Context, name string, enabled bool) error
}

// AuditReader returns the event trail of an order, payment events
// included.
type AuditReader interface {
	Trail(ctx context.Context, id string, limit int64) ([]*repository.AuditLog, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the collaborators behind the routes. Flags and Audit are
// optional; their routes answer 404 without them.
type Services struct {
	Orders   *order.Service
	Payments *payment.Orchestrator
	Store    Pinger
	Flags    FlagWriter
	Audit    AuditReader
}

type Gateway struct {
	config   *config.Config
	services Services
	tokens   tokenTable
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
}

func NewGateway(cfg *config.Config, logger *zap.Logger, services Services) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	registerValidators()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))

	return &Gateway{
		config:   cfg,
		services: services,
		tokens:   newTokenTable(cfg.Auth),
		logger:   logger,
		router:   router,
	}
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		public := v1.Group("/public")
		{
			public.POST("/orders", g.createOrder)
		}

		payments := v1.Group("/payments")
		{
			payments.POST("/initiate", g.initiatePayment)
			payments.POST("/verify", g.verifyPayment)
			payments.POST("/webhook/:provider", g.paymentWebhook)
			payments.POST("/manual", g.manualPayment)
		}

		admin := v1.Group("/admin", requireAdmin(g.tokens))
		{
			orders := admin.Group("/orders")
			{
				orders.GET("", g.listOrders)
				orders.GET("/stats", g.orderStats)
				orders.POST("/export", g.exportOrders)
				orders.GET("/:id", g.getOrder)
				orders.GET("/:id/receipt", g.orderReceipt)
				orders.GET("/:id/audit", g.orderAudit)
				orders.PATCH("/:id/status", g.updateOrderStatus)
				orders.PATCH("/:id/items/:itemId/status", g.updateItemStatus)
				orders.PATCH("/:id/payment", g.validateOrderPayment)
				orders.POST("/:id/balance", g.collectBalance)
			}

			adminPayments := admin.Group("/payments")
			{
				adminPayments.PATCH("/:id/validate", g.validatePayment)
				adminPayments.POST("/:id/retry", g.retryPayment)
				adminPayments.PUT("/providers/:name", g.setProviderFlag)
			}
		}
	}

	// Swagger
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

// Handler exposes the router, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.config.Gateway.Host, g.config.Gateway.Port)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.logger.Info("Gateway starting", zap.String("address", addr))
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) health(c *gin.Context) {
	if g.services.Store != nil {
		if err := g.services.Store.Ping(c.Request.Context()); err != nil {
			g.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
