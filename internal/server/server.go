package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/coursepay/internal/config"
	fulfillmentdomain "github.com/smallbiznis/coursepay/internal/fulfillment/domain"
	invoicedomain "github.com/smallbiznis/coursepay/internal/invoice/domain"
	"github.com/smallbiznis/coursepay/internal/observability"
	obsmiddleware "github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/coursepay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
)

const (
	healthTimeout   = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	redis          redis.UniversalClient
	log            *zap.Logger
	ingestor       paymentdomain.Ingestor
	resolver       paymentdomain.Resolver
	invoiceSvc     invoicedomain.Service
	fulfillmentSvc fulfillmentdomain.Service
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Redis          redis.UniversalClient `optional:"true"`
	Log            *zap.Logger
	Ingestor       paymentdomain.Ingestor
	Resolver       paymentdomain.Resolver
	InvoiceSvc     invoicedomain.Service
	FulfillmentSvc fulfillmentdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		redis:          p.Redis,
		log:            p.Log.Named("http"),
		ingestor:       p.Ingestor,
		resolver:       p.Resolver,
		invoiceSvc:     p.InvoiceSvc,
		fulfillmentSvc: p.FulfillmentSvc,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment callbacks --------
	callbacks := api.Group("/payments/callback", MaxBodyBytes(maxCallbackBytes))
	callbacks.POST("", s.HandlePaymentCallback)
	callbacks.POST("/:service_type", s.HandlePaymentCallback)

	// -------- Payments --------
	api.POST("/payments/check", s.CheckPayment)
	api.GET("/payments/:invoice_id", s.GetPayment)

	// -------- Invoices --------
	api.POST("/invoices", s.CreateInvoice)
	api.DELETE("/invoices/:invoice_id", s.CancelInvoice)

	// -------- Purchases --------
	api.POST("/purchases", s.Fulfill)
	api.GET("/purchases/verify", s.VerifyPurchase)
	api.GET("/users/:user_id/purchases", s.ListUserPurchases)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

// Health reports ok when the database answers. A redis failure only marks the
// redis check degraded.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK

	if err := pingDB(ctx, s.db); err != nil {
		s.log.Warn("health: database ping failed", zap.Error(err))
		checks["database"] = "down"
		status = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.log.Warn("health: redis ping failed", zap.Error(err))
			checks["redis"] = "degraded"
		} else {
			checks["redis"] = "ok"
		}
	}

	label := "ok"
	if status != http.StatusOK {
		label = "unavailable"
	}
	c.JSON(status, gin.H{"status": label, "checks": checks})
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
