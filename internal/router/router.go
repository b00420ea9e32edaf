package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/ToniYenC11/CDSS/internal/handler/prometheus"
	"github.com/ToniYenC11/CDSS/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine  *gin.Engine
	cases   Handler
	annots  Handler
	health  Handler
	metrics *prometheus.Handler
	config  RouterConfig
}

type RouterConfig struct {
	Mode             string
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	RateClientTTL    time.Duration
	CORSConfig       middleware.CORSConfig
	SizeLimit        middleware.SizeLimitConfig
}

// NewRouter wires the middleware chain. metrics may be nil to disable the
// HTTP metrics middleware and the /metrics endpoint.
func NewRouter(
	cases Handler,
	annotations Handler,
	health Handler,
	metrics *prometheus.Handler,
	config RouterConfig,
) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	// Redirects are answered before middleware runs and would carry no CORS
	// headers; handlers register both slash forms instead.
	engine.RedirectTrailingSlash = false

	r := &Router{
		engine:  engine,
		cases:   cases,
		annots:  annotations,
		health:  health,
		metrics: metrics,
		config:  config,
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Recovery(),
		middleware.ErrorHandler(),
	)
	if metrics != nil {
		engine.Use(metrics.Middleware())
	}
	engine.Use(middleware.CORS(config.CORSConfig))

	if config.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:      config.RateLimit,
			Burst:     config.RateBurst,
			ClientTTL: config.RateClientTTL,
		})
		engine.Use(rateLimiter.RateLimit())
	}
	engine.Use(middleware.SizeLimit(config.SizeLimit))

	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Invalid method"})
	})
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return r
}

func (r *Router) Setup() {
	root := r.engine.Group("")

	r.health.RegisterRoutes(root)
	if r.metrics != nil {
		root.GET("/metrics", r.metrics.Handler())
	}

	r.cases.RegisterRoutes(root)
	r.annots.RegisterRoutes(root)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
