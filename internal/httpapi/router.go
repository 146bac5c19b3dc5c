package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"imagevariant/internal/config"
	"imagevariant/internal/database"
	"imagevariant/internal/resolver"
)

// NewRouter builds the gin engine serving spec.md §6.1, wiring the same
// middleware stack the teacher's router.Setup assembles (tracing, access
// log + panic recovery, security headers, rate limiting, CORS) ahead of the
// image-resolution routes.
func NewRouter(cfg *config.Config, res *resolver.Resolver, db *database.DB) *gin.Engine {
	engine := gin.New()
	engine.Use(otelgin.Middleware("imagevariant"))
	engine.Use(observability())
	engine.Use(securityHeaders())
	engine.Use(rateLimit(cfg.RateLimitMax, cfg.RateLimitDuration))
	engine.SetTrustedProxies(nil)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Cache-Control"}
	corsConfig.AllowMethods = []string{"GET", "DELETE", "HEAD", "OPTIONS"}
	engine.Use(cors.New(corsConfig))

	h := NewHandlers(res, db, cfg.ResizedImagePath)

	engine.GET("/health", h.Health)
	engine.GET("/:imageId", h.ResolveImage)
	engine.DELETE("/:imageId", h.DeleteImage)

	return engine
}
