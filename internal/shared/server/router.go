package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"adreel-backend/internal/productions"
	"adreel-backend/internal/shared/config"
	"adreel-backend/internal/shared/metrics"
	"adreel-backend/internal/shared/server/middleware"
	"adreel-backend/internal/shared/server/respond"
)

// RouterDeps contains handlers and config needed to build the router.
type RouterDeps struct {
	Config             config.Config
	ProductionsHandler *productions.Handler
	// AssetsDir is served under /assets when assets live on local disk.
	AssetsDir string
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.OrgScope(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler())
	if dir := strings.TrimSpace(deps.AssetsDir); dir != "" {
		r.Static("/assets", dir)
	}

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})

	if deps.ProductionsHandler != nil {
		deps.ProductionsHandler.RegisterRoutes(api, middleware.RateLimit(middleware.RateLimitConfig{
			Rules: map[string]middleware.RateLimitRule{
				"DEFAULT": {Rate: 0.5, Burst: 10},
			},
		}))
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
