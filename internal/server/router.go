// Package server builds the HTTP surface of buildr: login, the draft sync
// endpoint, draft reads, the change feed, metrics and MCP.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cyruslayo/buildr/internal/auth"
	"github.com/cyruslayo/buildr/internal/feed"
	"github.com/cyruslayo/buildr/internal/reconcile"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds what the router wires together.
type Deps struct {
	Service *reconcile.Service
	Issuer  *auth.Issuer
	Users   auth.Users
	// Feed serves /api/feed. Nil disables the feed.
	Feed *feed.Hub
	// MCP serves /mcp behind the auth middleware. Nil disables MCP.
	MCP http.Handler
	// Gatherer backs /metrics. Nil disables metrics.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(deps.Logger))

	router.GET("/healthz", health)

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.POST("/auth/login", auth.NewLoginHandler(deps.Users, deps.Issuer, deps.Logger).Handle)

	requireAuth := auth.Middleware(deps.Issuer, deps.Logger)

	drafts := &draftHandler{svc: deps.Service, logger: deps.Logger}
	secured := api.Group("", requireAuth)
	secured.POST("/drafts/sync", drafts.Sync)
	secured.GET("/drafts", drafts.List)
	secured.GET("/drafts/:id", drafts.Get)

	if deps.Feed != nil {
		secured.GET("/feed", gin.WrapH(deps.Feed))
	}

	if deps.MCP != nil {
		mcp := gin.WrapH(deps.MCP)
		router.Any("/mcp", requireAuth, mcp)
	}

	return router
}

// NewHTTPServer wraps handler with the process timeouts. Read and write
// timeouts stay unset because the change feed holds connections open.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("ip", c.ClientIP()),
		)
	}
}
