// Package httpapi wires the HTTP transport (Gin) to the gateway components,
// middleware and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, credentials, replication forwarding and rate
// limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Replication traffic leaves the chain before body limits and compression
package httpapi

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/go-doc-gateway/internal/config"
	"github.com/tbourn/go-doc-gateway/internal/domain"
	"github.com/tbourn/go-doc-gateway/internal/http/docs"
	"github.com/tbourn/go-doc-gateway/internal/http/handlers"
	"github.com/tbourn/go-doc-gateway/internal/http/middleware"
	"github.com/tbourn/go-doc-gateway/internal/proxy"
)

// maxBodyBytes caps REST request bodies. Replication bodies are not capped.
const maxBodyBytes = 1 << 20

// Deps are the components mounted by RegisterRoutes.
type Deps struct {
	Handlers *handlers.Handlers
	// Auth resolves credentials; nil treats every request as anonymous.
	Auth middleware.ViewerResolver
	// Proxy serves replication traffic; nil disables forwarding.
	Proxy middleware.Forwarder
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger (debug) or RedactingLogger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Metrics
//  6. CORS and Security headers (replicating browsers need CORS too)
//  7. Authenticate: resolve the viewer
//  8. Rate limiter (per user/IP)
//  9. Replication: hand X-Pouchdb traffic to the reverse proxy
//  10. Body size limiter and gzip for the REST routes
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging; headers are only logged (redacted) outside debug
	if cfg.GinMode == gin.DebugMode {
		r.Use(middleware.Logger())
	} else {
		r.Use(middleware.RedactingLogger(middleware.RedactOptions{
			MaskHeaders: []string{"X-Api-Key", "X-Pouchdb-Session"},
		}))
	}

	// 4) Panic recovery to the error payload
	r.Use(middleware.Recovery())

	// 5) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 6) CORS posture and security headers
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// 7) Credentials
	if d.Auth != nil {
		r.Use(middleware.Authenticate(d.Auth))
	}

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) Replication forwarding
	if d.Proxy != nil {
		r.Use(middleware.Replication(d.Proxy))
	}

	// 10) REST-only body cap and compression (streams are never buffered)
	apiBase := normalizeBase(cfg.APIBasePath)
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs(streamingPaths(apiBase))))

	// Fallbacks; preflights have no route of their own
	r.NoRoute(func(c *gin.Context) {
		if answerPreflight(c) {
			return
		}
		handlers.Fail(c, domain.NewError(http.StatusNotFound, "route not found"))
	})
	r.NoMethod(func(c *gin.Context) {
		if answerPreflight(c) {
			return
		}
		handlers.Fail(c, domain.NewError(http.StatusMethodNotAllowed, "method not allowed"))
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = "/" + strings.TrimPrefix(apiBase, "/")
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := d.Handlers
	if h == nil {
		return
	}
	api := groupWithPrefix(r, apiBase)
	{
		// Documents
		api.GET("/graph", h.SearchDocuments("graph"))
		api.GET("/graph/:id", h.GetDocument("graph"))
		api.DELETE("/graph/:id", h.DeleteGraph)
		api.GET("/organization", h.SearchDocuments("org"))
		api.GET("/organization/:id", h.GetDocument("org"))
		api.GET("/periodical", h.SearchDocuments("journal"))
		api.GET("/periodical/:id", h.GetDocument("journal"))
		api.GET("/user/:id", h.GetDocument("user"))

		// Actions
		api.GET("/action/:id", h.GetDocument("action"))
		api.POST("/action", h.PostAction)

		// Change feed and binary content
		api.GET("/feed", h.Feed)
		api.GET("/encoding/:id", h.GetEncoding)
	}
}

var (
	corsMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"}
	corsHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"Last-Event-ID", "Range", "If-None-Match", proxy.HeaderReplication,
	}
	corsExpose = []string{"X-Request-ID", "Content-Length", "Content-Range", "ETag", "Link"}
)

const corsMaxAge = 12 * time.Hour

// corsMiddleware returns the CORS posture: allow every origin when none is
// configured, otherwise echo allowlisted origins with credentials.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     corsMethods,
				AllowHeaders:     corsHeaders,
				ExposeHeaders:    corsExpose,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           corsMaxAge,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExpose,
			AllowCredentials: true, // session cookies
			MaxAge:           corsMaxAge,
		}),
	}
}

// answerPreflight completes a CORS preflight that reached the fallbacks:
// cors.New passes same-host origins through and no route serves OPTIONS.
// The allowed origin was already set by corsMiddleware.
func answerPreflight(c *gin.Context) bool {
	if c.Request.Method != http.MethodOptions ||
		c.GetHeader("Origin") == "" ||
		c.GetHeader("Access-Control-Request-Method") == "" {
		return false
	}
	h := c.Writer.Header()
	if h.Get("Access-Control-Allow-Origin") == "" {
		return false
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ","))
	h.Set("Access-Control-Allow-Headers", strings.Join(corsHeaders, ","))
	h.Set("Access-Control-Max-Age", strconv.Itoa(int(corsMaxAge/time.Second)))
	c.AbortWithStatus(http.StatusNoContent)
	return true
}

// streamingPaths lists the path patterns gzip must leave alone: the event
// stream flushes frame by frame and encodings carry their own encoding.
func streamingPaths(base string) []string {
	prefix := regexp.QuoteMeta(strings.TrimSuffix(base, "/"))
	return []string{
		"^" + prefix + "/feed$",
		"^" + prefix + "/encoding/",
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func normalizeBase(prefix string) string {
	if prefix == "" || prefix == "/" {
		return ""
	}
	return "/" + strings.Trim(prefix, "/")
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
