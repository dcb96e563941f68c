package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"github.com/nulpointcorp/food-vision-gateway/pkg/apierr"
)

// ManagementRoutes holds optional management API handler functions that are
// registered alongside the operation routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the fully middleware-wrapped request handler. Exposed
// separately from Start so tests can serve it over an in-memory listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/api/v1/analyze", g.handleAnalyze)
	r.POST("/api/v1/analyze-label", g.handleAnalyzeLabel)
	r.POST("/api/v1/parse-text", g.handleParseText)
	r.POST("/api/v1/match-ingredient", g.handleMatchIngredient)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found")
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		cors,
		g.observe,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
		// Meal photos arrive base64-encoded; allow a few MB of headroom.
		MaxRequestBodySize: 16 << 20,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":   "ok",
		"provider": g.visionProvider,
		"region":   g.router.Region(),
	})
}
