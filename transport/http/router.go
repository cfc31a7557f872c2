package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flarexio/retriever"
	"github.com/flarexio/retriever/auth"

	mcpE "github.com/flarexio/retriever/mcp"
)

// Subject is the context key holding the verified token subject.
const Subject = "subject"

// Authorize rejects requests without a valid bearer token. A disabled
// authenticator lets every request through.
func Authorize(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			abort(c, http.StatusUnauthorized, err)
			return
		}

		subject, err := a.Verify(token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			abort(c, http.StatusUnauthorized, err)
			return
		}

		c.Set(Subject, subject)
		c.Next()
	}
}

func AddRouters(r *gin.Engine, endpoints *retriever.EndpointSet, a *auth.Authenticator) {
	api := r.Group("/", Authorize(a))
	{
		api.POST("/upsert", UpsertHandler(endpoints.Upsert))
		api.POST("/upsert-file", UpsertFileHandler(endpoints.UpsertFile))
		api.POST("/query", QueryHandler(endpoints.Query))
		api.POST("/delete", DeleteHandler(endpoints.Delete))
	}
}

func AddStreamableRouters(r *gin.Engine, endpoints map[mcp.MCPMethod]mcpE.MCPEndpoint, a *auth.Authenticator) {
	r.POST("/mcp", Authorize(a), MCPStreamableHandler(endpoints))
}

func AddMetricsRouter(r *gin.Engine, g prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
