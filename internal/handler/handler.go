package handler

import (
	"net/http"

	"asrai-mcp/internal/wallet"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

const serverName = "asrai-mcp"

type Handler struct {
	tracer  trace.Tracer
	version string
	mcp     http.Handler
	metrics http.Handler

	generateWallet func() (*wallet.Identity, string, error)
}

// New wires the HTTP-mode routes. metricsHandler may be nil, in which case
// /metrics is not served.
func New(tracer trace.Tracer, version string, mcpHandler, metricsHandler http.Handler) *Handler {
	return &Handler{
		tracer:         tracer,
		version:        version,
		mcp:            mcpHandler,
		metrics:        metricsHandler,
		generateWallet: wallet.Generate,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.POST("/generate-wallet", h.GenerateWallet)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
	if h.mcp != nil {
		mcp := gin.WrapH(h.mcp)
		r.GET("/mcp", mcp)
		r.POST("/mcp", mcp)
		r.DELETE("/mcp", mcp)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"server":  serverName,
		"version": h.version,
	})
}
