package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type walletResponse struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// GenerateWallet creates a fresh EVM wallet for a new user. The key is
// returned once and never stored or logged.
func (h *Handler) GenerateWallet(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.generate-wallet")
	defer span.End()

	identity, key, err := h.generateWallet()
	if err != nil {
		span.RecordError(err)
		slog.Error("wallet generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet generation failed"})
		return
	}

	address := identity.Address().Hex()
	span.SetAttributes(attribute.String("wallet.address", address))
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, walletResponse{Address: address, PrivateKey: key})
}
