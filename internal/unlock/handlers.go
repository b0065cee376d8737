package unlock

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/validation"
)

// Handler provides HTTP endpoints for creator unlocks.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new unlock handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up unlock routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/brands/:id/unlocks", h.Unlock)
	r.GET("/brands/:id/unlocks", h.List)
	r.GET("/brands/:id/unlocks/:creatorId", h.Check)
}

// UnlockRequest purchases access to a creator's contact details.
type UnlockRequest struct {
	CreatorID string `json:"creatorId" binding:"required"`
}

// Unlock handles POST /brands/:id/unlocks
func (h *Handler) Unlock(c *gin.Context) {
	brandID := c.Param("id")

	var req UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !validation.IsValidID(req.CreatorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid creator id"})
		return
	}

	rec, charged, err := h.service.Unlock(c.Request.Context(), brandID, req.CreatorID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientTokens):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_tokens", "message": "Not enough tokens to unlock"})
		case errors.Is(err, ledger.ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "Wallet not found"})
		default:
			h.logger.Error("unlock failed", "brand", brandID, "creator", req.CreatorID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock_error", "message": "Failed to unlock creator"})
		}
		return
	}

	status := http.StatusOK
	if charged {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"unlock":  rec,
		"charged": charged,
	})
}

// List handles GET /brands/:id/unlocks
func (h *Handler) List(c *gin.Context) {
	unlocks, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock_error", "message": "Failed to list unlocks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocks": unlocks, "count": len(unlocks)})
}

// Check handles GET /brands/:id/unlocks/:creatorId
func (h *Handler) Check(c *gin.Context) {
	unlocked, err := h.service.Unlocked(c.Request.Context(), c.Param("id"), c.Param("creatorId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock_error", "message": "Failed to check unlock"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocked": unlocked})
}
