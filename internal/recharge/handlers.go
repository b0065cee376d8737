package recharge

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewledger/crewledger/internal/catalog"
	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/validation"
)

// Handler provides HTTP endpoints for the recharge flow.
type Handler struct {
	service *Service
	catalog catalog.Store
	keyID   string // public gateway key for the client checkout
	logger  *slog.Logger
}

// NewHandler creates a new recharge handler.
func NewHandler(service *Service, cat catalog.Store, keyID string, logger *slog.Logger) *Handler {
	return &Handler{service: service, catalog: cat, keyID: keyID, logger: logger}
}

// RegisterRoutes sets up recharge routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/packages", h.ListPackages)
	r.POST("/brands/:id/recharge", h.Initiate)
	r.POST("/brands/:id/recharge/verify", h.Verify)
}

// ListPackages handles GET /packages
func (h *Handler) ListPackages(c *gin.Context) {
	packages, err := h.catalog.List(c.Request.Context(), true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_error",
			"message": "Failed to list packages",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": packages})
}

// InitiateRequest starts a package purchase.
type InitiateRequest struct {
	PackageID string `json:"packageId" binding:"required"`
}

// Initiate handles POST /brands/:id/recharge
func (h *Handler) Initiate(c *gin.Context) {
	brandID := c.Param("id")
	if !validation.IsValidID(brandID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid brand id"})
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.service.Initiate(c.Request.Context(), brandID, req.PackageID)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrPackageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "package_not_found", "message": "Package not found or inactive"})
		case errors.Is(err, ErrFreePackage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "free_package", "message": "Free packages cannot be purchased"})
		case errors.Is(err, ledger.ErrNoBrandLinked):
			c.JSON(http.StatusNotFound, gin.H{"error": "no_brand_linked", "message": "No brand registration linked to this account"})
		default:
			h.logger.Error("recharge initiation failed", "brand", brandID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "order_error", "message": "Failed to create payment order"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"checkout": res,
		"keyId":    h.keyID,
	})
}

// VerifyRequest carries the gateway checkout callback fields.
type VerifyRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	OrderID       string `json:"orderId" binding:"required"`
	PaymentID     string `json:"paymentId" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
}

// Verify handles POST /brands/:id/recharge/verify
func (h *Handler) Verify(c *gin.Context) {
	brandID := c.Param("id")

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, wallet, err := h.service.Verify(c.Request.Context(), req.TransactionID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Payment signature verification failed"})
		case errors.Is(err, ledger.ErrAlreadyProcessed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": "Transaction already processed"})
		default:
			h.logger.Error("recharge verification failed", "txn", req.TransactionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_error", "message": "Failed to verify payment"})
		}
		return
	}

	if txn.ActorID != brandID {
		// Completion already happened under the txn's own brand; this is a
		// routing mismatch, not a credit problem.
		h.logger.Warn("verify brand mismatch", "txn", txn.ID, "owner", txn.ActorID, "caller", brandID)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "completed",
		"transaction":  txn,
		"tokenBalance": wallet.TokenBalance,
	})
}

