package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/validation"
)

// Handler provides HTTP endpoints for the escrow lifecycle.
type Handler struct {
	service *Service
	keyID   string
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, keyID string, logger *slog.Logger) *Handler {
	return &Handler{service: service, keyID: keyID, logger: logger}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/brands/:id/escrow/deposit", h.DepositInitiate)
	r.POST("/brands/:id/escrow/deposit/verify", h.DepositVerify)
	r.POST("/brands/:id/escrow/hold", h.Hold)
	r.POST("/brands/:id/escrow/release", h.Release)
	r.POST("/brands/:id/escrow/refund", h.Refund)
}

func writeEscrowError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
	case errors.Is(err, ledger.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "Wallet not found"})
	case errors.Is(err, ledger.ErrInsufficientEscrow):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_escrow", "message": "Insufficient available escrow balance"})
	case errors.Is(err, ledger.ErrInsufficientHold):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_hold", "message": "Insufficient funds on hold for this operation"})
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": "Transaction already processed"})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Payment signature verification failed"})
	default:
		logger.Error("escrow operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error", "message": "Escrow operation failed"})
	}
}

// DepositRequest asks to bring the escrow pool up to amount.
type DepositRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// DepositInitiate handles POST /brands/:id/escrow/deposit
func (h *Handler) DepositInitiate(c *gin.Context) {
	brandID := c.Param("id")
	if !validation.IsValidID(brandID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid brand id"})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	res, err := h.service.DepositInitiate(c.Request.Context(), brandID, req.Amount)
	if err != nil {
		writeEscrowError(c, h.logger, err)
		return
	}

	if !res.RequiresPayment {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"checkout": res,
		"keyId":    h.keyID,
	})
}

// DepositVerifyRequest carries the gateway checkout callback fields.
type DepositVerifyRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	OrderID       string `json:"orderId" binding:"required"`
	PaymentID     string `json:"paymentId" binding:"required"`
	Signature     string `json:"signature" binding:"required"`
}

// DepositVerify handles POST /brands/:id/escrow/deposit/verify
func (h *Handler) DepositVerify(c *gin.Context) {
	var req DepositVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	txn, wallet, err := h.service.DepositVerify(c.Request.Context(), req.TransactionID, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeEscrowError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"transaction":   txn,
		"escrowBalance": wallet.EscrowBalance,
	})
}

// HoldRequest commits available escrow to a campaign.
type HoldRequest struct {
	CampaignID string `json:"campaignId" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
}

// Hold handles POST /brands/:id/escrow/hold
func (h *Handler) Hold(c *gin.Context) {
	brandID := c.Param("id")

	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !validation.IsValidID(req.CampaignID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid campaign id"})
		return
	}

	txn, wallet, err := h.service.Hold(c.Request.Context(), brandID, req.CampaignID, req.Amount)
	if err != nil {
		writeEscrowError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":        "held",
		"transaction":   txn,
		"escrowBalance": wallet.EscrowBalance,
		"escrowOnHold":  wallet.EscrowOnHold,
	})
}

// ReleaseRequest pays a creator from campaign escrow.
type ReleaseRequest struct {
	CreatorID     string `json:"creatorId" binding:"required"`
	CampaignID    string `json:"campaignId" binding:"required"`
	ApplicationID string `json:"applicationId" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
}

// Release handles POST /brands/:id/escrow/release
func (h *Handler) Release(c *gin.Context) {
	brandID := c.Param("id")

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("creatorId", req.CreatorID),
		validation.ValidID("campaignId", req.CampaignID),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	res, err := h.service.Release(c.Request.Context(), ledger.ReleaseParams{
		BrandID:       brandID,
		CreatorID:     req.CreatorID,
		CampaignID:    req.CampaignID,
		ApplicationID: req.ApplicationID,
		Amount:        req.Amount,
	})
	if err != nil {
		writeEscrowError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":             "released",
		"brandTransaction":   res.BrandTxn,
		"creatorTransaction": res.CreatorTxn,
		"escrowOnHold":       res.Brand.EscrowOnHold,
		"creatorBalance":     res.Creator.Balance,
	})
}

// RefundRequest returns committed campaign funds to the available pool.
type RefundRequest struct {
	CampaignID string `json:"campaignId" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	Reason     string `json:"reason"`
}

// Refund handles POST /brands/:id/escrow/refund
func (h *Handler) Refund(c *gin.Context) {
	brandID := c.Param("id")

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	txn, wallet, err := h.service.Refund(c.Request.Context(), brandID, req.CampaignID, req.Amount,
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeEscrowError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":        "refunded",
		"transaction":   txn,
		"escrowBalance": wallet.EscrowBalance,
		"escrowOnHold":  wallet.EscrowOnHold,
	})
}
