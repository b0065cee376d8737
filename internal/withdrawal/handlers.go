package withdrawal

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewledger/crewledger/internal/idgen"
	"github.com/crewledger/crewledger/internal/ledger"
	"github.com/crewledger/crewledger/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals and bank accounts.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/creators/:id/bank-accounts", h.AddAccount)
	r.GET("/creators/:id/bank-accounts", h.ListAccounts)
	r.POST("/creators/:id/bank-accounts/:accountId/primary", h.SetPrimary)
	r.POST("/creators/:id/withdrawals", h.Request)
}

// RegisterAdminRoutes sets up admin-only withdrawal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/bank-accounts/:accountId/review", h.Review)
	r.POST("/admin/withdrawals/:txnId/process", h.Process)
}

// AddAccountRequest registers a payout destination.
type AddAccountRequest struct {
	HolderName    string `json:"holderName" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	IFSC          string `json:"ifsc" binding:"required"`
}

// AddAccount handles POST /creators/:id/bank-accounts
func (h *Handler) AddAccount(c *gin.Context) {
	creatorID := c.Param("id")
	if !validation.IsValidID(creatorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid creator id"})
		return
	}

	var req AddAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("holderName", req.HolderName, 120),
		validation.MaxLength("accountNumber", req.AccountNumber, 34),
		validation.MaxLength("ifsc", req.IFSC, 11),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	account := &BankAccount{
		ID:            idgen.WithPrefix("bank_"),
		CreatorID:     creatorID,
		HolderName:    validation.SanitizeString(req.HolderName, 120),
		AccountNumber: req.AccountNumber,
		IFSC:          req.IFSC,
	}
	if err := h.service.AddAccount(c.Request.Context(), account); err != nil {
		h.logger.Error("failed to add bank account", "creator", creatorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to add bank account"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": account})
}

// ListAccounts handles GET /creators/:id/bank-accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.service.Accounts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to list bank accounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// SetPrimary handles POST /creators/:id/bank-accounts/:accountId/primary
func (h *Handler) SetPrimary(c *gin.Context) {
	err := h.service.SetPrimary(c.Request.Context(), c.Param("id"), c.Param("accountId"))
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "Bank account not found"})
		case errors.Is(err, ErrNotAccountOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_account_owner", "message": "Bank account belongs to another creator"})
		case errors.Is(err, ErrUnverifiedAccount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unverified_account", "message": "Only verified accounts can be primary"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to set primary account"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "primary_set"})
}

// WithdrawRequest asks to pay out to a verified bank account.
type WithdrawRequest struct {
	BankAccountID string `json:"bankAccountId" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
}

// Request handles POST /creators/:id/withdrawals
func (h *Handler) Request(c *gin.Context) {
	creatorID := c.Param("id")

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	txn, wallet, err := h.service.Request(c.Request.Context(), creatorID, req.BankAccountID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrBelowMinimum):
			c.JSON(http.StatusBadRequest, gin.H{"error": "below_minimum", "message": "Amount is below the minimum withdrawal"})
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "Bank account not found"})
		case errors.Is(err, ErrNotAccountOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_account_owner", "message": "Bank account belongs to another creator"})
		case errors.Is(err, ErrUnverifiedAccount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unverified_account", "message": "Bank account is not verified"})
		case errors.Is(err, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_balance", "message": "Insufficient balance for withdrawal"})
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
		case errors.Is(err, ledger.ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "Wallet not found"})
		default:
			h.logger.Error("withdrawal request failed", "creator", creatorID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawal_error", "message": "Failed to request withdrawal"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":         "pending",
		"transaction":    txn,
		"balance":        wallet.Balance,
		"pendingBalance": wallet.PendingBalance,
	})
}

// ReviewRequest carries the admin verification decision.
type ReviewRequest struct {
	Approve bool `json:"approve"`
}

// Review handles POST /admin/bank-accounts/:accountId/review
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	err := h.service.Review(c.Request.Context(), c.Param("accountId"), req.Approve)
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "Bank account not found"})
		case errors.Is(err, ErrAccountReviewed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_reviewed", "message": "Bank account already reviewed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to review account"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reviewed"})
}

// ProcessRequest resolves a pending withdrawal.
type ProcessRequest struct {
	Success bool   `json:"success"`
	Ref     string `json:"ref"`    // bank transfer reference on success
	Reason  string `json:"reason"` // failure reason otherwise
}

// Process handles POST /admin/withdrawals/:txnId/process
func (h *Handler) Process(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	refOrReason := req.Ref
	if !req.Success {
		refOrReason = req.Reason
	}

	txn, wallet, err := h.service.Process(c.Request.Context(), c.Param("txnId"), req.Success, refOrReason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyProcessed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "message": "Withdrawal already resolved"})
		default:
			h.logger.Error("withdrawal processing failed", "txn", c.Param("txnId"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawal_error", "message": "Failed to process withdrawal"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         string(txn.Status),
		"transaction":    txn,
		"balance":        wallet.Balance,
		"pendingBalance": wallet.PendingBalance,
	})
}
