package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewledger/crewledger/internal/money"
	"github.com/crewledger/crewledger/internal/pagination"
	"github.com/crewledger/crewledger/internal/validation"
)

// Handler provides the wallet read/query HTTP surface. Mutating flows live
// in the engine packages (recharge, escrow, withdrawal, unlock).
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/creators/:id/wallet", h.GetCreatorWallet)
	r.GET("/creators/:id/wallet/summary", h.GetCreatorSummary)
	r.GET("/creators/:id/transactions", h.listTransactions(ActorCreator))
	r.GET("/creators/:id/transactions/:txnId", h.getTransaction(ActorCreator))
	r.POST("/creators/:id/gifts", h.SendGift)

	r.GET("/brands/:id/wallet", h.GetBrandWallet)
	r.GET("/brands/:id/transactions", h.listTransactions(ActorBrand))
	r.GET("/brands/:id/transactions/:txnId", h.getTransaction(ActorBrand))
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/adjustments", h.Adjust)
}

// GetCreatorWallet handles GET /creators/:id/wallet
func (h *Handler) GetCreatorWallet(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid creator id"})
		return
	}

	wallet, err := h.service.CreatorWallet(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":    wallet,
		"formatted": money.FormatWithCurrency(wallet.Balance, wallet.Currency),
	})
}

// GetCreatorSummary handles GET /creators/:id/wallet/summary
func (h *Handler) GetCreatorSummary(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid creator id"})
		return
	}

	summary, err := h.service.Summary(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet summary",
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetBrandWallet handles GET /brands/:id/wallet
func (h *Handler) GetBrandWallet(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid brand id"})
		return
	}

	wallet, err := h.service.BrandWallet(c.Request.Context(), id)
	if err != nil {
		if err == ErrNoBrandLinked {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_brand_linked",
				"message": "No brand registration linked to this account",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (h *Handler) listTransactions(kind ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !validation.IsValidID(id) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Invalid actor id"})
			return
		}

		f := Filter{
			ActorKind: kind,
			ActorID:   id,
			Type:      Type(c.Query("type")),
			Status:    Status(c.Query("status")),
			Unit:      Unit(c.Query("unit")),
		}

		if fromStr := c.Query("from"); fromStr != "" {
			if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
				f.From = &t
			}
		}
		if toStr := c.Query("to"); toStr != "" {
			if t, err := time.Parse(time.RFC3339, toStr); err == nil {
				f.To = &t
			}
		}
		if limitStr := c.Query("limit"); limitStr != "" {
			if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
				f.Limit = n
			}
		}
		if cursorStr := c.Query("cursor"); cursorStr != "" {
			cur, err := pagination.Decode(cursorStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Malformed pagination cursor"})
				return
			}
			f.Cursor = cur
		}

		items, next, more, err := h.service.Transactions(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "ledger_error",
				"message": "Failed to retrieve transactions",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"transactions": items,
			"count":        len(items),
			"nextCursor":   next,
			"hasMore":      more,
		})
	}
}

func (h *Handler) getTransaction(kind ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn, err := h.service.Transaction(c.Request.Context(), kind, c.Param("txnId"))
		if err != nil {
			if err == ErrTransactionNotFound {
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "transaction_not_found",
					"message": "Transaction not found",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "ledger_error",
				"message": "Failed to retrieve transaction",
			})
			return
		}

		// The log belongs to one actor; don't leak another actor's rows.
		if txn.ActorID != c.Param("id") {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "transaction_not_found",
				"message": "Transaction not found",
			})
			return
		}

		c.JSON(http.StatusOK, txn)
	}
}

// GiftRequest for creator-to-creator transfers.
type GiftRequest struct {
	ToCreatorID string `json:"toCreatorId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Notes       string `json:"notes"`
}

// SendGift handles POST /creators/:id/gifts
func (h *Handler) SendGift(c *gin.Context) {
	fromID := c.Param("id")

	var req GiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("toCreatorId", req.ToCreatorID),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("notes", req.Notes, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	res, err := h.service.Gift(c.Request.Context(), fromID, req.ToCreatorID, req.Amount, validation.SanitizeString(req.Notes, 500))
	if err != nil {
		switch err {
		case ErrInvalidAmount:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		case ErrInsufficientBalance:
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_balance", "message": "Insufficient balance for gift"})
		case ErrWalletNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "Recipient wallet not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "gift_error", "message": "Failed to send gift"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":   "sent",
		"sent":     res.SentTxn,
		"received": res.ReceivedTxn,
		"balance":  res.Sender.Balance,
	})
}

// AdjustRequest for admin balance adjustments.
type AdjustRequest struct {
	CreatorID string `json:"creatorId" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

// Adjust handles POST /admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, wallet, err := h.service.Adjust(c.Request.Context(), req.CreatorID, req.Amount, req.Reason)
	if err != nil {
		switch err {
		case ErrInvalidAmount:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		case ErrInsufficientBalance:
			c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient_balance", "message": "Adjustment would make balance negative"})
		case ErrWalletNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet_not_found", "message": "Wallet not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "adjustment_error", "message": "Failed to apply adjustment"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":      "applied",
		"transaction": txn,
		"balance":     wallet.Balance,
	})
}
