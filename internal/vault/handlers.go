package vault

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reservo/internal/auth"
	"github.com/mbd888/reservo/internal/logging"
	"github.com/mbd888/reservo/internal/wei"
)

// Handler provides HTTP endpoints for balances, withdrawals and the audit.
type Handler struct {
	vault *Vault
}

// NewHandler creates a new vault handler.
func NewHandler(v *Vault) *Handler {
	return &Handler{vault: v}
}

// RegisterRoutes sets up public (read-only) vault routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/balance", h.GetBalance)
	r.GET("/vault/audit", h.Audit)
}

// RegisterProtectedRoutes sets up auth-required vault routes. A party's
// movement history is only shown to that party.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/movements", auth.RequireOwnership("address"), h.ListMovements)
	r.POST("/withdrawals", h.Withdraw)
}

// GetBalance handles GET /v1/parties/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	bal, err := h.vault.BalanceOf(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":      address,
		"balance":      wei.Format(bal),
		"balanceEther": wei.FormatEther(bal),
	})
}

// ListMovements handles GET /v1/parties/:address/movements
func (h *Handler) ListMovements(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	movements, err := h.vault.History(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"movements": movements,
		"count":     len(movements),
	})
}

// WithdrawRequest is the body of POST /v1/withdrawals. Amount is a wei
// string or "all".
type WithdrawRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Withdraw handles POST /v1/withdrawals for the authenticated party.
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount := wei.All
	if !strings.EqualFold(strings.TrimSpace(req.Amount), "all") {
		v, ok := wei.Parse(req.Amount)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "amount must be a base-10 wei amount or \"all\"",
			})
			return
		}
		amount = v
	}

	party := auth.GetAuthenticatedParty(c)
	paid, err := h.vault.Withdraw(c.Request.Context(), party, amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Balance too low for withdrawal"})
		default:
			logging.L(c.Request.Context()).Error("withdrawal failed", "party", party, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to withdraw"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"party":  party,
		"amount": wei.Format(paid),
	})
}

// Audit handles GET /v1/vault/audit
func (h *Handler) Audit(c *gin.Context) {
	totals, err := h.vault.Audit(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrInvariant) {
			logging.L(c.Request.Context()).Error("CRITICAL: escrow invariant violated", "error", err)
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invariant_violated",
				"message": err.Error(),
				"totals":  totals,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"totals": totals,
	})
}
