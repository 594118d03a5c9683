package reservation

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reservo/internal/arbitration"
	"github.com/mbd888/reservo/internal/auth"
	"github.com/mbd888/reservo/internal/circuitbreaker"
	"github.com/mbd888/reservo/internal/logging"
	"github.com/mbd888/reservo/internal/oracle"
)

// Handler provides HTTP endpoints for reservations.
type Handler struct {
	service *Service
}

// NewHandler creates a new reservation handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up public (read-only) reservation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reservations/count", h.Count)
	r.GET("/reservations/:id", h.GetReservation)
	r.GET("/parties/:address/reservations", h.ListByRenter)
}

// RegisterProtectedRoutes sets up auth-required reservation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reservations", h.Reserve)
	r.POST("/reservations/:id/cancel", h.Cancel)
	r.POST("/reservations/:id/dispute", h.RaiseDispute)
	r.POST("/reservations/:id/resolve", h.Resolve)
	r.POST("/reservations/:id/complete", h.Complete)
}

// Reserve handles POST /v1/reservations. The authenticated party is the renter.
func (h *Handler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Reserve(c.Request.Context(), auth.GetAuthenticatedParty(c), req)
	if err != nil {
		h.writeError(c, "reserve", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reservation": r})
}

// GetReservation handles GET /v1/reservations/:id
func (h *Handler) GetReservation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// Count handles GET /v1/reservations/count
func (h *Handler) Count(c *gin.Context) {
	n, err := h.service.Count(c.Request.Context())
	if err != nil {
		h.writeError(c, "count", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// ListByRenter handles GET /v1/parties/:address/reservations
func (h *Handler) ListByRenter(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, next, err := h.service.ListByRenter(c.Request.Context(), c.Param("address"), c.Query("cursor"), limit)
	if err != nil {
		h.writeError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reservations": list,
		"count":        len(list),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

// Cancel handles POST /v1/reservations/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Cancel(c.Request.Context(), auth.GetAuthenticatedParty(c), id)
	if err != nil {
		h.writeError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// RaiseDispute handles POST /v1/reservations/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.RaiseDispute(c.Request.Context(), auth.GetAuthenticatedParty(c), id)
	if err != nil {
		h.writeError(c, "dispute", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// Resolve handles POST /v1/reservations/:id/resolve (arbitrator only).
func (h *Handler) Resolve(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	bps, ok := req.bps()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "ratioToRenter must be between 0 and 1 (or ratioBps between 0 and 10000)",
		})
		return
	}

	r, err := h.service.DisputeAndResolve(c.Request.Context(), auth.GetAuthenticatedParty(c), id, bps)
	if err != nil {
		h.writeError(c, "resolve", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// Complete handles POST /v1/reservations/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.CompleteAndWithdraw(c.Request.Context(), auth.GetAuthenticatedParty(c), id)
	if err != nil {
		h.writeError(c, "complete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": r})
}

// maxRatioDigits bounds the length and exponent of a decimal ratio.
const maxRatioDigits = 64

// bps converts the request to basis points. The decimal ratio is read
// exactly, so 0.0003 is 3 bps; fractions of a basis point are rounded down.
func (r ResolveRequest) bps() (uint32, bool) {
	if r.RatioBps != nil {
		return *r.RatioBps, *r.RatioBps <= arbitration.MaxRatioBps
	}
	if r.RatioToRenter == nil {
		return 0, false
	}
	s := r.RatioToRenter.String()
	if len(s) > maxRatioDigits {
		return 0, false
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp < -maxRatioDigits || exp > maxRatioDigits {
			return 0, false
		}
	}
	ratio, ok := new(big.Rat).SetString(s)
	if !ok || ratio.Sign() < 0 || ratio.Cmp(big.NewRat(1, 1)) > 0 {
		return 0, false
	}
	scaled := new(big.Int).Mul(ratio.Num(), big.NewInt(arbitration.MaxRatioBps))
	return uint32(scaled.Quo(scaled, ratio.Denom()).Uint64()), true
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Reservation id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": MsgInsufficientFunds})
	case errors.Is(err, ErrTooLateToCancel):
		c.JSON(http.StatusConflict, gin.H{"error": "too_late_to_cancel", "message": MsgTooLateToCancel})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrNotRecorded):
		logging.L(c.Request.Context()).Error("reservation settled but not recorded", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_not_recorded", "message": "Escrow was paid out but the reservation status could not be saved"})
	case errors.Is(err, ErrNotEnded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "not_ended", "message": err.Error()})
	case errors.Is(err, oracle.ErrStalePrice):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stale_price", "message": err.Error()})
	case errors.Is(err, oracle.ErrUnavailable), errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, circuitbreaker.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "oracle_unavailable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("reservation request failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reservation operation failed"})
	}
}
