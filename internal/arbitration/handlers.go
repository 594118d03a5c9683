package arbitration

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes disputes read-only; decisions go through the reservation API.
type Handler struct {
	arbitrator *Arbitrator
}

// NewHandler creates a new dispute handler.
func NewHandler(a *Arbitrator) *Handler {
	return &Handler{arbitrator: a}
}

// RegisterRoutes sets up public dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/arbitrator", h.GetArbitrator)
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Dispute id must be a positive integer",
		})
		return
	}

	d, err := h.arbitrator.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetArbitrator handles GET /v1/arbitrator
func (h *Handler) GetArbitrator(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"address": h.arbitrator.Address()})
}
