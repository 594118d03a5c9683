package listing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reservo/internal/auth"
	"github.com/mbd888/reservo/internal/validation"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new listing handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
	r.GET("/parties/:address/listings", h.ListByOwner)
}

// RegisterProtectedRoutes sets up auth-required listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
}

// CreateListing handles POST /v1/listings. The caller becomes the owner.
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidWei("unitPrice", req.UnitPrice),
		validation.Positive("maxDurationSeconds", req.MaxDurationSeconds),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	l, err := h.registry.Create(c.Request.Context(), auth.GetAuthenticatedParty(c), req)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_input",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create listing",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Listing id must be a positive integer",
		})
		return
	}

	l, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Listing not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListByOwner handles GET /v1/parties/:address/listings
func (h *Handler) ListByOwner(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	listings, err := h.registry.ListByOwner(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
	})
}
