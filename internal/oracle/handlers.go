package oracle

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the current feed price.
type Handler struct {
	feed Feed
}

// NewHandler creates a new oracle handler.
func NewHandler(feed Feed) *Handler {
	return &Handler{feed: feed}
}

// RegisterRoutes sets up public oracle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/oracle/price", h.GetPrice)
}

// GetPrice handles GET /v1/oracle/price
func (h *Handler) GetPrice(c *gin.Context) {
	p, err := h.feed.LatestPrice(c.Request.Context())
	if err != nil {
		code := "oracle_unavailable"
		if errors.Is(err, ErrStalePrice) {
			code = "stale_price"
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"price": p})
}
