package arbitration

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for arbitrator management.
type Handler struct {
	service *Service
}

// NewHandler creates a new arbitration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) arbitration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbitrators/:address", h.GetArbitrator)
}

// RegisterProtectedRoutes sets up protected (auth-required) arbitration routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/arbitrators", h.RegisterArbitrator)
	r.POST("/arbitrators/:address/active", h.SetActive)
}

// RegisterArbitrator handles POST /v1/arbitrators. An arbitrator registers
// itself; the address is taken from the authenticated caller.
func (h *Handler) RegisterArbitrator(c *gin.Context) {
	var req struct {
		PubKey string   `json:"pubKey"`
		Fiats  []string `json:"fiats" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	a, err := h.service.Register(c.Request.Context(), c.GetString("authPartyAddr"), req.PubKey, req.Fiats)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitrator": a})
}

// GetArbitrator handles GET /v1/arbitrators/:address
func (h *Handler) GetArbitrator(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": a})
}

// SetActive handles POST /v1/arbitrators/:address/active. Arbitrators may
// only toggle their own availability.
func (h *Handler) SetActive(c *gin.Context) {
	if !strings.EqualFold(c.GetString("authPartyAddr"), c.Param("address")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "arbitrators may only change their own availability",
		})
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.service.SetActive(c.Request.Context(), c.Param("address"), *req.Active); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrArbitratorNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyRegistered):
		status = http.StatusConflict
		code = "already_registered"
	case errors.Is(err, ErrNoArbitratorAvailable):
		status = http.StatusServiceUnavailable
		code = "no_arbitrator"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
