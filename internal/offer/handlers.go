package offer

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for offer operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up protected (auth-required) offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.PATCH("/offers/:id", h.UpdateOffer)
	r.POST("/offers/:id/state", h.SetOfferState)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), c.GetString("authPartyAddr"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	filter := Filter{
		Fiat:  c.Query("fiat"),
		Owner: c.Query("owner"),
	}
	if st := c.Query("state"); st != "" {
		filter.State = State(st)
	}
	if d := c.Query("direction"); d != "" {
		filter.Direction = Direction(d)
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	offers, err := h.service.List(c.Request.Context(), filter, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// UpdateOffer handles PATCH /v1/offers/:id
func (h *Handler) UpdateOffer(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Update(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// SetOfferState handles POST /v1/offers/:id/state
func (h *Handler) SetOfferState(c *gin.Context) {
	var req struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.SetState(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"), State(req.State))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOfferNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrOfferPinned), errors.Is(err, ErrOfferInactive):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidBounds):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
