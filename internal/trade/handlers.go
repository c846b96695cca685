package trade

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kverko/fiatswap/internal/arbitration"
	"github.com/kverko/fiatswap/internal/custody"
	"github.com/kverko/fiatswap/internal/offer"
	"github.com/kverko/fiatswap/internal/oracle"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/parties/:address/trades", h.ListTrades)
}

// RegisterProtectedRoutes sets up protected (auth-required) trade routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.POST("/trades/:id/accept", h.AcceptTrade)
	r.POST("/trades/:id/fund", h.FundTrade)
	r.POST("/trades/:id/fiat-deposited", h.MarkFiatDeposited)
	r.POST("/trades/:id/release", h.ReleaseTrade)
	r.POST("/trades/:id/refund", h.RefundTrade)
	r.POST("/trades/:id/cancel", h.CancelTrade)
	r.POST("/trades/:id/dispute", h.DisputeTrade)
	r.POST("/trades/:id/resolve", h.ResolveTrade)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authPartyAddr") // Set by auth middleware

	t, err := h.service.Create(c.Request.Context(), callerAddr, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ListTrades handles GET /v1/parties/:address/trades
func (h *Handler) ListTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	trades, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// AcceptTrade handles POST /v1/trades/:id/accept
func (h *Handler) AcceptTrade(c *gin.Context) {
	t, err := h.service.Accept(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// FundTrade handles POST /v1/trades/:id/fund
func (h *Handler) FundTrade(c *gin.Context) {
	var req struct {
		Amount int64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Fund(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// MarkFiatDeposited handles POST /v1/trades/:id/fiat-deposited
func (h *Handler) MarkFiatDeposited(c *gin.Context) {
	t, err := h.service.MarkFiatDeposited(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ReleaseTrade handles POST /v1/trades/:id/release
func (h *Handler) ReleaseTrade(c *gin.Context) {
	t, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// RefundTrade handles POST /v1/trades/:id/refund
func (h *Handler) RefundTrade(c *gin.Context) {
	t, err := h.service.Refund(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// CancelTrade handles POST /v1/trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// DisputeTrade handles POST /v1/trades/:id/dispute
func (h *Handler) DisputeTrade(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// ResolveTrade handles POST /v1/trades/:id/resolve
func (h *Handler) ResolveTrade(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("authPartyAddr"), Outcome(req.Outcome))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// respondError maps service errors onto HTTP statuses and stable codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTradeNotFound), errors.Is(err, offer.ErrOfferNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, custody.ErrAlreadyFunded),
		errors.Is(err, custody.ErrEscrowCompleted), errors.Is(err, offer.ErrOfferInactive):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrTradeExpired):
		status = http.StatusConflict
		code = "trade_expired"
	case errors.Is(err, ErrNotExpired):
		status = http.StatusConflict
		code = "not_expired"
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSelfTrade), errors.Is(err, ErrInvalidOutcome):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, oracle.ErrStaleQuote):
		status = http.StatusServiceUnavailable
		code = "stale_quote"
	case errors.Is(err, arbitration.ErrNoArbitratorAvailable):
		status = http.StatusServiceUnavailable
		code = "no_arbitrator"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
