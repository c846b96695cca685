package custody

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the custody ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new custody handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id/escrow", h.GetEscrow)
}

// RegisterProtectedRoutes sets up protected (auth-required) custody routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/custody/pending", h.GetPending)
	r.POST("/custody/withdraw", h.Withdraw)
}

// GetEscrow handles GET /v1/trades/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetPending handles GET /v1/custody/pending
func (h *Handler) GetPending(c *gin.Context) {
	caller := c.GetString("authPartyAddr")
	credits, err := h.ledger.Pending(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": credits,
		"count":   len(credits),
	})
}

// Withdraw handles POST /v1/custody/withdraw. All pending balances for the
// authenticated party are drained in one atomic step.
func (h *Handler) Withdraw(c *gin.Context) {
	caller := c.GetString("authPartyAddr")
	credits, err := h.ledger.Withdraw(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawn": credits,
		"count":     len(credits),
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNothingToWithdraw):
		status = http.StatusNotFound
		code = "nothing_to_withdraw"
	case errors.Is(err, ErrReentrancy):
		status = http.StatusConflict
		code = "reentrancy_detected"
	case errors.Is(err, ErrDepositorMismatch):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyFunded), errors.Is(err, ErrEscrowCompleted),
		errors.Is(err, ErrEscrowFrozen):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
