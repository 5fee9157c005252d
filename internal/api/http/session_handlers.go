package http

import (
	"errors"
	"net/http"

	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginRequest struct {
	Seed string `json:"seed" binding:"required"`
}

// Login starts a session with a hex user seed, replacing the current one
func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	userSeed, err := seed.Parse(req.Seed)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	defer seed.Zero(userSeed)

	if err := h.kernel.Login(c.Request.Context(), userSeed); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, seed.ErrInvalidLength) {
			status = http.StatusBadRequest
		}
		h.logger.Warn("Login failed", zap.Error(err))
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.logger.Info("Session started")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"session": h.kernel.Stats().Session,
	})
}

// Logout ends the current session
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.kernel.Logout(c.Request.Context()); err != nil {
		h.logger.Warn("Logout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	h.logger.Info("Session ended")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Overrides returns the module override list
func (h *Handlers) Overrides(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"overrides": h.kernel.Overrides()})
}
