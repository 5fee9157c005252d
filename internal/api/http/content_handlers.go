package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/GriffinCanCode/skykernel/internal/providers/content"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetContent serves the object at :address through the kernel's download
// chain, with a detected content type.
func (h *Handlers) GetContent(c *gin.Context) {
	if h.content == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no content source configured"})
		return
	}

	address := c.Param("address")
	data, err := h.content.Download(c.Request.Context(), address)
	if err != nil {
		status := contentStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("Content download failed", zap.String("address", address), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
}

// AddContent stores the request body in the local store and returns its
// address.
func (h *Handlers) AddContent(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no local store configured"})
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	address, err := h.store.Add(c.Request.Context(), data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Stored object", zap.String("address", address), zap.Int("bytes", len(data)))
	c.JSON(http.StatusCreated, gin.H{
		"address": address,
		"type":    mimetype.Detect(data).String(),
	})
}

func contentStatus(err error) int {
	switch {
	case errors.Is(err, content.ErrAddress):
		return http.StatusBadRequest
	case errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
