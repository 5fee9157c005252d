package http

import (
	"context"
	"net/http"

	"github.com/GriffinCanCode/skykernel/internal/domain/kernel"
	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/skykernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/skykernel/internal/providers/content"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Kernel is the part of *kernel.Kernel the operator surface uses
type Kernel interface {
	Stats() kernel.Stats
	NotableErrors() []string
	Overrides() map[string]protocol.Override
	Login(ctx context.Context, userSeed []byte) error
	Logout(ctx context.Context) error
}

// Adder stores objects and returns their address. *content.Store
// implements it.
type Adder interface {
	Add(ctx context.Context, data []byte) (string, error)
}

// PortalStates reports portal health. *content.PortalClient implements it.
type PortalStates interface {
	States() map[string]resilience.State
}

// Handlers contains all HTTP handlers
type Handlers struct {
	kernel   Kernel
	content  content.Downloader
	store    Adder
	portals  PortalStates
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	maxBytes int64
}

// Options carries the optional collaborators. Nil fields disable the
// endpoints that need them.
type Options struct {
	Content content.Downloader
	Store   Adder
	Portals PortalStates
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
	// MaxUpload caps POST /content bodies.
	MaxUpload int64
}

// NewHandlers creates a new handler set
func NewHandlers(k Kernel, opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBytes := opts.MaxUpload
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &Handlers{
		kernel:   k,
		content:  opts.Content,
		store:    opts.Store,
		portals:  opts.Portals,
		metrics:  opts.Metrics,
		logger:   logger.Named("http"),
		maxBytes: maxBytes,
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "skykernel",
		"version": kernel.Version,
	})
}

// Health handles the liveness check
func (h *Handlers) Health(c *gin.Context) {
	s := h.kernel.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"logged_in":    s.Session != "",
		"open_queries": s.OpenQueries,
		"modules":      s.Modules,
	})
}

// Version answers like the version method does
func (h *Handlers) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"distribution": kernel.Distribution,
		"version":      kernel.Version,
	})
}

// Stats returns kernel state, metric totals and portal health
func (h *Handlers) Stats(c *gin.Context) {
	resp := gin.H{"kernel": h.kernel.Stats()}
	if h.metrics != nil {
		resp["metrics"] = h.metrics.Snapshot()
	}
	if h.portals != nil {
		states := make(map[string]string)
		for portal, state := range h.portals.States() {
			states[portal] = state.String()
		}
		resp["portals"] = states
	}
	c.JSON(http.StatusOK, resp)
}

// Errors returns the kernel's notable errors
func (h *Handlers) Errors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"errs": h.kernel.NotableErrors()})
}
