package sandbox

import (
	"errors"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"go.uber.org/zap"
)

var (
	ErrTerminated     = errors.New("execution context terminated")
	ErrHandlerTimeout = errors.New("module handler exceeded its time budget")
	ErrEmptyCode      = errors.New("module code is empty")
)

// Config defines per-context limits
type Config struct {
	HandlerTimeout   time.Duration // Budget for script evaluation and each onmessage call
	MaxCallStackSize int           // goja call stack limit, 0 keeps the engine default
	EnableConsole    bool          // Route console.* to the kernel as log messages
	MaxTimers        int           // Pending setTimeout/setInterval cap, 0 for no cap
}

// DefaultConfig returns the limits used when none are configured
func DefaultConfig() Config {
	return Config{
		HandlerTimeout:   5 * time.Second,
		MaxCallStackSize: 1024,
		EnableConsole:    true,
		MaxTimers:        1024,
	}
}

// Options configures one execution context.
type Options struct {
	// Identity is the module identity, used as the script name and in logs.
	Identity string
	Config   Config

	// PresentSeed is the data of the privileged handshake message. It is
	// queued before any other message so the module sees it first.
	PresentSeed map[string]any

	// OnMessage receives every envelope the module posts. It runs on the
	// context's goroutine and must not block.
	OnMessage func(c *Context, env protocol.Envelope)

	// OnFault is called at most once, when the context dies on its own.
	// It is never called for Terminate.
	OnFault func(c *Context, err error)

	Logger *zap.Logger
}
