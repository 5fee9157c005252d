// Package module resolves module identities to runnable modules.
//
// A module identity is a content address that doubles as the module's
// security domain. The registry downloads code on first use, deduplicates
// concurrent loads, keeps persistent modules' contexts alive across
// queries, and never caches a failed load.
package module

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
)

var (
	ErrNotScript    = errors.New("module code is not a script")
	ErrLoadCanceled = errors.New("module load canceled")
)

// Handle is a live execution context as the registry sees it.
type Handle interface {
	Deliver(env protocol.Envelope) bool
	Terminate()
	Terminated() bool
}

// Downloader fetches the bytes behind a content address.
type Downloader interface {
	Download(ctx context.Context, address string) ([]byte, error)
}

// Launcher starts an execution context for a module's code.
type Launcher func(identity string, code []byte) (Handle, error)

// Scheduler runs fn on the goroutine that owns the registry.
type Scheduler func(fn func())

// Module is a loaded module.
type Module struct {
	// Identity is the security domain and registry key.
	Identity string
	// Address is where the code came from. It differs from Identity when an
	// override is in effect.
	Address    string
	Code       []byte
	Persistent bool

	// Context is the shared context of a persistent module, nil otherwise.
	Context Handle
}

// LoadFuture deduplicates concurrent loads of one identity.
type LoadFuture struct {
	Identity string
	Address  string

	generation uint64
	waiters    []func(*Module, error)
}

// Waiters returns the number of resolutions queued on the load
func (f *LoadFuture) Waiters() int {
	return len(f.waiters)
}
