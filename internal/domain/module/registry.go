package module

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"go.uber.org/zap"
)

// RegistryOptions wires a registry to its collaborators.
type RegistryOptions struct {
	Downloader   Downloader
	Launch       Launcher
	Schedule     Scheduler
	Policy       *Policy
	FetchTimeout time.Duration
	Logger       *zap.Logger

	// OnAnomaly records conditions that indicate a kernel bug.
	OnAnomaly func(msg string)
}

// Registry maps identities to modules. Resolve, Reset, Evict and
// SetOverrides must all be called from the scheduler's goroutine; the mutex
// only protects readers on other goroutines (stats).
type Registry struct {
	mu         sync.Mutex
	modules    map[string]*Module           // Protected by mu
	loading    map[string]*LoadFuture       // Protected by mu
	overrides  map[string]protocol.Override // Protected by mu
	generation uint64                       // Protected by mu

	downloader   Downloader
	launch       Launcher
	schedule     Scheduler
	policy       *Policy
	fetchTimeout time.Duration
	logger       *zap.Logger
	onAnomaly    func(string)

	fetchCtx    context.Context
	fetchCancel context.CancelFunc
}

// NewRegistry creates an empty registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnAnomaly == nil {
		opts.OnAnomaly = func(string) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		modules:      make(map[string]*Module),
		loading:      make(map[string]*LoadFuture),
		overrides:    make(map[string]protocol.Override),
		downloader:   opts.Downloader,
		launch:       opts.Launch,
		schedule:     opts.Schedule,
		policy:       opts.Policy,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		onAnomaly:    opts.OnAnomaly,
		fetchCtx:     ctx,
		fetchCancel:  cancel,
	}
}

// Policy returns the policy the registry was built with
func (r *Registry) Policy() *Policy {
	return r.policy
}

// Resolve hands the module for identity to done. A cached module is handed
// over synchronously. Otherwise done runs later, from the scheduler, once
// the single in-flight load for identity completes.
func (r *Registry) Resolve(identity string, done func(*Module, error)) {
	r.mu.Lock()
	if m, ok := r.modules[identity]; ok {
		r.mu.Unlock()
		if err := r.revive(m); err != nil {
			done(nil, err)
			return
		}
		done(m, nil)
		return
	}
	if f, ok := r.loading[identity]; ok {
		f.waiters = append(f.waiters, done)
		r.mu.Unlock()
		return
	}

	address := identity
	if o, ok := r.overrides[identity]; ok {
		address = o.Override
	}
	f := &LoadFuture{
		Identity:   identity,
		Address:    address,
		generation: r.generation,
		waiters:    []func(*Module, error){done},
	}
	r.loading[identity] = f
	ctx := r.fetchCtx
	r.mu.Unlock()

	r.logger.Debug("Loading module", zap.String("module", identity), zap.String("address", address))
	go r.fetch(ctx, f)
}

func (r *Registry) fetch(parent context.Context, f *LoadFuture) {
	ctx, cancel := context.WithTimeout(parent, r.fetchTimeout)
	defer cancel()

	code, err := r.downloader.Download(ctx, f.Address)
	if err == nil {
		err = ValidateCode(code)
	}
	r.schedule(func() { r.complete(f, code, err) })
}

// complete runs on the scheduler goroutine.
func (r *Registry) complete(f *LoadFuture, code []byte, fetchErr error) {
	r.mu.Lock()
	if f.generation != r.generation {
		// Reset already failed the waiters.
		r.mu.Unlock()
		return
	}
	if r.loading[f.Identity] == f {
		delete(r.loading, f.Identity)
	}
	waiters := f.waiters
	f.waiters = nil
	r.mu.Unlock()

	if fetchErr != nil {
		err := fmt.Errorf("unable to load module: %w", fetchErr)
		r.logger.Warn("Module load failed", zap.String("module", f.Identity), zap.Error(fetchErr))
		for _, w := range waiters {
			w(nil, err)
		}
		return
	}

	m := &Module{
		Identity:   f.Identity,
		Address:    f.Address,
		Code:       code,
		Persistent: r.policy.IsPersistent(f.Identity),
	}
	if m.Persistent {
		h, err := r.launch(m.Identity, m.Code)
		if err != nil {
			err = fmt.Errorf("unable to launch persistent module: %w", err)
			for _, w := range waiters {
				w(nil, err)
			}
			return
		}
		m.Context = h
	}

	r.mu.Lock()
	if existing, ok := r.modules[f.Identity]; ok {
		r.mu.Unlock()
		if m.Context != nil {
			m.Context.Terminate()
		}
		r.logger.Error("A module that was already loaded has been loaded again", zap.String("module", f.Identity))
		r.onAnomaly("module loading experienced a race condition")
		m = existing
	} else {
		r.modules[f.Identity] = m
		r.mu.Unlock()
	}

	for _, w := range waiters {
		w(m, nil)
	}
}

// revive relaunches the shared context of a persistent module whose
// context died.
func (r *Registry) revive(m *Module) error {
	if !m.Persistent || (m.Context != nil && !m.Context.Terminated()) {
		return nil
	}
	h, err := r.launch(m.Identity, m.Code)
	if err != nil {
		return fmt.Errorf("unable to relaunch persistent module: %w", err)
	}
	m.Context = h
	r.logger.Info("Relaunched persistent module", zap.String("module", m.Identity))
	return nil
}

// Instantiate returns the context a new query to m should go to: the shared
// context for persistent modules, a fresh one otherwise.
func (r *Registry) Instantiate(m *Module) (Handle, error) {
	if m.Persistent {
		if err := r.revive(m); err != nil {
			return nil, err
		}
		return m.Context, nil
	}
	h, err := r.launch(m.Identity, m.Code)
	if err != nil {
		return nil, fmt.Errorf("unable to launch module: %w", err)
	}
	return h, nil
}

// Lookup returns the cached module for identity
func (r *Registry) Lookup(identity string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[identity]
	return m, ok
}

// Evict drops cached modules and terminates their shared contexts. It
// returns the modules that were cached.
func (r *Registry) Evict(identities ...string) []*Module {
	r.mu.Lock()
	var evicted []*Module
	for _, identity := range identities {
		if m, ok := r.modules[identity]; ok {
			delete(r.modules, identity)
			evicted = append(evicted, m)
		}
	}
	r.mu.Unlock()

	for _, m := range evicted {
		if m.Context != nil {
			m.Context.Terminate()
		}
	}
	return evicted
}

// Reset forgets every module, terminates every shared context, fails every
// queued load with cause and makes in-flight loads inert.
func (r *Registry) Reset(cause error) []*Module {
	r.mu.Lock()
	r.generation++
	r.fetchCancel()
	r.fetchCtx, r.fetchCancel = context.WithCancel(context.Background())

	futures := make([]*LoadFuture, 0, len(r.loading))
	for _, f := range r.loading {
		futures = append(futures, f)
	}
	modules := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		modules = append(modules, m)
	}
	r.loading = make(map[string]*LoadFuture)
	r.modules = make(map[string]*Module)
	r.mu.Unlock()

	for _, f := range futures {
		waiters := f.waiters
		f.waiters = nil
		for _, w := range waiters {
			w(nil, cause)
		}
	}
	for _, m := range modules {
		if m.Context != nil {
			m.Context.Terminate()
		}
	}
	return modules
}

// Close cancels in-flight downloads
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCancel()
}

// Overrides returns a copy of the override list
func (r *Registry) Overrides() map[string]protocol.Override {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]protocol.Override, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

// SetOverrides replaces the override list and returns the identities whose
// code address changed. The caller evicts them.
func (r *Registry) SetOverrides(next map[string]protocol.Override) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for identity, o := range r.overrides {
		if n, ok := next[identity]; !ok || n.Override != o.Override {
			changed = append(changed, identity)
		}
	}
	for identity, n := range next {
		if _, ok := r.overrides[identity]; !ok && n.Override != identity {
			changed = append(changed, identity)
		}
	}

	r.overrides = make(map[string]protocol.Override, len(next))
	for k, v := range next {
		r.overrides[k] = v
	}
	return changed
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Modules int
	Loading int
}

// Stats returns registry counters. Safe from any goroutine.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Modules: len(r.modules), Loading: len(r.loading)}
}
