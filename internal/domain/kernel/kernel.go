// Package kernel routes messages between callers and module execution
// contexts.
//
// The Kernel is an actor. Every routing decision, registry mutation and
// session change runs as a closure on one event loop goroutine, so the
// dispatcher never runs two pieces of routing logic at once and a session
// reset is atomic with respect to the messages queued behind it. Module
// downloads and module code run elsewhere and post their results back onto
// the loop.
package kernel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/skykernel/internal/shared/mailbox"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNoSession    = query.ErrNoSession
	ErrSessionReset = errors.New("session reset")
	ErrContextFault = errors.New("module context faulted")
	ErrClosed       = errors.New("kernel is closed")
)

// Caller is an external endpoint: a connected page or extension.
type Caller interface {
	query.Endpoint
	// Origin is the caller's web origin, e.g. "https://app.example".
	Origin() string
}

// Kernel owns one login session and every query and module in it.
type Kernel struct {
	cfg      Config
	logger   *zap.Logger
	recorder Recorder

	inbox    *mailbox.Mailbox[func()]
	queries  *query.Table
	registry *module.Registry

	// Loop-owned session state
	userSeed    []byte
	activeSeed  []byte
	rootKey     ed25519.PrivateKey
	session     id.SessionID
	generation  uint64
	logLimiters map[string]*rate.Limiter

	contexts atomic.Int64 // Live module contexts

	mu      sync.Mutex
	notable []string    // Protected by mu
	current id.SessionID // Protected by mu

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a kernel that downloads module code through downloader.
// Call Start before delivering messages.
func New(cfg Config, downloader module.Downloader, logger *zap.Logger) *Kernel {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		cfg:         cfg,
		logger:      logger.Named("kernel"),
		recorder:    nopRecorder{},
		inbox:       mailbox.New[func()](),
		queries:     query.NewTable(),
		logLimiters: make(map[string]*rate.Limiter),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	k.registry = module.NewRegistry(module.RegistryOptions{
		Downloader:   downloader,
		Launch:       k.launch,
		Schedule:     func(fn func()) { k.post(fn) },
		Policy:       cfg.Policy,
		FetchTimeout: cfg.FetchTimeout,
		Logger:       k.logger,
		OnAnomaly:    k.anomaly,
	})
	return k
}

// WithRecorder adds metrics recording to the kernel
func (k *Kernel) WithRecorder(r Recorder) *Kernel {
	if r != nil {
		k.recorder = r
	}
	return k
}

// Start launches the event loop and the periodic state log
func (k *Kernel) Start() {
	k.startOnce.Do(func() {
		k.logger.Info("Kernel starting",
			zap.String("distribution", k.cfg.Distribution),
			zap.String("version", k.cfg.Version))
		go k.run()
		if k.cfg.StatsInterval > 0 {
			go k.logState(k.cfg.StatsInterval)
		}
	})
}

// Close ends the session, terminates every context and stops the loop.
func (k *Kernel) Close() error {
	var err error
	k.closeOnce.Do(func() {
		k.Start()
		resetCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = k.Reset(resetCtx, nil)

		k.cancel()
		k.inbox.Close()
		<-k.done
		k.registry.Close()
	})
	return err
}

// HandleMessage queues an envelope from an external caller. It returns
// false once the kernel is closed.
func (k *Kernel) HandleMessage(c Caller, env protocol.Envelope) bool {
	return k.post(func() { k.handleCallerMessage(c, env) })
}

func (k *Kernel) post(fn func()) bool {
	return k.inbox.Put(fn)
}

func (k *Kernel) run() {
	defer close(k.done)
	for {
		fn, ok := k.inbox.Receive(context.Background())
		if !ok {
			return
		}
		k.safely(fn)
	}
}

// safely keeps a fault in one event from taking down the loop.
func (k *Kernel) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			k.anomaly(fmt.Sprintf("dispatcher recovered from panic: %v", r))
		}
	}()
	fn()
}

// anomaly records a condition that indicates a kernel bug.
func (k *Kernel) anomaly(msg string) {
	k.logger.Error("Notable kernel error", zap.String("error", msg))
	k.mu.Lock()
	k.notable = append(k.notable, msg)
	k.mu.Unlock()
}

// NotableErrors returns the anomalies recorded since start
func (k *Kernel) NotableErrors() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.notable...)
}

// Stats is a point-in-time view of kernel state
type Stats struct {
	Session       string `json:"session,omitempty"`
	OpenQueries   int    `json:"open_queries"`
	Modules       int    `json:"modules"`
	Loading       int    `json:"loading"`
	Contexts      int    `json:"contexts"`
	NotableErrors int    `json:"notable_errors"`
}

// Stats returns kernel counters. Safe from any goroutine.
func (k *Kernel) Stats() Stats {
	rs := k.registry.Stats()
	k.mu.Lock()
	defer k.mu.Unlock()
	return Stats{
		Session:       k.current.String(),
		OpenQueries:   k.queries.Len(),
		Modules:       rs.Modules,
		Loading:       rs.Loading,
		Contexts:      int(k.contexts.Load()),
		NotableErrors: len(k.notable),
	}
}

// Overrides returns the current module override list
func (k *Kernel) Overrides() map[string]protocol.Override {
	return k.registry.Overrides()
}

// logState periodically logs the size of kernel state, backing off each
// time, so leaks show up in long-running logs.
func (k *Kernel) logState(interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-k.ctx.Done():
			return
		case <-timer.C:
		}

		s := k.Stats()
		k.recorder.SetState(s.OpenQueries, s.Modules, s.Loading)
		k.logger.Info("Kernel state",
			zap.Int("open_queries", s.OpenQueries),
			zap.Int("modules", s.Modules),
			zap.Int("modules_loading", s.Loading),
			zap.Int("contexts", s.Contexts),
			zap.Int("notable_errors", s.NotableErrors))

		interval = time.Duration(float64(interval) * k.cfg.StatsBackoff)
		timer.Reset(interval)
	}
}
