package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/shared/id"
	"github.com/GriffinCanCode/skykernel/internal/shared/mailbox"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Context is one module execution context: a goja VM on its own goroutine
// that receives envelopes through onmessage and answers with postMessage.
type Context struct {
	id       id.ContextID
	identity string
	config   Config
	logger   *zap.Logger

	onMessage func(*Context, protocol.Envelope)
	onFault   func(*Context, error)

	// vm is only used from the run goroutine, except for Interrupt
	vm        *goja.Runtime
	listeners []goja.Callable
	timers    map[int64]*jsTimer
	nextTimer int64

	inbox  *mailbox.Mailbox[task]
	ctx    context.Context
	cancel context.CancelFunc

	terminated atomic.Bool
	faultOnce  sync.Once
	done       chan struct{}
}

// task is one unit of work for the context goroutine: an envelope for
// the module's handlers or a timer firing.
type task struct {
	env   protocol.Envelope
	timer int64
}

// Launch compiles code and starts a context for it. Compilation errors are
// returned synchronously; evaluation and the presentSeed handshake happen on
// the context's goroutine.
func Launch(code []byte, opts Options) (*Context, error) {
	if len(code) == 0 {
		return nil, ErrEmptyCode
	}
	prog, err := goja.Compile(opts.Identity, string(code), false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	if opts.Config.HandlerTimeout <= 0 {
		opts.Config = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		id:        id.NewContextID(),
		identity:  opts.Identity,
		config:    opts.Config,
		onMessage: opts.OnMessage,
		onFault:   opts.OnFault,
		vm:        goja.New(),
		timers:    make(map[int64]*jsTimer),
		inbox:     mailbox.New[task](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.logger = logger.With(zap.String("module", opts.Identity), zap.String("context", c.id.String()))

	if c.config.MaxCallStackSize > 0 {
		c.vm.SetMaxCallStackSize(c.config.MaxCallStackSize)
	}
	if err := c.setupGlobals(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to set up globals: %w", err)
	}

	if opts.PresentSeed != nil {
		c.inbox.Put(task{env: protocol.Envelope{
			Method: protocol.MethodPresentSeed,
			Domain: protocol.RootDomain,
			Data:   opts.PresentSeed,
		}})
	}

	go c.run(prog)
	return c, nil
}

// ID returns the context's bookkeeping id
func (c *Context) ID() id.ContextID { return c.id }

// Identity returns the module identity this context runs
func (c *Context) Identity() string { return c.identity }

// Done is closed when the context goroutine has exited
func (c *Context) Done() <-chan struct{} { return c.done }

// Terminated reports whether the context has stopped or been told to stop
func (c *Context) Terminated() bool { return c.terminated.Load() }

// Deliver queues env for the module's onmessage handler. It returns false
// once the context is terminated.
func (c *Context) Deliver(env protocol.Envelope) bool {
	if c.terminated.Load() {
		return false
	}
	return c.inbox.Put(task{env: env})
}

// Terminate stops the context. It is idempotent and safe after the context
// has already died. Queued messages are discarded.
func (c *Context) Terminate() {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.inbox.Close()
	c.vm.Interrupt(ErrTerminated)
}

func (c *Context) run(prog *goja.Program) {
	defer close(c.done)
	defer c.stopTimers()

	if err := c.guard(func() error {
		_, err := c.vm.RunProgram(prog)
		return err
	}); err != nil {
		c.fail(fmt.Errorf("module evaluation failed: %w", err))
		return
	}

	for {
		ev, ok := c.inbox.Receive(c.ctx)
		if !ok || c.terminated.Load() {
			return
		}
		var err error
		if ev.timer != 0 {
			err = c.fire(ev.timer)
		} else {
			err = c.dispatch(ev.env)
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// dispatch hands one envelope to every message handler the module installed.
func (c *Context) dispatch(env protocol.Envelope) error {
	handlers := c.handlers()
	if len(handlers) == 0 {
		c.logger.Debug("Dropping message, module has no onmessage handler",
			zap.String("method", env.Method))
		return nil
	}

	data, err := toJS(c.vm, env.ToMap())
	if err != nil {
		return fmt.Errorf("failed to convert message for module: %w", err)
	}
	event := c.vm.NewObject()
	if err := event.Set("data", data); err != nil {
		return err
	}

	self := c.vm.GlobalObject()
	for _, fn := range handlers {
		err := c.guard(func() error {
			_, err := fn(self, event)
			return err
		})
		if err != nil {
			return fmt.Errorf("module handler failed on %q: %w", env.Method, err)
		}
	}
	return nil
}

func (c *Context) handlers() []goja.Callable {
	var out []goja.Callable
	if fn, ok := goja.AssertFunction(c.vm.Get("onmessage")); ok {
		out = append(out, fn)
	}
	return append(out, c.listeners...)
}

// guard runs fn under the handler time budget and converts panics and
// interrupts into errors.
func (c *Context) guard(fn func() error) (err error) {
	fired := make(chan struct{})
	timer := time.AfterFunc(c.config.HandlerTimeout, func() {
		c.vm.Interrupt(ErrHandlerTimeout)
		close(fired)
	})
	defer func() {
		if !timer.Stop() {
			<-fired
		}
		if !c.terminated.Load() {
			c.vm.ClearInterrupt()
		}
		if r := recover(); r != nil {
			err = fmt.Errorf("module runtime panic: %v", r)
		}
	}()

	err = fn()
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	return err
}

// fail reports a fault once. Faults caused by Terminate are not reported.
func (c *Context) fail(err error) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.cancel()
	c.inbox.Close()

	c.faultOnce.Do(func() {
		c.logger.Warn("Execution context faulted", zap.Error(err))
		if c.onFault != nil {
			c.onFault(c, err)
		}
	})
}

// post is the Go side of postMessage and of console routing.
func (c *Context) post(env protocol.Envelope) {
	if c.terminated.Load() || c.onMessage == nil {
		return
	}
	c.onMessage(c, env)
}

func (c *Context) setupGlobals() error {
	vm := c.vm
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	if err := c.installTimers(); err != nil {
		return err
	}

	if err := vm.Set("self", vm.GlobalObject()); err != nil {
		return err
	}
	if err := vm.Set("postMessage", c.postMessage); err != nil {
		return err
	}
	if err := vm.Set("addEventListener", c.addEventListener); err != nil {
		return err
	}

	if c.config.EnableConsole {
		console := vm.NewObject()
		for _, level := range []string{"log", "info", "warn", "error"} {
			if err := console.Set(level, c.consoleFunc(level)); err != nil {
				return err
			}
		}
		if err := vm.Set("console", console); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) postMessage(call goja.FunctionCall) goja.Value {
	exported, ok := fromJS(call.Argument(0).Export()).(map[string]any)
	if !ok {
		c.logger.Warn("Module posted a non-object message")
		return goja.Undefined()
	}
	env, err := protocol.EnvelopeFromMap(exported)
	if err != nil {
		c.logger.Warn("Module posted a malformed envelope", zap.Error(err))
		return goja.Undefined()
	}
	c.post(env)
	return goja.Undefined()
}

func (c *Context) addEventListener(call goja.FunctionCall) goja.Value {
	if call.Argument(0).String() != "message" {
		return goja.Undefined()
	}
	if fn, ok := goja.AssertFunction(call.Argument(1)); ok {
		c.listeners = append(c.listeners, fn)
	}
	return goja.Undefined()
}

func (c *Context) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		c.post(protocol.Envelope{
			Method: protocol.MethodLog,
			Data: map[string]any{
				"isErr":   level == "error",
				"message": strings.Join(parts, " "),
			},
		})
		return goja.Undefined()
	}
}
