package sandbox

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// minInterval keeps a zero-delay setInterval from spinning the context.
const minInterval = time.Millisecond

// jsTimer is one pending setTimeout or setInterval. Timers are owned by the
// context goroutine; the runtime timer only queues a firing event.
type jsTimer struct {
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration // Zero for setTimeout
	t        *time.Timer
}

func (c *Context) installTimers() error {
	vm := c.vm
	if err := vm.Set("setTimeout", c.schedule(false)); err != nil {
		return err
	}
	if err := vm.Set("setInterval", c.schedule(true)); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", c.clearTimer); err != nil {
		return err
	}
	return vm.Set("clearInterval", c.clearTimer)
}

func (c *Context) schedule(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(c.vm.NewTypeError("timer callback must be a function"))
		}
		if limit := c.config.MaxTimers; limit > 0 && len(c.timers) >= limit {
			panic(c.vm.NewTypeError("too many pending timers"))
		}

		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		if delay < 0 {
			delay = 0
		}
		timer := &jsTimer{fn: fn}
		if len(call.Arguments) > 2 {
			timer.args = append([]goja.Value(nil), call.Arguments[2:]...)
		}
		if repeat {
			timer.interval = max(delay, minInterval)
			delay = timer.interval
		}

		c.nextTimer++
		tid := c.nextTimer
		timer.t = time.AfterFunc(delay, func() { c.inbox.Put(task{timer: tid}) })
		c.timers[tid] = timer
		return c.vm.ToValue(tid)
	}
}

func (c *Context) clearTimer(call goja.FunctionCall) goja.Value {
	tid := call.Argument(0).ToInteger()
	if timer, ok := c.timers[tid]; ok {
		timer.t.Stop()
		delete(c.timers, tid)
	}
	return goja.Undefined()
}

// fire runs the callback of timer tid if it is still pending. Intervals are
// re-armed after the callback returns.
func (c *Context) fire(tid int64) error {
	timer, ok := c.timers[tid]
	if !ok {
		return nil
	}
	if timer.interval == 0 {
		delete(c.timers, tid)
	}

	err := c.guard(func() error {
		_, err := timer.fn(goja.Undefined(), timer.args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("module timer callback failed: %w", err)
	}

	// The callback may have cleared its own interval.
	if _, ok := c.timers[tid]; ok && timer.interval > 0 {
		timer.t.Reset(timer.interval)
	}
	return nil
}

func (c *Context) stopTimers() {
	if len(c.timers) > 0 {
		c.logger.Debug("Dropping pending timers", zap.Int("count", len(c.timers)))
	}
	for tid, timer := range c.timers {
		timer.t.Stop()
		delete(c.timers, tid)
	}
}
