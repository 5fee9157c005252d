/*
Package sandbox runs module code in isolated goja runtimes.

# Overview

Each module execution context is a goja VM driven by its own goroutine and
fed by an unbounded mailbox, which makes it behave like a web worker:

  - postMessage(obj) sends an envelope to the kernel
  - onmessage = fn(event) (or addEventListener("message", fn)) receives
    envelopes as event.data
  - console.* is routed to the kernel as log messages
  - setTimeout and setInterval callbacks are queued on the same mailbox
    as messages, so they never run concurrently with a handler
  - require, process, module and exports are removed

# Lifecycle

Launch compiles the code synchronously and queues the privileged
presentSeed message before starting the goroutine, so the handshake is
always the first message a module sees. Script evaluation, every handler
call and every timer callback run under Config.HandlerTimeout. Pending
timers are dropped when the context stops.

A context dies in one of two ways. Terminate is the kernel's decision: it
is idempotent and silent. A fault (evaluation error, uncaught exception in
a handler, timeout) is the module's doing and is reported exactly once
through Options.OnFault.
*/
package sandbox
