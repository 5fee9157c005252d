package kernel

import (
	"errors"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/skykernel/internal/runtime/sandbox"
	"go.uber.org/zap"
)

// moduleCall resolves the target module, opens a query and forwards the
// call. caller is an external connection or a module context.
func (k *Kernel) moduleCall(caller query.Endpoint, m protocol.ModuleCall, domain, origin string) {
	if !k.queries.Active() {
		caller.Deliver(protocol.RespondErr(m.Nonce, ErrNoSession.Error()))
		return
	}

	started := time.Now()
	gen := k.generation
	k.registry.Resolve(m.Module, func(mod *module.Module, err error) {
		k.recorder.RecordModuleLoad(time.Since(started), err)
		if err != nil {
			msg := err.Error()
			if !errors.Is(err, ErrSessionReset) {
				msg = "module could not be loaded: " + msg
			}
			caller.Deliver(protocol.RespondErr(m.Nonce, msg))
			return
		}
		if gen != k.generation {
			caller.Deliver(protocol.RespondErr(m.Nonce, ErrSessionReset.Error()))
			return
		}
		k.openQuery(caller, m, mod, domain, origin)
	})
}

func (k *Kernel) openQuery(caller query.Endpoint, m protocol.ModuleCall, mod *module.Module, domain, origin string) {
	dest, err := k.registry.Instantiate(mod)
	if err != nil {
		k.logger.Warn("Unable to start module", zap.String("module", mod.Identity), zap.Error(err))
		caller.Deliver(protocol.RespondErr(m.Nonce, err.Error()))
		return
	}

	q := &query.OpenQuery{
		Caller:       caller,
		CallerNonce:  m.Nonce,
		CallerDomain: domain,
		Origin:       origin,
		Dest:         dest,
		Module:       mod.Identity,
		Method:       m.ModuleMethod,
	}
	nonce, err := k.queries.Open(q)
	if err != nil {
		if !mod.Persistent {
			dest.Terminate()
		}
		caller.Deliver(protocol.RespondErr(m.Nonce, err.Error()))
		return
	}
	k.recorder.RecordQueryOpened()

	delivered := dest.Deliver(protocol.Envelope{
		Nonce:  nonce,
		Domain: domain,
		Method: m.ModuleMethod,
		Data:   m.Input,
	})
	if !delivered {
		k.queries.Close(nonce)
		k.finish(q, protocol.RespondErr(m.Nonce, "module context is not running"), true)
		return
	}

	if m.SendKernelNonce {
		caller.Deliver(protocol.Envelope{
			Nonce:  m.Nonce,
			Method: protocol.MethodResponseNonce,
			Data:   map[string]any{"nonce": nonce},
		})
	}
}

// queryUpdate forwards extra input to the destination of an open query.
// Updates may race with the query closing, so unknown nonces are dropped.
func (k *Kernel) queryUpdate(sender query.Endpoint, m protocol.QueryUpdate) {
	q, ok := k.queries.Lookup(m.Nonce)
	if !ok {
		k.logger.Debug("Dropping queryUpdate for unknown nonce")
		return
	}
	if q.Caller != sender {
		k.logger.Warn("Dropping queryUpdate from an endpoint that is not the query's caller",
			zap.String("module", q.Module))
		return
	}
	if !q.Dest.Deliver(protocol.Envelope{Nonce: m.Nonce, Method: protocol.MethodQueryUpdate, Data: m.Data}) {
		k.logger.Info("Dropping queryUpdate, destination context is gone", zap.String("module", q.Module))
	}
}

// ownedQuery returns the open query nonce refers to if sender is its
// destination.
func (k *Kernel) ownedQuery(sender *sandbox.Context, nonce, method string) (*query.OpenQuery, bool) {
	q, ok := k.queries.Lookup(nonce)
	if !ok {
		if method == protocol.MethodResponse {
			k.logger.Warn("Received response for an unknown nonce", zap.String("module", sender.Identity()))
		}
		return nil, false
	}
	if q.Dest != query.Endpoint(sender) {
		k.logger.Warn("Module answered a query it does not own",
			zap.String("module", sender.Identity()),
			zap.String("method", method),
			zap.String("owner", q.Module))
		return nil, false
	}
	return q, true
}

// responseUpdate relays intermediate output back to the query's caller,
// translated to the caller's nonce.
func (k *Kernel) responseUpdate(sender *sandbox.Context, m protocol.ResponseUpdate) {
	q, ok := k.ownedQuery(sender, m.Nonce, protocol.MethodResponseUpdate)
	if !ok {
		return
	}
	q.Caller.Deliver(protocol.Envelope{
		Nonce:  q.CallerNonce,
		Method: protocol.MethodResponseUpdate,
		Data:   m.Data,
	})
}

// response closes a query and relays the terminal message.
func (k *Kernel) response(sender *sandbox.Context, m protocol.Response) {
	q, ok := k.ownedQuery(sender, m.Nonce, protocol.MethodResponse)
	if !ok {
		return
	}
	if _, open := k.queries.Close(m.Nonce); !open {
		return
	}
	k.finish(q, protocol.Envelope{
		Nonce:  q.CallerNonce,
		Method: protocol.MethodResponse,
		Data:   m.Data,
		Err:    m.Err,
	}, m.Err != nil)
}

// malformedResponse closes a query whose module broke the err/data
// exclusivity rule, failing it for the caller.
func (k *Kernel) malformedResponse(sender *sandbox.Context, env protocol.Envelope, cause error) {
	k.recorder.RecordRejected(protocol.KindProtocolFault.String())
	k.logger.Warn("Protocol fault", zap.String("module", sender.Identity()), zap.Error(cause))

	q, ok := k.ownedQuery(sender, env.Nonce, env.Method)
	if !ok {
		return
	}
	if _, open := k.queries.Close(env.Nonce); !open {
		return
	}
	k.finish(q, protocol.RespondErr(q.CallerNonce, "module sent a malformed response: "+cause.Error()), true)
}

// handleFault fails every query routed to a context that died on its own.
// A persistent module's context is relaunched on its next call.
func (k *Kernel) handleFault(c *sandbox.Context, cause error) {
	k.recorder.RecordContextFault()
	k.logger.Warn("Module context faulted", zap.String("module", c.Identity()), zap.Error(cause))
	k.failQueriesTo(c, ErrContextFault.Error()+": "+cause.Error())
}

func (k *Kernel) failQueriesTo(dest query.Endpoint, msg string) {
	for _, q := range k.queries.ForDestination(dest) {
		if _, open := k.queries.Close(q.Nonce); open {
			k.finish(q, protocol.RespondErr(q.CallerNonce, msg), true)
		}
	}
}

// setOverrides installs a new override list and evicts modules whose code
// address changed. Queries to their shared contexts are failed.
func (k *Kernel) setOverrides(m protocol.SetModuleOverrides) {
	changed := k.registry.SetOverrides(m.Overrides)
	for _, mod := range k.registry.Evict(changed...) {
		if mod.Context != nil {
			k.failQueriesTo(mod.Context, "module was overridden")
		}
	}
	if len(changed) > 0 {
		k.logger.Info("Module overrides changed", zap.Strings("evicted", changed))
	}
}
