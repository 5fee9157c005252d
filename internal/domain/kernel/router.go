package kernel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/skykernel/internal/runtime/sandbox"
	origins "github.com/GriffinCanCode/skykernel/internal/shared/origin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// handleCallerMessage routes one envelope from an external caller.
func (k *Kernel) handleCallerMessage(c Caller, env protocol.Envelope) {
	k.recorder.RecordMessage("caller", env.Method)

	msg, err := protocol.Parse(env)
	if err != nil {
		k.reject(c, env, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Version:
		c.Deliver(protocol.Respond(m.Nonce, k.versionData()))
	case protocol.CheckErrs:
		c.Deliver(protocol.Respond(m.Nonce, map[string]any{"errs": k.notableData()}))
	case protocol.ModuleCall:
		domain, err := callerDomain(c.Origin(), m.Domain)
		if err != nil {
			k.logger.Warn("Rejecting moduleCall", zap.String("origin", c.Origin()), zap.Error(err))
			c.Deliver(protocol.RespondErr(m.Nonce, err.Error()))
			return
		}
		k.moduleCall(c, m, domain, c.Origin())
	case protocol.QueryUpdate:
		k.queryUpdate(c, m)
	case protocol.GetModuleOverrides:
		if !k.isDashboard(c.Origin()) {
			k.restricted(c, m.Nonce)
			return
		}
		c.Deliver(protocol.Respond(m.Nonce, k.overrideData()))
	case protocol.SetModuleOverrides:
		if !k.isDashboard(c.Origin()) {
			k.restricted(c, m.Nonce)
			return
		}
		k.setOverrides(m)
		c.Deliver(protocol.Respond(m.Nonce, map[string]any{"success": true}))
	default:
		// Module-only methods (response, responseUpdate, log) are not part
		// of the external vocabulary.
		k.reject(c, env, &protocol.Error{
			Kind:   protocol.KindUnknownMethod,
			Method: env.Method,
			Msg:    "unrecognized method: " + env.Method,
		})
	}
}

// handleModuleMessage routes one envelope posted by a module context.
func (k *Kernel) handleModuleMessage(c *sandbox.Context, env protocol.Envelope) {
	k.recorder.RecordMessage("module", env.Method)

	msg, err := protocol.Parse(env)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindProtocolFault {
			k.malformedResponse(c, env, err)
			return
		}
		k.reject(c, env, err)
		return
	}

	switch m := msg.(type) {
	case protocol.Log:
		k.moduleLog(c.Identity(), m)
	case protocol.Version:
		c.Deliver(protocol.Respond(m.Nonce, k.versionData()))
	case protocol.ModuleCall:
		k.moduleCall(c, m, c.Identity(), "")
	case protocol.QueryUpdate:
		k.queryUpdate(c, m)
	case protocol.ResponseUpdate:
		k.responseUpdate(c, m)
	case protocol.Response:
		k.response(c, m)
	default:
		k.reject(c, env, &protocol.Error{
			Kind:   protocol.KindUnknownMethod,
			Method: env.Method,
			Msg:    "unrecognized method: " + env.Method,
		})
	}
}

// reject answers a message that failed validation with an error response
// carrying the sender's nonce.
func (k *Kernel) reject(to query.Endpoint, env protocol.Envelope, err error) {
	kind := protocol.KindOf(err)
	k.recorder.RecordRejected(kind.String())

	fields := []zap.Field{zap.String("method", env.Method), zap.String("kind", kind.String()), zap.Error(err)}
	if kind == protocol.KindPrivilege {
		k.logger.Warn("Privilege violation", fields...)
	} else {
		k.logger.Info("Rejected message", fields...)
	}
	to.Deliver(protocol.RespondErr(env.Nonce, err.Error()))
}

func (k *Kernel) restricted(c Caller, nonce string) {
	k.logger.Warn("Restricted method called from outside the dashboard", zap.String("origin", c.Origin()))
	k.recorder.RecordRejected(protocol.KindPrivilege.String())
	c.Deliver(protocol.RespondErr(nonce, "this page is not allowed to call the restricted endpoint"))
}

func (k *Kernel) isDashboard(origin string) bool {
	return origins.Allowed(k.cfg.DashboardOrigins, origin)
}

func (k *Kernel) versionData() map[string]any {
	return map[string]any{
		"distribution": k.cfg.Distribution,
		"version":      k.cfg.Version,
	}
}

func (k *Kernel) notableData() []any {
	errs := k.NotableErrors()
	out := make([]any, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

func (k *Kernel) overrideData() map[string]any {
	out := make(map[string]any)
	for identity, o := range k.registry.Overrides() {
		out[identity] = map[string]any{"override": o.Override, "notes": o.Notes}
	}
	return out
}

// moduleLog re-emits a module log line, subject to a per-module rate limit.
func (k *Kernel) moduleLog(identity string, m protocol.Log) {
	limiter, ok := k.logLimiters[identity]
	if !ok {
		limiter = rate.NewLimiter(k.cfg.ModuleLogRate, k.cfg.ModuleLogBurst)
		k.logLimiters[identity] = limiter
	}
	if !limiter.Allow() {
		return
	}
	if m.IsErr {
		k.logger.Warn(m.Message, zap.String("module", identity), zap.Bool("module_log", true))
		return
	}
	k.logger.Info(m.Message, zap.String("module", identity), zap.Bool("module_log", true))
}

// callerDomain decides the domain a caller is acting for. Extensions are
// trusted to name one; pages are identified by the host of their origin.
func callerDomain(origin, declared string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil || origin == "" {
		return "", fmt.Errorf("unable to determine caller domain from origin %q", origin)
	}
	if strings.HasSuffix(u.Scheme, "-extension") {
		if declared == "" {
			return "", errors.New("caller is an extension, but no domain was provided")
		}
		return declared, nil
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("unable to determine caller domain from origin %q", origin)
	}
	return u.Hostname(), nil
}
