package kernel

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/GriffinCanCode/skykernel/internal/domain/module"
	"github.com/GriffinCanCode/skykernel/internal/domain/protocol"
	"github.com/GriffinCanCode/skykernel/internal/domain/query"
	"github.com/GriffinCanCode/skykernel/internal/domain/seed"
	"github.com/GriffinCanCode/skykernel/internal/runtime/sandbox"
	"github.com/GriffinCanCode/skykernel/internal/shared/id"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reset ends the current session and, if userSeed is non-nil, starts a new
// one. Every open query fails with "session reset" and every context is
// terminated. Reset returns once the reset has run on the loop; anything
// delivered after it returns is routed against the new session.
func (k *Kernel) Reset(ctx context.Context, userSeed []byte) error {
	var installed []byte
	if userSeed != nil {
		if err := seed.Validate(userSeed); err != nil {
			return err
		}
		installed = append([]byte(nil), userSeed...)
	}

	errc := make(chan error, 1)
	if !k.post(func() { errc <- k.resetSession(installed) }) {
		seed.Zero(installed)
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login starts a session for userSeed, replacing any current one
func (k *Kernel) Login(ctx context.Context, userSeed []byte) error {
	if userSeed == nil {
		return fmt.Errorf("%w: missing seed", seed.ErrInvalidLength)
	}
	return k.Reset(ctx, userSeed)
}

// Logout ends the current session
func (k *Kernel) Logout(ctx context.Context) error {
	return k.Reset(ctx, nil)
}

// resetSession runs on the loop.
func (k *Kernel) resetSession(userSeed []byte) error {
	k.generation++

	failed := k.queries.Drain()
	for _, q := range failed {
		k.finish(q, protocol.RespondErr(q.CallerNonce, ErrSessionReset.Error()), true)
	}
	k.registry.Reset(ErrSessionReset)

	seed.Zero(k.userSeed)
	seed.Zero(k.activeSeed)
	seed.Zero(k.rootKey)
	k.userSeed, k.activeSeed, k.rootKey = nil, nil, nil
	k.logLimiters = make(map[string]*rate.Limiter)
	k.setSession("")

	if userSeed == nil {
		k.logger.Info("Session ended", zap.Int("failed_queries", len(failed)))
		return k.queries.Reset(nil)
	}

	active, err := seed.ActiveSeed(userSeed)
	if err != nil {
		return err
	}
	rootKey, err := seed.RootKeypair(userSeed)
	if err != nil {
		return err
	}
	if err := k.queries.Reset(active); err != nil {
		return err
	}
	k.userSeed, k.activeSeed, k.rootKey = userSeed, active, rootKey
	k.setSession(id.NewSessionID())

	k.logger.Info("Session started",
		zap.String("session", k.session.String()),
		zap.Int("failed_queries", len(failed)))
	return nil
}

func (k *Kernel) setSession(s id.SessionID) {
	k.session = s
	k.mu.Lock()
	k.current = s
	k.mu.Unlock()
}

// launch is the registry's Launcher. It runs on the loop.
func (k *Kernel) launch(identity string, code []byte) (module.Handle, error) {
	if k.activeSeed == nil {
		return nil, ErrNoSession
	}
	data, err := k.presentSeedData(identity)
	if err != nil {
		return nil, err
	}

	gen := k.generation
	c, err := sandbox.Launch(code, sandbox.Options{
		Identity:    identity,
		Config:      k.cfg.Sandbox,
		PresentSeed: data,
		Logger:      k.logger,
		OnMessage: func(c *sandbox.Context, env protocol.Envelope) {
			k.post(func() {
				if gen == k.generation {
					k.handleModuleMessage(c, env)
				}
			})
		},
		OnFault: func(c *sandbox.Context, err error) {
			k.post(func() {
				if gen == k.generation {
					k.handleFault(c, err)
				}
			})
		},
	})
	if err != nil {
		return nil, err
	}
	k.recorder.RecordContextLaunched()
	k.contexts.Add(1)
	go func() {
		<-c.Done()
		k.contexts.Add(-1)
	}()
	return c, nil
}

// presentSeedData builds the handshake for identity. Elevated material is
// only included for allow-listed modules.
func (k *Kernel) presentSeedData(identity string) (map[string]any, error) {
	moduleSeed, err := seed.ModuleSeed(k.activeSeed, identity)
	if err != nil {
		return nil, err
	}
	data := map[string]any{"seed": moduleSeed}

	policy := k.registry.Policy()
	if policy.GetsRootKey(identity) {
		data["myskyRootKeypair"] = map[string]any{
			"publicKey": []byte(k.rootKey.Public().(ed25519.PublicKey)),
			"secretKey": []byte(k.rootKey),
		}
	}
	if policy.GetsPortals(identity) {
		data["bootstrapPortals"] = policy.PortalData()
	}
	return data, nil
}

// finish delivers the terminal message of q to its caller and terminates a
// per-query destination context.
func (k *Kernel) finish(q *query.OpenQuery, reply protocol.Envelope, failed bool) {
	if !k.sharedContext(q) {
		if h, ok := q.Dest.(module.Handle); ok {
			h.Terminate()
		}
	}
	if !q.Caller.Deliver(reply) {
		k.logger.Debug("Caller went away before its response", zap.String("module", q.Module))
	}
	k.recorder.RecordQueryClosed(time.Since(q.CreatedAt), failed)
}

// sharedContext reports whether q's destination is a persistent module's
// shared context.
func (k *Kernel) sharedContext(q *query.OpenQuery) bool {
	m, ok := k.registry.Lookup(q.Module)
	return ok && m.Persistent && m.Context == q.Dest
}
