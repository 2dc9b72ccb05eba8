package processor

import (
	"context"
	"fmt"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// WAKEUP SELF-CHECKS
// =============================================================================

// auditTailWindow is how many trailing entries the boot integrity check
// verifies. Full verification is an operator action, not a boot gate.
const auditTailWindow = 64

type wakeupCheck struct {
	name string
	run  func(ctx context.Context) error
	// hard checks abort the boot; soft checks degrade and continue.
	hard bool
}

// runWakeup executes the scripted self-checks in order. Every check is
// audited whether it passes or not. A hard failure stops the boot and the
// agent never reaches WORK.
func (p *Processor) runWakeup(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryWakeup, "self_checks")
	defer timer.Stop()

	checks := []wakeupCheck{
		{name: "identity_root", run: p.checkIdentityRoot, hard: true},
		{name: "audit_chain", run: p.checkAuditChain, hard: true},
		{name: "persistence", run: p.checkPersistence, hard: true},
		{name: "services_ready", run: p.checkServicesReady, hard: false},
	}

	for _, c := range checks {
		err := c.run(ctx)

		detail := "ok"
		if err != nil {
			detail = err.Error()
		}
		p.auditEvent(ctx, types.AuditWakeupCheck, "wakeup", map[string]any{
			"check":  c.name,
			"ok":     err == nil,
			"detail": detail,
		})

		if err == nil {
			logging.Wakeup("check %s passed", c.name)
			continue
		}
		if c.hard {
			return fmt.Errorf("wakeup check %s failed: %w", c.name, err)
		}
		logging.WakeupError("check %s degraded, continuing: %v", c.name, err)
	}
	return nil
}

// checkIdentityRoot confirms the agent knows who it is: the identity root
// node must exist in graph memory before any reasoning happens.
func (p *Processor) checkIdentityRoot(ctx context.Context) error {
	node, err := p.deps.Buses.Memory.Get(ctx, types.IdentityRootID, types.ScopeIdentity)
	if err != nil {
		return fmt.Errorf("identity root %s not readable: %w", types.IdentityRootID, err)
	}
	if node == nil || node.Type != types.NodeIdentity {
		return fmt.Errorf("identity root %s is not an identity node", types.IdentityRootID)
	}
	return nil
}

// checkAuditChain verifies the tail of the tamper-evident chain. An empty
// chain passes; a broken one means the record cannot be trusted and the
// agent must not act.
func (p *Processor) checkAuditChain(ctx context.Context) error {
	if p.deps.Chain == nil {
		return fmt.Errorf("no audit chain configured")
	}
	res, err := p.deps.Chain.VerifyTail(ctx, auditTailWindow)
	if err != nil {
		return fmt.Errorf("tail verification errored: %w", err)
	}
	if !res.Valid {
		return fmt.Errorf("audit chain invalid at seq %d: %s (%s)", res.FirstInvalid, res.Kind, res.Detail)
	}
	return nil
}

func (p *Processor) checkPersistence(ctx context.Context) error {
	return p.deps.Store.Ping(ctx)
}

// checkServicesReady waits for the required service types to have at least
// one registered provider, bounded by the startup timeout. Timing out is a
// degraded start, not a fatal one.
func (p *Processor) checkServicesReady(ctx context.Context) error {
	if p.deps.Registry == nil {
		return fmt.Errorf("no registry configured")
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.StartupTimeout)
	defer cancel()
	if err := p.deps.Registry.WaitReady(waitCtx, p.opts.RequiredServices...); err != nil {
		return fmt.Errorf("services not ready within %s: %w", p.opts.StartupTimeout, err)
	}
	return nil
}
