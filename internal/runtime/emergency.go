package runtime

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ciris/internal/logging"
	"ciris/internal/types"
)

// =============================================================================
// EMERGENCY SHUTDOWN
// =============================================================================

// EmergencyCommandType is the only command the emergency path accepts.
const EmergencyCommandType = "SHUTDOWN_NOW"

// defaultEmergencyWindow bounds command timestamp skew when config leaves it
// unset.
const defaultEmergencyWindow = 5 * time.Minute

// EmergencyCommand is a wise-authority-signed order the runtime obeys even
// when the reasoning loop is wedged. The signature covers the canonical
// form of every other field.
type EmergencyCommand struct {
	CommandID   string    `json:"command_id"`
	CommandType string    `json:"command_type"`
	WAID        string    `json:"wa_id"`
	PublicKey   string    `json:"public_key"` // hex Ed25519
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason"`
	Signature   string    `json:"signature"` // hex, over Canonical()
}

// Canonical renders the signed portion of the command: a JSON object of
// every field except the signature, keys sorted, timestamp in RFC 3339 UTC.
// Signers and verifiers must produce identical bytes, so the shape is fixed
// here and nowhere else.
func (c EmergencyCommand) Canonical() ([]byte, error) {
	// json.Marshal sorts map keys, which is the canonical ordering.
	payload := map[string]string{
		"command_id":   c.CommandID,
		"command_type": c.CommandType,
		"public_key":   c.PublicKey,
		"reason":       c.Reason,
		"timestamp":    c.Timestamp.UTC().Format(time.RFC3339Nano),
		"wa_id":        c.WAID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize emergency command: %w", err)
	}
	return data, nil
}

// Sign computes the command's signature with the given key and installs it.
// Test and wise-authority tooling surface; the runtime only verifies.
func (c *EmergencyCommand) Sign(priv ed25519.PrivateKey) error {
	data, err := c.Canonical()
	if err != nil {
		return err
	}
	c.Signature = hex.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

// EmergencyShutdown verifies a SHUTDOWN_NOW command and, when it holds,
// audits a receipt and winds the processor down. Every rejection is audited
// as a security violation before it is returned; an attacker probing this
// surface leaves a trail.
func (r *Runtime) EmergencyShutdown(ctx context.Context, cmd EmergencyCommand) error {
	if err := r.verifyEmergency(cmd); err != nil {
		logging.ProcessorWarn("emergency command rejected: %v", err)
		r.auditEmergency(ctx, types.AuditSecurityViolation, cmd, err.Error())
		return err
	}

	r.auditEmergency(ctx, types.AuditShutdownCommand, cmd, "verified")
	logging.Processor("emergency shutdown ordered by %s: %s", cmd.WAID, cmd.Reason)
	r.proc.RequestGracefulShutdown(fmt.Sprintf("emergency: %s (by %s)", cmd.Reason, cmd.WAID))
	return nil
}

// verifyEmergency applies the acceptance gauntlet in order: command type,
// key allow-list, timestamp window, signature.
func (r *Runtime) verifyEmergency(cmd EmergencyCommand) error {
	if cmd.CommandType != EmergencyCommandType {
		return types.Security("runtime.emergency", "unsupported command type %q", cmd.CommandType)
	}

	cfg := r.cfg.Snapshot()
	if !keyAllowed(cfg.Shutdown.EmergencyKeys, cmd.PublicKey) {
		return types.Security("runtime.emergency", "public key is not on the emergency allow-list")
	}

	window := time.Duration(cfg.Shutdown.EmergencyWindowSeconds) * time.Second
	if window <= 0 {
		window = defaultEmergencyWindow
	}
	skew := r.clk.Now().Sub(cmd.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return types.Security("runtime.emergency", "command timestamp outside the ±%s window", window)
	}

	pub, err := hex.DecodeString(cmd.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return types.Security("runtime.emergency", "public key is not a hex Ed25519 key")
	}
	sig, err := hex.DecodeString(cmd.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return types.Security("runtime.emergency", "signature is not a hex Ed25519 signature")
	}
	data, err := cmd.Canonical()
	if err != nil {
		return types.Security("runtime.emergency", "%v", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return types.Security("runtime.emergency", "signature does not verify")
	}
	return nil
}

// keyAllowed reports whether the hex key appears on the allow-list.
func keyAllowed(allow []string, key string) bool {
	for _, k := range allow {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// auditEmergency records the receipt or the violation. Writing through the
// service directly rather than the bus keeps the record even when breakers
// are open; this path must work when nothing else does.
func (r *Runtime) auditEmergency(ctx context.Context, eventType types.AuditEventType, cmd EmergencyCommand, detail string) {
	payload, err := json.Marshal(map[string]any{
		"command_id":   cmd.CommandID,
		"command_type": cmd.CommandType,
		"wa_id":        cmd.WAID,
		"reason":       cmd.Reason,
		"timestamp":    cmd.Timestamp.UTC(),
		"detail":       detail,
	})
	if err != nil {
		logging.AuditError("failed to encode emergency payload: %v", err)
		return
	}
	if _, err := r.chain.Append(ctx, types.AuditEvent{
		EventType:    eventType,
		OriginatorID: cmd.WAID,
		Payload:      payload,
	}); err != nil {
		logging.AuditError("failed to audit emergency command: %v", err)
	}
}
