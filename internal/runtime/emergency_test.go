package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"ciris/internal/types"
)

type emergencyEnv struct {
	*env
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// newEmergencyEnv boots a runtime whose allow-list holds one freshly
// generated wise-authority key.
func newEmergencyEnv(t *testing.T) *emergencyEnv {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	e := newEnv(t, func(o *Options) {
		o.Config.Shutdown.EmergencyKeys = []string{hex.EncodeToString(pub)}
	})
	return &emergencyEnv{env: e, pub: pub, priv: priv}
}

// command builds a well-formed SHUTDOWN_NOW stamped at the manual clock's
// current time, unsigned.
func (e *emergencyEnv) command() EmergencyCommand {
	return EmergencyCommand{
		CommandID:   "cmd-0001",
		CommandType: EmergencyCommandType,
		WAID:        "wa-root",
		PublicKey:   hex.EncodeToString(e.pub),
		Timestamp:   e.clk.Now(),
		Reason:      "containment drill",
	}
}

func (e *emergencyEnv) signed(t *testing.T, mutate ...func(*EmergencyCommand)) EmergencyCommand {
	t.Helper()
	cmd := e.command()
	for _, m := range mutate {
		m(&cmd)
	}
	if err := cmd.Sign(e.priv); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return cmd
}

func TestEmergencyShutdown_AcceptsSignedCommand(t *testing.T) {
	e := newEmergencyEnv(t)
	ctx := context.Background()
	before := e.rt.chain.LastSequence()

	if err := e.rt.EmergencyShutdown(ctx, e.signed(t)); err != nil {
		t.Fatalf("EmergencyShutdown() error: %v", err)
	}
	// Accepted commands leave a SHUTDOWN_COMMAND record.
	if got := e.rt.chain.LastSequence(); got != before+1 {
		t.Errorf("audit sequence = %d, want %d", got, before+1)
	}
}

func TestEmergencyShutdown_RejectsWrongCommandType(t *testing.T) {
	e := newEmergencyEnv(t)
	ctx := context.Background()
	before := e.rt.chain.LastSequence()

	cmd := e.signed(t, func(c *EmergencyCommand) { c.CommandType = "RESTART_NOW" })
	if err := e.rt.EmergencyShutdown(ctx, cmd); !types.IsKind(err, types.ErrSecurity) {
		t.Fatalf("error = %v, want security", err)
	}
	// Rejections are audited too: probes leave a trail.
	if got := e.rt.chain.LastSequence(); got != before+1 {
		t.Errorf("audit sequence = %d, want %d", got, before+1)
	}
}

func TestEmergencyShutdown_RejectsUnlistedKey(t *testing.T) {
	e := newEmergencyEnv(t)
	ctx := context.Background()

	// A valid signature from a key outside the allow-list must not pass.
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	cmd := e.command()
	cmd.PublicKey = hex.EncodeToString(pub)
	if err := cmd.Sign(priv); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	if err := e.rt.EmergencyShutdown(ctx, cmd); !types.IsKind(err, types.ErrSecurity) {
		t.Errorf("error = %v, want security", err)
	}
}

func TestEmergencyShutdown_TimestampWindow(t *testing.T) {
	e := newEmergencyEnv(t)
	ctx := context.Background()

	stale := e.signed(t, func(c *EmergencyCommand) {
		c.Timestamp = e.clk.Now().Add(-10 * time.Minute)
	})
	if err := e.rt.EmergencyShutdown(ctx, stale); !types.IsKind(err, types.ErrSecurity) {
		t.Errorf("stale command error = %v, want security", err)
	}

	fresh := e.signed(t, func(c *EmergencyCommand) {
		c.Timestamp = e.clk.Now().Add(-4 * time.Minute)
	})
	if err := e.rt.EmergencyShutdown(ctx, fresh); err != nil {
		t.Errorf("command inside the window rejected: %v", err)
	}
}

func TestEmergencyShutdown_RejectsTamperedReason(t *testing.T) {
	e := newEmergencyEnv(t)
	ctx := context.Background()

	cmd := e.signed(t)
	cmd.Reason = "actually, wipe everything"
	if err := e.rt.EmergencyShutdown(ctx, cmd); !types.IsKind(err, types.ErrSecurity) {
		t.Errorf("tampered command error = %v, want security", err)
	}
}

func TestEmergencyShutdown_RejectsMalformedSignature(t *testing.T) {
	e := newEmergencyEnv(t)
	ctx := context.Background()

	cmd := e.signed(t)
	cmd.Signature = "zz"
	if err := e.rt.EmergencyShutdown(ctx, cmd); !types.IsKind(err, types.ErrSecurity) {
		t.Errorf("garbage signature error = %v, want security", err)
	}
}

func TestEmergencyShutdown_RejectsMalformedPublicKey(t *testing.T) {
	// A short hex string on the allow-list still fails key parsing.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	e := newEnv(t, func(o *Options) {
		o.Config.Shutdown.EmergencyKeys = []string{"deadbeef"}
	})
	ctx := context.Background()

	cmd := EmergencyCommand{
		CommandType: EmergencyCommandType,
		WAID:        "wa-root",
		PublicKey:   "deadbeef",
		Timestamp:   e.clk.Now(),
		Reason:      "containment drill",
	}
	if err := cmd.Sign(priv); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if err := e.rt.EmergencyShutdown(ctx, cmd); !types.IsKind(err, types.ErrSecurity) {
		t.Errorf("malformed key error = %v, want security", err)
	}
}
