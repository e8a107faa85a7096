package bootstrap

import (
	"bytes"
	"testing"

	"github.com/fluxorio/corevm/pkg/registry"
)

type probe struct{ X int }

func TestWriteReadRoundTrip(t *testing.T) {
	reg := registry.New()
	if err := reg.Register("corevm.probe", probe{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m := New(reg, "worker-main", []string{"FOO=bar"})

	var buf bytes.Buffer
	if err := Write(&buf, m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.MainEntry != "worker-main" {
		t.Fatalf("MainEntry: got %q", got.MainEntry)
	}
	if len(got.TypeIDs) != 1 || got.TypeIDs[0] != "corevm.probe" {
		t.Fatalf("TypeIDs: got %v", got.TypeIDs)
	}
	if got.Nonce != m.Nonce {
		t.Fatalf("Nonce did not round-trip")
	}
}

func TestVerifySucceedsWhenPeerTypesAreAllKnown(t *testing.T) {
	reg := registry.New()
	_ = reg.Register("corevm.probe", probe{})
	m := New(reg, "worker-main", nil)
	if err := m.Verify(reg); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFailsOnUnknownTypeID(t *testing.T) {
	remote := registry.New()
	_ = remote.Register("corevm.unknown", probe{})
	m := New(remote, "worker-main", nil)

	local := registry.New()
	if err := m.Verify(local); err == nil {
		t.Fatalf("expected Verify to fail for a type id the local registry doesn't know")
	}
}

func TestVerifyFailsOnProtocolVersionMismatch(t *testing.T) {
	reg := registry.New()
	m := New(reg, "worker-main", nil)
	m.ProtocolVersion = ProtocolVersion + 1
	if err := m.Verify(reg); err == nil {
		t.Fatalf("expected Verify to fail on a protocol version mismatch")
	}
}

func TestRegisterAndRunEntry(t *testing.T) {
	ran := false
	RegisterEntry("test-entry", func() error {
		ran = true
		return nil
	})
	if err := RunEntry("test-entry"); err != nil {
		t.Fatalf("RunEntry: %v", err)
	}
	if !ran {
		t.Fatalf("expected entry function to run")
	}
}

func TestRunEntryUnknownNameErrors(t *testing.T) {
	if err := RunEntry("does-not-exist"); err == nil {
		t.Fatalf("expected RunEntry to fail for an unregistered name")
	}
}
