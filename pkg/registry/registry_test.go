package registry

import (
	"testing"
	"time"
)

type widget struct{ Name string }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	if err := r.Register("corevm.widget", widget{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sample, ok := r.Lookup("corevm.widget")
	if !ok {
		t.Fatalf("expected widget to be registered")
	}
	if _, isWidget := sample.(widget); !isWidget {
		t.Fatalf("expected sample to be a widget, got %T", sample)
	}
}

func TestLookupUnknownTypeID(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("does.not.exist"); ok {
		t.Fatalf("expected lookup of an unregistered id to fail")
	}
}

func TestRegisterDuplicateTypeIDErrors(t *testing.T) {
	r := New()
	if err := r.Register("corevm.widget", widget{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("corevm.widget", widget{}); err == nil {
		t.Fatalf("expected registering a duplicate type id to error")
	}
}

func TestIDsAreSorted(t *testing.T) {
	r := New()
	_ = r.Register("zeta", widget{})
	_ = r.Register("alpha", widget{})
	_ = r.Register("mu", widget{})
	ids := r.IDs()
	want := []string{"alpha", "mu", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("IDs()[%d]: want %q, got %q", i, id, ids[i])
		}
	}
}

func TestUpdatedFiresOnRegister(t *testing.T) {
	r := New()
	updated := r.Updated()

	done := make(chan struct{})
	go func() {
		<-updated
		close(done)
	}()

	if err := r.Register("corevm.widget", widget{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Updated channel never fired after Register")
	}
}

func TestUpdatedOnlyFiresForSubscribersAtTimeOfRegister(t *testing.T) {
	r := New()
	first := r.Updated()

	if err := r.Register("corevm.widget", widget{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	select {
	case <-first:
	default:
		t.Fatalf("expected first subscription's channel to already be closed")
	}

	// A subscription taken out after the fire must wait for the next one,
	// not see the past event.
	second := r.Updated()
	select {
	case <-second:
		t.Fatalf("expected a subscription taken after the fire to still be open")
	default:
	}
}

func TestLenReflectsRegistrations(t *testing.T) {
	r := New()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry to have Len 0, got %d", r.Len())
	}
	_ = r.Register("a", widget{})
	_ = r.Register("b", widget{})
	if r.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", r.Len())
	}
}
