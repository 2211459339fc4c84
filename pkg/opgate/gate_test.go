package opgate

import (
	"errors"
	"testing"

	"surety/pkg/fault"
)

func TestInitialStateIsOperational(t *testing.T) {
	g := New("owner")
	if !g.IsOperational() {
		t.Fatal("gate must start operational")
	}
	if err := g.Guard(); err != nil {
		t.Fatalf("guard must pass while operational: %v", err)
	}
}

func TestOnlyOwnerMayFlip(t *testing.T) {
	g := New("owner")
	if err := g.SetOperational(false, "intruder"); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization fault, got %v", err)
	}
	if !g.IsOperational() {
		t.Fatal("failed flip must not change the gate")
	}
	if err := g.SetOperational(false, "owner"); err != nil {
		t.Fatalf("owner flip failed: %v", err)
	}
	if g.IsOperational() {
		t.Fatal("gate must be off after owner flip")
	}
}

func TestGuardFailsWhileOff(t *testing.T) {
	g := New("owner")
	if err := g.SetOperational(false, "owner"); err != nil {
		t.Fatalf("flip failed: %v", err)
	}
	if err := g.Guard(); !errors.Is(err, fault.ErrState) {
		t.Fatalf("expected state fault while off, got %v", err)
	}
	// Owner can always resume.
	if err := g.SetOperational(true, "owner"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := g.Guard(); err != nil {
		t.Fatalf("guard must pass after resume: %v", err)
	}
}
