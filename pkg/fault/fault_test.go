package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsMatchWithErrorsIs(t *testing.T) {
	if err := Authorization("airline %s not funded", "AA"); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization kind, got %v", err)
	}
	if err := State("flight not registered"); !errors.Is(err, ErrState) {
		t.Fatalf("expected state kind, got %v", err)
	}
	if err := Value("premium above cap"); !errors.Is(err, ErrValue) {
		t.Fatalf("expected value kind, got %v", err)
	}
	if err := Consensus("index not assigned"); !errors.Is(err, ErrConsensus) {
		t.Fatalf("expected consensus kind, got %v", err)
	}
}

func TestKindsAreDistinct(t *testing.T) {
	if errors.Is(State("x"), ErrValue) {
		t.Fatal("state fault must not match value kind")
	}
	if errors.Is(Consensus("x"), ErrState) {
		t.Fatal("consensus fault must not match state kind")
	}
}

func TestKindExtraction(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", Value("amount negative"))
	if Kind(wrapped) != ErrValue {
		t.Fatalf("expected value kind through wrapping, got %v", Kind(wrapped))
	}
	if Kind(errors.New("plain")) != nil {
		t.Fatal("foreign error must have no kind")
	}
}

func TestMessageCarriesDetail(t *testing.T) {
	err := Authorization("caller %s is not the owner", "0xabc")
	want := "caller not authorized: caller 0xabc is not the owner"
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
