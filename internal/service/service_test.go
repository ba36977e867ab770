package service

import "testing"

func TestLifecycleTransitions(t *testing.T) {
	var l Lifecycle
	if l.Load() != StatusCreated {
		t.Fatalf("expected created, got %s", l.Load())
	}
	if !l.Transition(StatusCreated, StatusStarting) {
		t.Fatal("expected created -> starting")
	}
	if l.Transition(StatusCreated, StatusStarting) {
		t.Fatal("second start must lose")
	}
	l.Set(StatusRunning)
	if !l.Running() {
		t.Fatal("expected running")
	}
	text, err := StatusStopping.MarshalText()
	if err != nil || string(text) != "stopping" {
		t.Fatalf("unexpected text %q (%v)", text, err)
	}
	if Status(42).String() != "status(42)" {
		t.Fatalf("unexpected unknown status name %q", Status(42).String())
	}
}
