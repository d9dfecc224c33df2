package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsKind(t *testing.T) {
	err := mountError("mount", errors.New("boom"))
	if !IsKind(err, ErrMount) {
		t.Error("mount error not recognized as ErrMount")
	}
	if IsKind(err, ErrNetwork) {
		t.Error("mount error misclassified as ErrNetwork")
	}
	if IsKind(errors.New("plain"), ErrMount) {
		t.Error("plain error misclassified")
	}
	if IsKind(nil, ErrMount) {
		t.Error("nil misclassified")
	}
}

func TestSandboxErrorUnwrap(t *testing.T) {
	cause := errors.New("device busy")
	err := networkError("veth_create", fmt.Errorf("wrapped: %w", cause))
	if !errors.Is(err, cause) {
		t.Error("cause lost through SandboxError")
	}
}

func TestSandboxErrorContext(t *testing.T) {
	err := preconditionError("upper not empty", nil).WithContext("entries", 3)
	msg := err.Error()
	if !strings.Contains(msg, "entries=3") {
		t.Errorf("context missing from message: %s", msg)
	}
	if !strings.Contains(msg, "precondition_failed") {
		t.Errorf("kind missing from message: %s", msg)
	}
}

func TestCleanupWarnings(t *testing.T) {
	var w CleanupWarnings
	if !w.Empty() {
		t.Error("fresh warnings not empty")
	}
	w.Add(nil)
	if !w.Empty() {
		t.Error("nil error was recorded")
	}
	w.Add(errors.New("one"))
	w.Add(errors.New("two"))
	if w.Empty() || len(w.Warnings) != 2 {
		t.Errorf("got %d warnings, want 2", len(w.Warnings))
	}
	if !strings.Contains(w.Error(), "2 warnings") {
		t.Errorf("summary wrong: %s", w.Error())
	}
}

func TestChildErrorRoundTrip(t *testing.T) {
	in := ChildError{Phase: "pivot", Msg: "no such directory"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out ChildError
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("round trip changed the error: %+v", out)
	}
}

func TestChildPhaseErrorMapping(t *testing.T) {
	cases := map[string]ErrorKind{
		"pivot":    ErrMount,
		"proc":     ErrMount,
		"mount":    ErrMount,
		"network":  ErrNetwork,
		"exec":     ErrProcess,
		"hostname": ErrNamespace,
	}
	for phase, kind := range cases {
		err := childPhaseError(ChildError{Phase: phase, Msg: "x"})
		if !IsKind(err, kind) {
			t.Errorf("phase %q mapped to %v, want kind %s", phase, err, kind)
		}
	}
}
