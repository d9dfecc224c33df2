package main

import (
	"fmt"
	"strings"
)

// ErrorKind categorizes sandbox failures. The kind decides how the lifecycle
// controller reacts: some kinds abort the run, some degrade to warnings.
type ErrorKind string

const (
	// ErrPrecondition means the on-disk layout was invalid before anything
	// was created. No teardown is needed for this kind.
	ErrPrecondition ErrorKind = "precondition_failed"
	// ErrMount is an overlay mount or unmount failure. Fatal during setup,
	// a warning during teardown.
	ErrMount ErrorKind = "mount_failed"
	// ErrNamespace is a namespace creation or entry failure.
	ErrNamespace ErrorKind = "namespace_failed"
	// ErrNetwork is a veth/bridge wiring failure. Fatal only when the spec
	// marks networking as required.
	ErrNetwork ErrorKind = "network_failed"
	// ErrResource is a cgroup failure. Never fatal; degrades to warnings.
	ErrResource ErrorKind = "resource_failed"
	// ErrProcess means the sandboxed command could not be executed at all.
	ErrProcess ErrorKind = "process_failed"
)

// SandboxError is a structured error carrying the failure kind and the
// context needed to understand it without chasing the wrap chain.
type SandboxError struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Context map[string]any
}

func (e *SandboxError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s: %s", e.Kind, e.Message))
	if len(e.Context) > 0 {
		var kv []string
		for k, v := range e.Context {
			kv = append(kv, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(kv, ", ")))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Cause))
	}
	return strings.Join(parts, " ")
}

// Unwrap provides compatibility with errors.Is and errors.As.
func (e *SandboxError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error and returns it.
func (e *SandboxError) WithContext(key string, value any) *SandboxError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(kind ErrorKind, message string, cause error) *SandboxError {
	return &SandboxError{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err is a SandboxError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	se, ok := err.(*SandboxError)
	return ok && se.Kind == kind
}

// Helpers for the common kinds. Each component wraps its own failures.

func preconditionError(msg string, cause error) *SandboxError {
	return newError(ErrPrecondition, msg, cause)
}

func mountError(op string, cause error) *SandboxError {
	return newError(ErrMount, fmt.Sprintf("overlay %s failed", op), cause).
		WithContext("op", op)
}

func namespaceError(phase string, cause error) *SandboxError {
	return newError(ErrNamespace, fmt.Sprintf("namespace setup failed during %s", phase), cause).
		WithContext("phase", phase)
}

func networkError(op string, cause error) *SandboxError {
	return newError(ErrNetwork, fmt.Sprintf("network operation '%s' failed", op), cause).
		WithContext("op", op)
}

func resourceError(op string, cause error) *SandboxError {
	return newError(ErrResource, fmt.Sprintf("cgroup operation '%s' failed", op), cause).
		WithContext("op", op)
}

func processError(command string, cause error) *SandboxError {
	return newError(ErrProcess, "sandboxed command could not be executed", cause).
		WithContext("command", command)
}

// CleanupWarnings accumulates non-fatal errors encountered during teardown.
// Partial cleanup is strictly better than none, so teardown never aborts on
// a failing step; it records the failure and moves on.
type CleanupWarnings struct {
	Warnings []error
}

// Add records a teardown warning. Nil errors are ignored.
func (w *CleanupWarnings) Add(err error) {
	if err != nil {
		w.Warnings = append(w.Warnings, err)
	}
}

// Empty reports whether teardown completed without warnings.
func (w *CleanupWarnings) Empty() bool {
	return len(w.Warnings) == 0
}

func (w *CleanupWarnings) Error() string {
	if len(w.Warnings) == 0 {
		return "teardown completed without warnings"
	}
	var msgs []string
	for i, err := range w.Warnings {
		msgs = append(msgs, fmt.Sprintf("%d: %v", i+1, err))
	}
	return fmt.Sprintf("teardown finished with %d warnings:\n%s",
		len(w.Warnings), strings.Join(msgs, "\n"))
}

// ChildError carries structured failure information from the child process
// back to the parent over the readiness pipe.
type ChildError struct {
	Phase string `json:"phase"`
	Msg   string `json:"msg"`
}

func (e ChildError) Error() string {
	return fmt.Sprintf("child failed during phase '%s': %s", e.Phase, e.Msg)
}
