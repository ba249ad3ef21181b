package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_FindsKindThroughWrapping(t *testing.T) {
	base := Wrap(SandboxCreationFailed, "image pull failed", errors.New("connection refused"))
	wrapped := fmt.Errorf("acquire VM: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("expected KindOf to find the wrapped *Error")
	}
	if kind != SandboxCreationFailed {
		t.Fatalf("expected SandboxCreationFailed, got %v", kind)
	}
}

func TestKindOf_FalseForPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("expected KindOf to return false for a non-taxonomy error")
	}
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("control socket unreachable")
	err := Wrap(UnhealthyBackend, "firecracker control socket", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to see through to the wrapped cause")
	}
}

func TestKind_StringIsStable(t *testing.T) {
	cases := map[Kind]string{
		ResourceExhausted:        "resource_exhausted",
		InvalidRequest:           "invalid_request",
		GuestCommunicationFailed: "guest_communication_failed",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
