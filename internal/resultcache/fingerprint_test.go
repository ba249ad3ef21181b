package resultcache

import "testing"

func TestFingerprint_DeterministicAcrossEnvVarOrder(t *testing.T) {
	envA := map[string]string{"A": "1", "B": "2"}
	envB := map[string]string{"B": "2", "A": "1"}

	fpA := Fingerprint("python:3.11", []string{"python3", "handler.py"}, envA, []byte(`{"x":1}`), "cached")
	fpB := Fingerprint("python:3.11", []string{"python3", "handler.py"}, envB, []byte(`{"x":1}`), "cached")

	if fpA != fpB {
		t.Fatalf("expected identical fingerprints regardless of map iteration order, got %s vs %s", fpA, fpB)
	}
}

func TestFingerprint_DiffersOnPayloadChange(t *testing.T) {
	env := map[string]string{"A": "1"}
	fp1 := Fingerprint("python:3.11", []string{"python3"}, env, []byte(`{"x":1}`), "cached")
	fp2 := Fingerprint("python:3.11", []string{"python3"}, env, []byte(`{"x":2}`), "cached")

	if fp1 == fp2 {
		t.Fatal("expected different fingerprints for different payloads")
	}
}

func TestFingerprint_DiffersOnMode(t *testing.T) {
	env := map[string]string{"A": "1"}
	fp1 := Fingerprint("python:3.11", []string{"python3"}, env, []byte(`{"x":1}`), "cached")
	fp2 := Fingerprint("python:3.11", []string{"python3"}, env, []byte(`{"x":1}`), "ephemeral")

	if fp1 == fp2 {
		t.Fatal("expected different fingerprints for different modes")
	}
}
