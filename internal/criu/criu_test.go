package criu

import "testing"

func TestValidateCheckpointID_RejectsPathSeparators(t *testing.T) {
	cases := []string{"", "a/b", "a\\b", ".", ".."}
	for _, c := range cases {
		if err := validateCheckpointID(c); err == nil {
			t.Errorf("validateCheckpointID(%q) = nil, want error", c)
		}
	}
}

func TestValidateCheckpointID_AcceptsPlainName(t *testing.T) {
	if err := validateCheckpointID("chk-1234"); err != nil {
		t.Errorf("validateCheckpointID(%q) = %v, want nil", "chk-1234", err)
	}
}

func TestExtractRestoredPID_FromRestoreLine(t *testing.T) {
	out := "Some banner\nRestore finished successfully, pid: 4821\nDone"
	if pid := extractRestoredPID(out); pid != 4821 {
		t.Errorf("extractRestoredPID = %d, want 4821", pid)
	}
}

func TestExtractRestoredPID_FallsBackToAnyToken(t *testing.T) {
	out := "misc unlabeled output 77 more text"
	if pid := extractRestoredPID(out); pid != 77 {
		t.Errorf("extractRestoredPID = %d, want 77", pid)
	}
}

func TestExtractRestoredPID_NoneFound(t *testing.T) {
	if pid := extractRestoredPID("nothing numeric here"); pid != 0 {
		t.Errorf("extractRestoredPID = %d, want 0", pid)
	}
}

func TestDefaultConfig_MatchesDonorDefaults(t *testing.T) {
	cfg := DefaultConfig("/tmp/images")
	if !cfg.TCPEstablished || !cfg.ShellJob || !cfg.ExtUnixSK || !cfg.FileLocks {
		t.Errorf("DefaultConfig flags = %+v, want all true", cfg)
	}
	if cfg.GhostLimit != 1<<20 {
		t.Errorf("DefaultConfig.GhostLimit = %d, want %d", cfg.GhostLimit, 1<<20)
	}
}
