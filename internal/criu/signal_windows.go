//go:build windows

package criu

import "os"

// syscallSigZero has no meaning on windows; IsProcessRunning falls back to
// os.Signal(nil) which os.Process.Signal rejects, so callers on this
// platform should treat the adapter as UnsupportedOnPlatform.
func syscallSigZero() os.Signal {
	return nil
}
