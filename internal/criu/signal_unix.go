//go:build !windows

package criu

import "syscall"

func syscallSigZero() syscall.Signal {
	return syscall.Signal(0)
}
