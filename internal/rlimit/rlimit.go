//go:build !windows

// Package rlimit raises process resource limits.
package rlimit

import (
	"syscall"
)

// Raise raises the open file descriptor limit. Every session holds a
// TCP socket plus the UDP sockets of its peer connection, so the
// default soft limit runs out quickly.
func Raise() error {
	var rlim syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim)
	if err != nil {
		return err
	}

	rlim.Cur = rlim.Max
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlim)
}
