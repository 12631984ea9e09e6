//go:build windows

package rlimit

// Raise is a no-op: Windows has no file descriptor limit to raise.
func Raise() error {
	return nil
}
