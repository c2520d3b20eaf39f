//go:build unix

package app

import "golang.org/x/sys/unix"

// RestrictFileMode clears group and other permission bits for files the
// process creates, token databases included.
func RestrictFileMode() {
	unix.Umask(0o077)
}
