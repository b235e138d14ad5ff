package process

import (
	"fmt"
	"os"
	"syscall"
)

// Respawn replaces the current process image with a fresh copy of the same
// binary, preserving argv and environment. It only returns on failure.
//
// Used by the restart control topic: the relay tears down its connections,
// then re-executes itself so the new instance starts from the persisted
// configuration.
func Respawn() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
