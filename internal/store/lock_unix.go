//go:build unix

package store

import (
	"os"
	"syscall"
)

func (l *ownerLock) tryLock() error {
	return syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func (l *ownerLock) unlock() {
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
}

// isProcessAlive sends signal 0, which only checks for existence.
func isProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
