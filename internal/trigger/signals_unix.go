//go:build !windows

package trigger

import (
	"os"
	"syscall"
)

var signalEvents = signalMap{
	os.Interrupt:    EventTeardown,
	syscall.SIGTERM: EventTeardown,
	syscall.SIGUSR1: EventVisible,
	syscall.SIGUSR2: EventHidden,
}
