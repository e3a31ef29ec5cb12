//go:build windows

package trigger

import "os"

var signalEvents = signalMap{
	os.Interrupt: EventTeardown,
}
