package trigger

import (
	"os"
	"os/signal"
)

// SignalSource maps process signals to lifecycle events: interrupt and
// terminate tear down, and on unix SIGUSR1/SIGUSR2 mean visible/hidden.
type SignalSource struct{}

// Subscribe implements Source.
func (SignalSource) Subscribe(fn func(Event)) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, signalEvents.signals()...)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				if ev, ok := signalEvents[sig]; ok {
					fn(ev)
				}
			case <-stop:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(stop)
	}
}

type signalMap map[os.Signal]Event

func (m signalMap) signals() []os.Signal {
	out := make([]os.Signal, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	return out
}
