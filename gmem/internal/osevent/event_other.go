//go:build !linux && !windows

package osevent

// Event is an auto-reset wait object for platforms without a native one wired up
type Event struct {
	signalled chan struct{}
}

func New() (*Event, error) {
	return &Event{signalled: make(chan struct{}, 1)}, nil
}

// Signal wakes one pending or future Wait
func (e *Event) Signal() error {
	select {
	case e.signalled <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until the event is signalled and resets it
func (e *Event) Wait() error {
	<-e.signalled
	return nil
}

func (e *Event) Close() error {
	return nil
}
