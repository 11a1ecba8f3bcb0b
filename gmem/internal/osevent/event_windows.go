//go:build windows

package osevent

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// Event is an auto-reset Win32 event
type Event struct {
	handle windows.Handle
}

func New() (*Event, error) {
	handle, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return nil, errors.Wrap(err, "CreateEvent failed")
	}

	return &Event{handle: handle}, nil
}

// Signal wakes one pending or future Wait
func (e *Event) Signal() error {
	return errors.Wrap(windows.SetEvent(e.handle), "SetEvent failed")
}

// Wait blocks until the event is signalled and resets it
func (e *Event) Wait() error {
	_, err := windows.WaitForSingleObject(e.handle, windows.INFINITE)
	return errors.Wrap(err, "WaitForSingleObject failed")
}

func (e *Event) Close() error {
	if e.handle == 0 {
		return nil
	}

	err := windows.CloseHandle(e.handle)
	e.handle = 0
	return errors.Wrap(err, "CloseHandle failed")
}
