//go:build linux

package osevent

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Event is an auto-reset wait object backed by an eventfd
type Event struct {
	fd int
}

func New() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd failed")
	}

	return &Event{fd: fd}, nil
}

// Signal wakes one pending or future Wait
func (e *Event) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)

	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return errors.Wrap(err, "eventfd write failed")
	}
}

// Wait blocks until the event is signalled and resets it
func (e *Event) Wait() error {
	var buf [8]byte

	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return errors.Wrap(err, "eventfd read failed")
	}
}

func (e *Event) Close() error {
	if e.fd < 0 {
		return nil
	}

	err := unix.Close(e.fd)
	e.fd = -1
	return errors.Wrap(err, "eventfd close failed")
}
