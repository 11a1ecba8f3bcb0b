// Package arena stores values in reusable slots addressed by generational handles, so a handle to
// a removed value can never resolve to whatever reused its slot.
package arena

import "math"

// Handle addresses one slot of an Arena. The zero Handle is never issued.
type Handle struct {
	Index      uint32
	Generation uint32
}

// Valid returns false for the zero Handle
func (h Handle) Valid() bool {
	return h.Generation != 0
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Arena is a slot list with a LIFO free list. It is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		slots: make([]slot[T], 0, capacity),
	}
}

// Insert stores value in the most recently freed slot, or a new one, and returns its handle
func (a *Arena[T]) Insert(value T) Handle {
	var index uint32
	if len(a.free) > 0 {
		index = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}

	s := &a.slots[index]
	s.generation++
	if s.generation == 0 || s.generation == math.MaxUint32 {
		s.generation = 1
	}
	s.value = value
	s.occupied = true
	a.count++

	return Handle{Index: index, Generation: s.generation}
}

func (a *Arena[T]) lookup(handle Handle) *slot[T] {
	if handle.Index >= uint32(len(a.slots)) {
		return nil
	}

	s := &a.slots[handle.Index]
	if !s.occupied || s.generation != handle.Generation {
		return nil
	}

	return s
}

// Get returns the value stored at handle, or false if the handle is stale or was never issued
func (a *Arena[T]) Get(handle Handle) (T, bool) {
	s := a.lookup(handle)
	if s == nil {
		var zero T
		return zero, false
	}

	return s.value, true
}

// Contains returns true if handle addresses a live value
func (a *Arena[T]) Contains(handle Handle) bool {
	return a.lookup(handle) != nil
}

// Remove empties the slot at handle and returns the value that was in it
func (a *Arena[T]) Remove(handle Handle) (T, bool) {
	var zero T

	s := a.lookup(handle)
	if s == nil {
		return zero, false
	}

	value := s.value
	s.value = zero
	s.occupied = false
	a.free = append(a.free, handle.Index)
	a.count--

	return value, true
}

// Len returns the number of live values
func (a *Arena[T]) Len() int {
	return a.count
}

// Each calls visit for every live value in slot order, stopping early if visit returns false
func (a *Arena[T]) Each(visit func(handle Handle, value T) bool) {
	for index := range a.slots {
		s := &a.slots[index]
		if !s.occupied {
			continue
		}

		if !visit(Handle{Index: uint32(index), Generation: s.generation}, s.value) {
			return
		}
	}
}
