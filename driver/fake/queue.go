package fake

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpustage/driver"
)

type opKind uint32

const (
	opExecute opKind = iota
	opSignal
	opWait
)

type queueOp struct {
	kind     opKind
	commands []command
	lists    []*CommandList
	fence    *Fence
	value    uint64
}

// CommandQueue is a FIFO of submitted work
type CommandQueue struct {
	device   *Device
	listType driver.CommandListType
	name     string
	pending  []queueOp
	released bool

	executedLists int
}

var _ driver.CommandQueue = &CommandQueue{}

// Name returns the name most recently passed to SetName
func (q *CommandQueue) Name() string {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	return q.name
}

// Pending returns the number of submitted operations that have not executed
func (q *CommandQueue) Pending() int {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	return len(q.pending)
}

// ExecutedLists returns the number of command lists this queue has finished executing
func (q *CommandQueue) ExecutedLists() int {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	return q.executedLists
}

func (q *CommandQueue) ExecuteCommandLists(lists ...driver.CommandList) {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	op := queueOp{kind: opExecute}
	for _, list := range lists {
		l := list.(*CommandList)
		if l.recording {
			// Executing an open list removes a real device
			q.device.removed = errors.Wrap(ErrDeviceRemoved, "a command list was executed while still recording")
			return
		}
		if l.listType != q.listType {
			q.device.removed = errors.Wrapf(ErrDeviceRemoved, "a %s command list was executed on a %s queue", l.listType, q.listType)
			return
		}

		op.commands = append(op.commands, l.commands...)
		op.lists = append(op.lists, l)
		l.allocator.inFlight++
	}

	q.pending = append(q.pending, op)
	q.device.autoRunLocked()
}

func (q *CommandQueue) Signal(fence driver.Fence, value uint64) error {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	if q.device.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}

	q.pending = append(q.pending, queueOp{kind: opSignal, fence: fence.(*Fence), value: value})
	q.device.autoRunLocked()
	return nil
}

func (q *CommandQueue) Wait(fence driver.Fence, value uint64) error {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	if q.device.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}

	q.pending = append(q.pending, queueOp{kind: opWait, fence: fence.(*Fence), value: value})
	q.device.autoRunLocked()
	return nil
}

// stepLocked executes the operation at the front of the queue. It returns false when the queue is
// empty or blocked on a fence wait.
func (q *CommandQueue) stepLocked() bool {
	if len(q.pending) == 0 || q.device.removed != nil {
		return false
	}

	op := q.pending[0]
	switch op.kind {
	case opWait:
		if op.fence.value < op.value {
			return false
		}
	case opSignal:
		op.fence.signalLocked(op.value)
	case opExecute:
		for _, cmd := range op.commands {
			if err := cmd.execute(); err != nil {
				q.device.removed = errors.Wrap(ErrDeviceRemoved, err.Error())
				return false
			}
		}
		for _, list := range op.lists {
			list.allocator.inFlight--
		}
		q.executedLists += len(op.lists)
	}

	q.pending[0] = queueOp{}
	q.pending = q.pending[1:]
	return true
}

func (q *CommandQueue) SetName(name string) {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	q.name = name
}

func (q *CommandQueue) Release() {
	q.device.mu.Lock()
	defer q.device.mu.Unlock()

	q.device.releaseLocked(&q.released, "command queue")
	for index, queue := range q.device.queues {
		if queue == q {
			q.device.queues = append(q.device.queues[:index], q.device.queues[index+1:]...)
			break
		}
	}
}

type fenceWaiter struct {
	value uint64
	event driver.Event
}

// Fence holds the last value signalled on the simulated GPU timeline
type Fence struct {
	device   *Device
	value    uint64
	waiters  []fenceWaiter
	released bool
}

var _ driver.Fence = &Fence{}

func (f *Fence) CompletedValue() uint64 {
	f.device.mu.Lock()
	defer f.device.mu.Unlock()

	return f.value
}

func (f *Fence) SetEventOnCompletion(value uint64, event driver.Event) error {
	f.device.mu.Lock()
	defer f.device.mu.Unlock()

	if f.device.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}

	if f.value >= value {
		return event.Signal()
	}

	f.waiters = append(f.waiters, fenceWaiter{value: value, event: event})
	return nil
}

func (f *Fence) signalLocked(value uint64) {
	f.value = value

	remaining := f.waiters[:0]
	for _, waiter := range f.waiters {
		if waiter.value <= value {
			// The simulated GPU has nowhere to report a failed wake; the waiter stays blocked
			_ = waiter.event.Signal()
			continue
		}
		remaining = append(remaining, waiter)
	}
	f.waiters = remaining
}

func (f *Fence) Release() {
	f.device.mu.Lock()
	defer f.device.mu.Unlock()

	f.device.releaseLocked(&f.released, "fence")
}
