package gmem

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/gmem/internal/osevent"
	"github.com/vkngwrapper/gpustage/memutils"
	"golang.org/x/exp/slog"
)

// CommandQueue wraps a driver queue with a fence whose values are unique to the queue's kind: the
// top byte of every value is the command list type, so values from queues of different kinds never
// collide. Every submission signals the next value.
type CommandQueue struct {
	logger *slog.Logger
	device driver.Device
	kind   driver.CommandListType
	name   string

	native driver.CommandQueue
	fence  driver.Fence
	event  *osevent.Event

	nextFenceValue          uint64
	lastCompletedFenceValue uint64
}

// fenceBase returns the value a fence of this kind starts at
func fenceBase(kind driver.CommandListType) uint64 {
	return uint64(kind) << 56
}

// NewCommandQueue creates a queue of the requested kind along with its fence and wait event
func NewCommandQueue(logger *slog.Logger, device driver.Device, kind driver.CommandListType, name string) (_ *CommandQueue, err error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger.Debug("CommandQueue::New", slog.String("Kind", kind.String()), slog.String("Name", name))

	base := fenceBase(kind)
	queue := &CommandQueue{
		logger:                  logger,
		device:                  device,
		kind:                    kind,
		name:                    name,
		nextFenceValue:          base + 1,
		lastCompletedFenceValue: base,
	}
	defer func() {
		if err != nil {
			queue.release()
		}
	}()

	queue.native, err = device.CreateCommandQueue(kind)
	if err != nil {
		return nil, memutils.DeviceError(err, device.RemovedReason(), "failed to create %s command queue %q", kind, name)
	}
	queue.native.SetName(name)

	queue.fence, err = device.CreateFence(base)
	if err != nil {
		return nil, memutils.DeviceError(err, device.RemovedReason(), "failed to create fence for command queue %q", name)
	}

	queue.event, err = osevent.New()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create wait event for command queue %q", name)
	}

	return queue, nil
}

func (q *CommandQueue) deviceError(err error, format string, args ...any) error {
	return memutils.DeviceError(err, q.device.RemovedReason(), format, args...)
}

func (q *CommandQueue) Kind() driver.CommandListType { return q.kind }

func (q *CommandQueue) Name() string { return q.name }

func (q *CommandQueue) Native() driver.CommandQueue { return q.native }

func (q *CommandQueue) Fence() driver.Fence { return q.fence }

// NextFenceValue returns the value the next submission will signal
func (q *CommandQueue) NextFenceValue() uint64 { return q.nextFenceValue }

// LastCompletedFenceValue returns the highest value this queue has observed as complete. It may lag
// behind the fence until IsFenceComplete or a blocking wait refreshes it.
func (q *CommandQueue) LastCompletedFenceValue() uint64 { return q.lastCompletedFenceValue }

// ExecuteCommandList submits a closed list and returns the fence value that marks its completion
func (q *CommandQueue) ExecuteCommandList(list driver.CommandList) (uint64, error) {
	return q.ExecuteCommandLists(list)
}

// ExecuteCommandLists submits closed lists in order and returns the fence value that marks the
// completion of all of them
func (q *CommandQueue) ExecuteCommandLists(lists ...driver.CommandList) (uint64, error) {
	q.native.ExecuteCommandLists(lists...)
	return q.signal()
}

func (q *CommandQueue) signal() (uint64, error) {
	value := q.nextFenceValue
	err := q.native.Signal(q.fence, value)
	if err != nil {
		return 0, q.deviceError(err, "failed to signal fence value %#x on command queue %q", value, q.name)
	}

	q.nextFenceValue++
	return value, nil
}

// IsFenceComplete returns true once the GPU has passed fenceValue on this queue
func (q *CommandQueue) IsFenceComplete(fenceValue uint64) bool {
	if fenceValue <= q.lastCompletedFenceValue {
		return true
	}

	completed := q.fence.CompletedValue()
	if completed > q.lastCompletedFenceValue {
		q.lastCompletedFenceValue = completed
	}

	return fenceValue <= q.lastCompletedFenceValue
}

// InsertWait makes this queue wait on the GPU until its own fence reaches fenceValue
func (q *CommandQueue) InsertWait(fenceValue uint64) error {
	err := q.native.Wait(q.fence, fenceValue)
	if err != nil {
		return q.deviceError(err, "failed to insert wait for fence value %#x on command queue %q", fenceValue, q.name)
	}
	return nil
}

// InsertWaitForQueueFence makes this queue wait on the GPU until other's fence reaches fenceValue
func (q *CommandQueue) InsertWaitForQueueFence(other *CommandQueue, fenceValue uint64) error {
	err := q.native.Wait(other.fence, fenceValue)
	if err != nil {
		return q.deviceError(err, "command queue %q failed to wait for fence value %#x of command queue %q", q.name, fenceValue, other.name)
	}
	return nil
}

// InsertWaitForQueue makes this queue wait on the GPU for everything submitted to other so far
func (q *CommandQueue) InsertWaitForQueue(other *CommandQueue) error {
	return q.InsertWaitForQueueFence(other, other.nextFenceValue-1)
}

// WaitForFenceBlocking blocks the calling goroutine until the GPU has passed fenceValue on this
// queue. There is no timeout.
func (q *CommandQueue) WaitForFenceBlocking(fenceValue uint64) error {
	if q.IsFenceComplete(fenceValue) {
		return nil
	}

	q.logger.Debug("CommandQueue::WaitForFenceBlocking", slog.String("Name", q.name), slog.Uint64("FenceValue", fenceValue))

	err := q.fence.SetEventOnCompletion(fenceValue, q.event)
	if err != nil {
		return q.deviceError(err, "failed to arm wait for fence value %#x on command queue %q", fenceValue, q.name)
	}

	err = q.event.Wait()
	if err != nil {
		return errors.Wrapf(err, "failed to wait for fence value %#x on command queue %q", fenceValue, q.name)
	}

	if fenceValue > q.lastCompletedFenceValue {
		q.lastCompletedFenceValue = fenceValue
	}
	return nil
}

// WaitForIdle blocks until everything submitted to this queue has completed
func (q *CommandQueue) WaitForIdle() error {
	return q.WaitForFenceBlocking(q.nextFenceValue - 1)
}

func (q *CommandQueue) release() {
	if q.event != nil {
		err := q.event.Close()
		if err != nil {
			q.logger.Warn("failed to close wait event", slog.String("queue", q.name), slog.Any("error", err))
		}
		q.event = nil
	}
	if q.fence != nil {
		q.fence.Release()
		q.fence = nil
	}
	if q.native != nil {
		q.native.Release()
		q.native = nil
	}
}

// Close releases the queue, its fence and its wait event. It does not wait for pending work.
func (q *CommandQueue) Close() {
	q.logger.Debug("CommandQueue::Close", slog.String("Name", q.name))
	q.release()
}
