package gmem

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/memutils"
	"github.com/vkngwrapper/gpustage/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	defaultUploadRingSize        = 64 * 1024 * 1024
	defaultUploadSubmissionCount = 16
)

// UploadRingBufferCreateInfo configures an UploadRingBuffer. Zero fields use the defaults.
type UploadRingBufferCreateInfo struct {
	// Size is the size of the staging buffer in bytes. Defaults to 64 MiB.
	Size int
	// SubmissionCount is the number of uploads that may be in flight at once. Defaults to 16.
	SubmissionCount int
	// Alignment is applied to every allocation's offset and size. Defaults to
	// driver.TextureDataPlacementAlignment so that texture footprints can be copied from any upload.
	Alignment int
	// UploadHeap places the staging buffer in an existing CPU-visible heap. If it is nil, the buffer
	// is a committed resource.
	UploadHeap *Heap
	// Name is used for the staging buffer and the copy queue. Defaults to "Upload Ring".
	Name string
}

type submissionState uint32

const (
	submissionFree submissionState = iota
	submissionClaimed
	submissionSubmitted
)

var submissionStateMapping = map[submissionState]string{
	submissionFree:      "Free",
	submissionClaimed:   "Claimed",
	submissionSubmitted: "Submitted",
}

func (s submissionState) String() string {
	return submissionStateMapping[s]
}

type submission struct {
	allocator driver.CommandAllocator
	list      driver.CommandList

	state      submissionState
	sequence   uint64
	fenceValue uint64
	offset     int
	size       int
	padding    int
	handle     metadata.BlockAllocationHandle
}

func (s *submission) reset() {
	s.state = submissionFree
	s.fenceValue = 0
	s.offset = 0
	s.size = 0
	s.padding = 0
	s.handle = metadata.NoAllocation
}

// UploadRingBuffer streams data to the GPU through a persistently mapped staging buffer. Each
// Allocate claims a byte range of the buffer and a command list; Submit executes the list on the
// ring's copy queue. Ranges are reused only after the copy queue's fence shows their list has
// completed, and always in the order they were allocated.
type UploadRingBuffer struct {
	logger    *slog.Logger
	allocator *Allocator
	name      string

	queue     *CommandQueue
	buffer    *Resource
	metadata  *metadata.RingBlockMetadata
	alignment uint

	submissions      []submission
	submissionsStart int
	submissionsUsed  int
	sequence         uint64
}

// NewUploadRingBuffer creates the staging buffer, a copy queue, and one command allocator and list
// per submission slot
func NewUploadRingBuffer(logger *slog.Logger, allocator *Allocator, createInfo UploadRingBufferCreateInfo) (_ *UploadRingBuffer, err error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	size := createInfo.Size
	if size == 0 {
		size = defaultUploadRingSize
	}
	submissionCount := createInfo.SubmissionCount
	if submissionCount == 0 {
		submissionCount = defaultUploadSubmissionCount
	}
	alignment := createInfo.Alignment
	if alignment == 0 {
		alignment = driver.TextureDataPlacementAlignment
	}
	name := createInfo.Name
	if name == "" {
		name = "Upload Ring"
	}

	if size < 0 || submissionCount < 0 {
		return nil, memutils.Precondition("upload ring %q must have a positive size and submission count, had %d and %d", name, size, submissionCount)
	}
	err = memutils.CheckPow2(alignment, "UploadRingBufferCreateInfo.Alignment")
	if err != nil {
		return nil, errors.Mark(err, memutils.PreconditionViolatedError)
	}

	logger.Debug("UploadRingBuffer::New",
		slog.String("Name", name),
		slog.String("Size", units.BytesSize(float64(size))),
		slog.Int("SubmissionCount", submissionCount),
		slog.Int("Alignment", alignment),
	)

	ring := &UploadRingBuffer{
		logger:      logger,
		allocator:   allocator,
		name:        name,
		metadata:    metadata.NewRingBlockMetadata(),
		alignment:   uint(alignment),
		submissions: make([]submission, submissionCount),
	}
	ring.metadata.Init(size)
	defer func() {
		if err != nil {
			ring.release()
		}
	}()

	ring.queue, err = NewCommandQueue(logger, allocator.device, driver.CommandListTypeCopy, allocator.objectName("Copy Queue", name+" Copy Queue"))
	if err != nil {
		return nil, err
	}

	desc := driver.BufferDesc(uint64(size))
	if createInfo.UploadHeap != nil {
		ring.buffer, err = createInfo.UploadHeap.CreateResource(desc, driver.ResourceStateGenericRead, true)
	} else {
		ring.buffer, err = allocator.CreateCommittedResource(driver.HeapTypeUpload, desc, driver.ResourceStateGenericRead, true)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create staging buffer for upload ring %q", name)
	}
	ring.buffer.SetName(allocator.objectName("Staging Buffer", name))

	for index := range ring.submissions {
		s := &ring.submissions[index]
		s.handle = metadata.NoAllocation

		s.allocator, err = allocator.device.CreateCommandAllocator(driver.CommandListTypeCopy)
		if err != nil {
			return nil, allocator.deviceError(err, "failed to create command allocator %d for upload ring %q", index, name)
		}

		s.list, err = allocator.device.CreateCommandList(driver.CommandListTypeCopy, s.allocator)
		if err != nil {
			return nil, allocator.deviceError(err, "failed to create command list %d for upload ring %q", index, name)
		}

		// Lists are created recording; Allocate resets them before use
		err = s.list.Close()
		if err != nil {
			return nil, allocator.deviceError(err, "failed to close command list %d for upload ring %q", index, name)
		}
	}

	return ring, nil
}

func (r *UploadRingBuffer) Name() string { return r.name }

// Queue returns the copy queue uploads execute on
func (r *UploadRingBuffer) Queue() *CommandQueue { return r.queue }

// Buffer returns the staging buffer
func (r *UploadRingBuffer) Buffer() *Resource { return r.buffer }

// Size returns the size of the staging buffer in bytes
func (r *UploadRingBuffer) Size() int { return r.metadata.Size() }

// PendingSubmissions returns the number of slots that have been claimed and not yet retired
func (r *UploadRingBuffer) PendingSubmissions() int { return r.submissionsUsed }

// Upload is a claimed range of the staging buffer together with the command list that copies it
// out. Write the data through SubResource, record copies into CommandList, then Submit.
type Upload struct {
	ring     *UploadRingBuffer
	slot     int
	sequence uint64

	CommandList driver.CommandList
	SubResource SubResource
}

// Submit executes the upload's command list. See UploadRingBuffer.Submit.
func (u *Upload) Submit(dependentQueue *CommandQueue) (uint64, error) {
	return u.ring.Submit(u, dependentQueue)
}

// Allocate claims size bytes of the staging buffer and a submission slot. Completed submissions are
// retired first if every slot is in use or the buffer has no contiguous room. It fails with
// memutils.ResourceExhaustedError when neither becomes available.
func (r *UploadRingBuffer) Allocate(size int) (*Upload, error) {
	r.logger.Debug("UploadRingBuffer::Allocate", slog.String("Name", r.name), slog.Int("Size", size))

	if size <= 0 {
		return nil, memutils.Precondition("upload ring %q cannot allocate %d bytes", r.name, size)
	}
	if r.buffer == nil {
		return nil, memutils.InvalidHandle("upload ring %q has been destroyed", r.name)
	}

	if r.submissionsUsed == len(r.submissions) {
		err := r.CleanUpSubmissions()
		if err != nil {
			return nil, err
		}
	}
	if r.submissionsUsed == len(r.submissions) {
		return nil, memutils.Exhausted("upload ring %q has no free submission slots: all %d are in flight", r.name, len(r.submissions))
	}

	success, request, err := r.metadata.CreateAllocationRequest(size, r.alignment)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid allocation from upload ring %q", r.name), memutils.PreconditionViolatedError)
	}
	if !success && r.submissionsUsed > 0 {
		err = r.CleanUpSubmissions()
		if err != nil {
			return nil, err
		}

		success, request, err = r.metadata.CreateAllocationRequest(size, r.alignment)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "invalid allocation from upload ring %q", r.name), memutils.PreconditionViolatedError)
		}
	}
	if !success {
		return nil, memutils.Exhausted("upload ring %q has no contiguous room for %s: %s of %s are free, head %d, tail %d",
			r.name,
			units.BytesSize(float64(size)),
			units.BytesSize(float64(r.metadata.SumFreeSize())),
			units.BytesSize(float64(r.metadata.Size())),
			r.metadata.Head(),
			r.metadata.Tail(),
		)
	}

	subResource, err := r.buffer.CreateSubResource(size, request.Offset)
	if err != nil {
		return nil, err
	}

	slot := (r.submissionsStart + r.submissionsUsed) % len(r.submissions)
	s := &r.submissions[slot]

	err = s.allocator.Reset()
	if err != nil {
		return nil, r.allocator.deviceError(err, "failed to reset command allocator %d of upload ring %q", slot, r.name)
	}
	err = s.list.Reset(s.allocator)
	if err != nil {
		return nil, r.allocator.deviceError(err, "failed to reset command list %d of upload ring %q", slot, r.name)
	}

	err = r.metadata.Alloc(request, slot)
	if err != nil {
		// The list is recording again; leave it closed for the next claim
		_ = s.list.Close()
		return nil, errors.Wrapf(err, "failed to commit allocation in upload ring %q", r.name)
	}
	memutils.WriteMagicValue(r.buffer.guard.data, request.Offset+request.Size)

	r.sequence++
	s.state = submissionClaimed
	s.sequence = r.sequence
	s.offset = request.Offset
	s.size = request.Size
	s.padding = request.Padding
	s.handle = request.BlockAllocationHandle
	r.submissionsUsed++

	return &Upload{
		ring:        r,
		slot:        slot,
		sequence:    s.sequence,
		CommandList: s.list,
		SubResource: subResource,
	}, nil
}

// Submit closes the upload's command list, executes it on the copy queue, and returns the fence
// value that marks its completion. If dependentQueue is not nil, it waits on the GPU for the copy
// before running any work submitted to it afterwards.
func (r *UploadRingBuffer) Submit(upload *Upload, dependentQueue *CommandQueue) (uint64, error) {
	if upload == nil || upload.ring != r {
		return 0, memutils.Precondition("upload was not allocated from upload ring %q", r.name)
	}

	s := &r.submissions[upload.slot]
	if s.sequence != upload.sequence || s.state != submissionClaimed {
		return 0, memutils.Precondition("upload %d of upload ring %q has already been submitted", upload.sequence, r.name)
	}

	r.logger.Debug("UploadRingBuffer::Submit",
		slog.String("Name", r.name),
		slog.Int("Offset", s.offset),
		slog.Int("Size", s.size),
	)

	err := s.list.Close()
	if err != nil {
		return 0, r.allocator.deviceError(err, "failed to close command list %d of upload ring %q", upload.slot, r.name)
	}

	fenceValue, err := r.queue.ExecuteCommandList(s.list)
	if err != nil {
		return 0, err
	}
	s.fenceValue = fenceValue
	s.state = submissionSubmitted

	if dependentQueue != nil {
		err = dependentQueue.InsertWaitForQueueFence(r.queue, fenceValue)
		if err != nil {
			return fenceValue, err
		}
	}

	return fenceValue, nil
}

// CleanUpSubmissions retires submissions in allocation order, stopping at the first one that has
// not been submitted or whose copy has not completed
func (r *UploadRingBuffer) CleanUpSubmissions() error {
	if r.submissionsUsed == 0 {
		return nil
	}

	err := r.CheckCorruption()
	if err != nil {
		return err
	}

	for r.submissionsUsed > 0 {
		s := &r.submissions[r.submissionsStart]
		if s.state != submissionSubmitted || !r.queue.IsFenceComplete(s.fenceValue) {
			break
		}

		err = r.metadata.Free(s.handle)
		if err != nil {
			return errors.Wrapf(err, "failed to retire submission %d of upload ring %q", r.submissionsStart, r.name)
		}

		s.reset()
		r.submissionsStart = (r.submissionsStart + 1) % len(r.submissions)
		r.submissionsUsed--
	}

	return nil
}

// CheckCorruption verifies the debug markers after every live upload. Markers are only written
// when built with the debug_mem_utils tag.
func (r *UploadRingBuffer) CheckCorruption() error {
	if r.buffer == nil {
		return memutils.InvalidHandle("upload ring %q has been destroyed", r.name)
	}

	err := r.metadata.CheckCorruption(r.buffer.guard.data)
	if err != nil {
		return errors.Wrapf(err, "upload ring %q", r.name)
	}
	return nil
}

// WaitOnPending blocks until every submitted upload has completed, then retires them. Claimed
// uploads that were never submitted stay claimed.
func (r *UploadRingBuffer) WaitOnPending() error {
	err := r.queue.WaitForIdle()
	if err != nil {
		return err
	}

	return r.CleanUpSubmissions()
}

// Statistics sums the staging buffer's usage
func (r *UploadRingBuffer) Statistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	r.metadata.AddDetailedStatistics(stats)
}

// PrintDetailedMap writes a json object describing the staging buffer and every live upload
func (r *UploadRingBuffer) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Name").String(r.name)
	obj.Name("SubmissionCount").Int(len(r.submissions))
	obj.Name("PendingSubmissions").Int(r.submissionsUsed)
	r.metadata.BlockJsonData(obj)

	arrayState := obj.Name("Uploads").Array()
	defer arrayState.End()

	_ = r.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		uploadObj := arrayState.Object()
		defer uploadObj.End()

		uploadObj.Name("Offset").Int(offset)
		uploadObj.Name("Size").Int(size)
		if free {
			uploadObj.Name("Type").String("FREE")
			return nil
		}

		s := &r.submissions[userData.(int)]
		uploadObj.Name("Type").String("UPLOAD")
		uploadObj.Name("State").String(s.state.String())
		if s.state == submissionSubmitted {
			uploadObj.Name("FenceValue").String(fmt.Sprintf("%#x", s.fenceValue))
		}
		return nil
	})
}

func (r *UploadRingBuffer) release() {
	for index := range r.submissions {
		s := &r.submissions[index]
		if s.list != nil {
			s.list.Release()
			s.list = nil
		}
		if s.allocator != nil {
			s.allocator.Release()
			s.allocator = nil
		}
	}

	if r.buffer != nil {
		err := r.buffer.Destroy()
		if err != nil {
			r.logger.Warn("failed to destroy staging buffer", slog.String("ring", r.name), slog.Any("error", err))
		}
		r.buffer = nil
	}

	if r.queue != nil {
		r.queue.Close()
		r.queue = nil
	}
}

// Destroy waits for the copy queue to go idle, then releases the staging buffer, the command lists
// and the queue
func (r *UploadRingBuffer) Destroy() error {
	if r.queue == nil {
		return memutils.InvalidHandle("upload ring %q has already been destroyed", r.name)
	}

	r.logger.Debug("UploadRingBuffer::Destroy", slog.String("Name", r.name))

	err := r.queue.WaitForIdle()
	if err != nil {
		return err
	}

	if r.submissionsUsed > 0 {
		r.logger.LogAttrs(context.Background(), slog.LevelWarn, "upload ring destroyed with unretired submissions",
			slog.String("ring", r.name),
			slog.Int("submissions", r.submissionsUsed),
		)
	}

	r.metadata.Clear()
	r.submissionsUsed = 0
	r.release()
	return nil
}
