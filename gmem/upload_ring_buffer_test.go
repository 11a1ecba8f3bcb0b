package gmem

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/driver/fake"
	"github.com/vkngwrapper/gpustage/memutils"
)

func TestUploadRingBufferSubmissionSlots(t *testing.T) {
	device, allocator := readyAllocator(t, fake.WithManualExecution())

	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 1024 * 1024})
	require.NoError(t, err)
	require.Equal(t, 1024*1024, ring.Size())
	require.Equal(t, "gpustage Upload Ring Copy Queue", ring.Queue().Name())

	for i := 0; i < defaultUploadSubmissionCount; i++ {
		upload, err := ring.Allocate(256)
		require.NoError(t, err)
		require.Zero(t, upload.SubResource.Offset%driver.TextureDataPlacementAlignment)

		fenceValue, err := upload.Submit(nil)
		require.NoError(t, err)
		require.Equal(t, uint64(driver.CommandListTypeCopy)<<56+uint64(i)+1, fenceValue)
	}
	require.Equal(t, defaultUploadSubmissionCount, ring.PendingSubmissions())

	_, err = ring.Allocate(256)
	require.ErrorIs(t, err, memutils.ResourceExhaustedError)

	device.Flush()

	upload, err := ring.Allocate(256)
	require.NoError(t, err)
	require.Equal(t, 0, upload.SubResource.Offset)
	require.Equal(t, 1, ring.PendingSubmissions())

	_, err = upload.Submit(nil)
	require.NoError(t, err)
	device.Flush()
	require.NoError(t, ring.WaitOnPending())
	require.Equal(t, 0, ring.PendingSubmissions())

	require.NoError(t, ring.Destroy())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveObjects())
}

func TestUploadRingBufferPreconditions(t *testing.T) {
	device, allocator := readyAllocator(t)

	_, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 4096, Alignment: 3000})
	require.True(t, errors.Is(err, memutils.PreconditionViolatedError))
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
	require.Equal(t, 0, device.LiveObjects())

	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 4096, SubmissionCount: 4, Name: "small"})
	require.NoError(t, err)
	other, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 4096, SubmissionCount: 4, Name: "other"})
	require.NoError(t, err)

	_, err = ring.Allocate(0)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)
	_, err = ring.Allocate(-5)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	_, err = ring.Allocate(8192)
	require.ErrorIs(t, err, memutils.ResourceExhaustedError)

	upload, err := ring.Allocate(100)
	require.NoError(t, err)

	_, err = other.Submit(upload, nil)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	_, err = upload.Submit(nil)
	require.NoError(t, err)
	_, err = upload.Submit(nil)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	// The slot is retired and claimed again; the old upload must not submit the new claim
	require.NoError(t, ring.WaitOnPending())
	for i := 0; i < 4; i++ {
		next, err := ring.Allocate(100)
		require.NoError(t, err)
		_, err = next.Submit(nil)
		require.NoError(t, err)
	}
	_, err = upload.Submit(nil)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	require.NoError(t, ring.Destroy())
	require.ErrorIs(t, ring.Destroy(), memutils.InvalidHandleError)
	_, err = ring.Allocate(100)
	require.ErrorIs(t, err, memutils.InvalidHandleError)

	require.NoError(t, other.Destroy())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveObjects())
}

func TestUploadRingBufferHugeAllocationIsRecoverable(t *testing.T) {
	device, allocator := readyAllocator(t, fake.WithManualExecution())

	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 64 * 1024, SubmissionCount: 4})
	require.NoError(t, err)

	for _, size := range []int{math.MaxInt, math.MaxInt - 100} {
		_, err = ring.Allocate(size)
		require.ErrorIs(t, err, memutils.ResourceExhaustedError)
		require.False(t, errors.Is(err, memutils.FatalDeviceError))
	}
	require.Equal(t, 0, ring.PendingSubmissions())
	require.True(t, ring.metadata.IsEmpty())
	require.Equal(t, 0, ring.metadata.Head())

	upload, err := ring.Allocate(256)
	require.NoError(t, err)
	require.Equal(t, 0, upload.SubResource.Offset)
	require.NoError(t, upload.SubResource.CopyFrom(fillPattern(256, 4)))
	_, err = upload.Submit(nil)
	require.NoError(t, err)

	// Again with an upload in flight, so the failed request runs a cleanup first
	_, err = ring.Allocate(math.MaxInt)
	require.ErrorIs(t, err, memutils.ResourceExhaustedError)
	require.Equal(t, 1, ring.PendingSubmissions())

	next, err := ring.Allocate(256)
	require.NoError(t, err)
	require.Equal(t, driver.TextureDataPlacementAlignment, next.SubResource.Offset)
	_, err = next.Submit(nil)
	require.NoError(t, err)

	device.Flush()
	require.NoError(t, ring.CheckCorruption())
	require.NoError(t, ring.WaitOnPending())
	require.Equal(t, 0, ring.PendingSubmissions())
	require.NoError(t, device.RemovedReason())

	require.NoError(t, ring.Destroy())
	require.ErrorIs(t, ring.CheckCorruption(), memutils.InvalidHandleError)
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveObjects())
}

func TestUploadRingBufferRandomUploads(t *testing.T) {
	device, allocator := readyAllocator(t, fake.WithManualExecution())

	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 64 * 1024, SubmissionCount: 8})
	require.NoError(t, err)

	const iterations = 200
	random := rand.New(rand.NewSource(7))
	sizes := make([]int, iterations)
	total := 0
	for i := range sizes {
		sizes[i] = 1 + random.Intn(20000)
		total += sizes[i]
	}

	destination, err := allocator.CreateCommittedResource(driver.HeapTypeDefault, driver.BufferDesc(uint64(total)), driver.ResourceStateCopyDest, false)
	require.NoError(t, err)

	type liveRange struct{ start, end int }
	var ranges []liveRange
	expected := make([]byte, 0, total)
	destinationOffset := 0

	for i, size := range sizes {
		upload, err := ring.Allocate(size)
		if errors.Is(err, memutils.ResourceExhaustedError) {
			device.Flush()
			upload, err = ring.Allocate(size)
		}
		require.NoError(t, err)

		// Retirement is in allocation order, so the live uploads are the most recent ones
		current := liveRange{start: upload.SubResource.Offset, end: upload.SubResource.Offset + size}
		live := ranges[len(ranges)-(ring.PendingSubmissions()-1):]
		for _, other := range live {
			require.False(t, current.start < other.end && other.start < current.end,
				"upload %d at [%d, %d) overlaps a live upload at [%d, %d)", i, current.start, current.end, other.start, other.end)
		}
		ranges = append(ranges, current)

		data := fillPattern(size, byte(i))
		expected = append(expected, data...)
		require.NoError(t, upload.SubResource.CopyFrom(data))

		target, err := destination.CreateSubResource(size, destinationOffset)
		require.NoError(t, err)
		require.NoError(t, upload.SubResource.CopyToSubResource(upload.CommandList, target))
		destinationOffset += size

		_, err = upload.Submit(nil)
		require.NoError(t, err)

		if random.Intn(4) == 0 {
			device.Flush()
		}
	}

	device.Flush()
	require.NoError(t, ring.WaitOnPending())
	require.NoError(t, device.RemovedReason())
	require.Equal(t, expected, destination.Native().(*fake.Resource).Contents())

	var stats memutils.DetailedStatistics
	ring.Statistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 64*1024, stats.BlockBytes)

	require.NoError(t, destination.Destroy())
	require.NoError(t, ring.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestUploadRingBufferDependentQueue(t *testing.T) {
	device, allocator := readyAllocator(t, fake.WithManualExecution())

	direct, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "direct")
	require.NoError(t, err)
	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{Size: 64 * 1024})
	require.NoError(t, err)

	target, err := allocator.CreateCommittedResource(driver.HeapTypeDefault, driver.BufferDesc(1024), driver.ResourceStateCopyDest, false)
	require.NoError(t, err)
	readback, err := allocator.CreateCommittedResource(driver.HeapTypeReadback, driver.BufferDesc(1024), driver.ResourceStateCopyDest, true)
	require.NoError(t, err)

	data := fillPattern(1024, 11)
	upload, err := ring.Allocate(len(data))
	require.NoError(t, err)
	require.NoError(t, upload.SubResource.CopyFrom(data))
	require.NoError(t, upload.SubResource.CopyToResource(upload.CommandList, target))
	copyFence, err := upload.Submit(direct)
	require.NoError(t, err)

	// Work submitted to the direct queue after the upload reads what the upload wrote
	commandAllocator, err := device.CreateCommandAllocator(driver.CommandListTypeDirect)
	require.NoError(t, err)
	list, err := device.CreateCommandList(driver.CommandListTypeDirect, commandAllocator)
	require.NoError(t, err)
	list.CopyBufferRegion(readback.Native(), 0, target.Native(), 0, 1024)
	require.NoError(t, list.Close())
	_, err = direct.ExecuteCommandList(list)
	require.NoError(t, err)

	device.FlushQueue(direct.Native())
	require.Equal(t, make([]byte, 1024), readback.Native().(*fake.Resource).Contents())
	require.False(t, ring.Queue().IsFenceComplete(copyFence))

	device.FlushQueue(ring.Queue().Native())
	require.True(t, ring.Queue().IsFenceComplete(copyFence))
	require.Equal(t, make([]byte, 1024), readback.Native().(*fake.Resource).Contents())

	device.FlushQueue(direct.Native())
	require.Equal(t, data, readback.Native().(*fake.Resource).Contents())

	require.NoError(t, ring.CleanUpSubmissions())
	require.Equal(t, 0, ring.PendingSubmissions())

	list.Release()
	commandAllocator.Release()
	require.NoError(t, target.Destroy())
	require.NoError(t, readback.Destroy())
	require.NoError(t, ring.Destroy())
	direct.Close()
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveObjects())
}

func TestUploadRingBufferPlacedInHeap(t *testing.T) {
	device, allocator := readyAllocator(t, fake.WithManualExecution())

	uploadHeap, err := allocator.CreateUploadHeap(1024*1024, "staging")
	require.NoError(t, err)

	ring, err := NewUploadRingBuffer(testLogger(), allocator, UploadRingBufferCreateInfo{
		Size:            256 * 1024,
		SubmissionCount: 4,
		UploadHeap:      uploadHeap,
		Name:            "placed",
	})
	require.NoError(t, err)

	heap, offset := ring.Buffer().Heap()
	require.Same(t, uploadHeap, heap)
	require.Equal(t, 0, offset)
	require.True(t, ring.Buffer().Mapped())

	first, err := ring.Allocate(1000)
	require.NoError(t, err)
	_, err = first.Submit(nil)
	require.NoError(t, err)
	second, err := ring.Allocate(3000)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	ring.PrintDetailedMap(&writer)

	var document struct {
		Name               string
		SubmissionCount    int
		PendingSubmissions int
		Uploads            []struct {
			Offset     int
			Size       int
			Type       string
			State      string
			FenceValue string
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &document))
	require.Equal(t, "placed", document.Name)
	require.Equal(t, 4, document.SubmissionCount)
	require.Equal(t, 2, document.PendingSubmissions)

	var uploads []string
	for _, region := range document.Uploads {
		if region.Type != "UPLOAD" {
			continue
		}
		uploads = append(uploads, region.State)
		if region.State == "Submitted" {
			require.Equal(t, "0x300000000000001", region.FenceValue)
			require.Equal(t, 1000, region.Size)
		}
	}
	require.Equal(t, []string{"Submitted", "Claimed"}, uploads)

	_, err = second.Submit(nil)
	require.NoError(t, err)
	device.Flush()

	require.NoError(t, ring.Destroy())
	require.NoError(t, uploadHeap.Destroy())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveObjects())
}
