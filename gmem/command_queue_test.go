package gmem

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/driver/fake"
	"github.com/vkngwrapper/gpustage/driver/mocks"
	"github.com/vkngwrapper/gpustage/memutils"
	"go.uber.org/mock/gomock"
)

func TestCommandQueueFenceValues(t *testing.T) {
	device := fake.NewDevice()

	direct, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "direct")
	require.NoError(t, err)
	defer direct.Close()
	copyQueue, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeCopy, "copy")
	require.NoError(t, err)
	defer copyQueue.Close()

	require.Equal(t, uint64(1), direct.NextFenceValue())
	require.Equal(t, uint64(3)<<56+1, copyQueue.NextFenceValue())
	require.True(t, copyQueue.IsFenceComplete(uint64(3)<<56))

	var last uint64
	for i := 0; i < 10; i++ {
		value, err := copyQueue.ExecuteCommandLists()
		require.NoError(t, err)
		require.Greater(t, value, last)
		require.Equal(t, uint64(3), value>>56)
		last = value
	}

	require.Equal(t, last+1, copyQueue.NextFenceValue())
	require.True(t, copyQueue.IsFenceComplete(last))
	require.Equal(t, last, copyQueue.LastCompletedFenceValue())
	require.NoError(t, copyQueue.WaitForIdle())
}

func TestCommandQueueBlockingWait(t *testing.T) {
	device := fake.NewDevice(fake.WithManualExecution())

	queue, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "direct")
	require.NoError(t, err)
	defer queue.Close()

	value, err := queue.ExecuteCommandLists()
	require.NoError(t, err)
	require.False(t, queue.IsFenceComplete(value))

	go func() {
		time.Sleep(10 * time.Millisecond)
		device.Flush()
	}()

	require.NoError(t, queue.WaitForFenceBlocking(value))
	require.True(t, queue.IsFenceComplete(value))
	require.Equal(t, value, queue.LastCompletedFenceValue())
}

func TestCommandQueueCrossQueueWait(t *testing.T) {
	device := fake.NewDevice(fake.WithManualExecution())

	producer, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeCopy, "producer")
	require.NoError(t, err)
	defer producer.Close()
	consumer, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "consumer")
	require.NoError(t, err)
	defer consumer.Close()

	produced, err := producer.ExecuteCommandLists()
	require.NoError(t, err)
	require.NoError(t, consumer.InsertWaitForQueue(producer))
	consumed, err := consumer.ExecuteCommandLists()
	require.NoError(t, err)

	device.FlushQueue(consumer.Native())
	require.False(t, consumer.IsFenceComplete(consumed))

	device.FlushQueue(producer.Native())
	require.True(t, producer.IsFenceComplete(produced))
	require.False(t, consumer.IsFenceComplete(consumed))

	device.FlushQueue(consumer.Native())
	require.True(t, consumer.IsFenceComplete(consumed))
}

func TestCommandQueueDeviceRemoved(t *testing.T) {
	device := fake.NewDevice()

	queue, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "direct")
	require.NoError(t, err)
	defer queue.Close()

	reason := errors.New("DXGI_ERROR_DEVICE_HUNG")
	device.Remove(reason)

	_, err = queue.ExecuteCommandLists()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.FatalDeviceError))
	require.True(t, errors.Is(err, fake.ErrDeviceRemoved))

	err = queue.InsertWait(1)
	require.True(t, errors.Is(err, memutils.FatalDeviceError))

	_, err = NewCommandQueue(testLogger(), device, driver.CommandListTypeCopy, "late")
	require.True(t, errors.Is(err, memutils.FatalDeviceError))
}

func TestCommandQueueReleasesOnFenceFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mocks.NewMockDevice(ctrl)
	nativeQueue := mocks.NewMockCommandQueue(ctrl)
	injected := errors.New("E_OUTOFMEMORY")

	device.EXPECT().CreateCommandQueue(driver.CommandListTypeCompute).Return(nativeQueue, nil)
	nativeQueue.EXPECT().SetName("compute")
	device.EXPECT().CreateFence(uint64(2)<<56).Return(nil, injected)
	device.EXPECT().RemovedReason().Return(nil)
	nativeQueue.EXPECT().Release()

	_, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeCompute, "compute")
	require.ErrorIs(t, err, injected)
	require.True(t, errors.Is(err, memutils.FatalDeviceError))
}

func TestCommandQueueCachesCompletedFenceValue(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mocks.NewMockDevice(ctrl)
	nativeQueue := mocks.NewMockCommandQueue(ctrl)
	fence := mocks.NewMockFence(ctrl)

	device.EXPECT().CreateCommandQueue(driver.CommandListTypeDirect).Return(nativeQueue, nil)
	nativeQueue.EXPECT().SetName("direct")
	device.EXPECT().CreateFence(uint64(0)).Return(fence, nil)

	queue, err := NewCommandQueue(testLogger(), device, driver.CommandListTypeDirect, "direct")
	require.NoError(t, err)

	gomock.InOrder(
		fence.EXPECT().CompletedValue().Return(uint64(7)),
		// A fence never goes backwards; the cached value must not either
		fence.EXPECT().CompletedValue().Return(uint64(3)),
		fence.EXPECT().CompletedValue().Return(uint64(9)),
	)

	require.True(t, queue.IsFenceComplete(5))
	require.Equal(t, uint64(7), queue.LastCompletedFenceValue())

	// Covered by the cached value, so the fence is not queried
	require.True(t, queue.IsFenceComplete(6))
	require.True(t, queue.IsFenceComplete(7))
	require.Equal(t, uint64(7), queue.LastCompletedFenceValue())

	require.False(t, queue.IsFenceComplete(9))
	require.Equal(t, uint64(7), queue.LastCompletedFenceValue())

	require.True(t, queue.IsFenceComplete(9))
	require.Equal(t, uint64(9), queue.LastCompletedFenceValue())
	require.True(t, queue.IsFenceComplete(8))

	fence.EXPECT().Release()
	nativeQueue.EXPECT().Release()
	queue.Close()
}
