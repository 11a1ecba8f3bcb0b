package gmem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/driver/fake"
	"github.com/vkngwrapper/gpustage/driver/mocks"
	"github.com/vkngwrapper/gpustage/memutils"
	"go.uber.org/mock/gomock"
)

func TestDescriptorManagerReusesFreedSlots(t *testing.T) {
	device := fake.NewDevice()
	manager, err := NewDescriptorManager(testLogger(), device, DescriptorManagerCreateInfo{ResourceViewCount: 16})
	require.NoError(t, err)
	defer manager.Destroy()

	heap, err := manager.Heap(DescriptorKindResource)
	require.NoError(t, err)
	require.True(t, heap.ShaderVisible())
	start := heap.Native().CPUDescriptorHandleForHeapStart()

	var handles []DescriptorHandle
	for i := 0; i < 4; i++ {
		handle, err := manager.Allocate(DescriptorKindResource)
		require.NoError(t, err)
		require.Equal(t, uint32(i), handle.Index)
		handles = append(handles, handle)

		cpu, err := manager.CPUHandle(handle)
		require.NoError(t, err)
		require.Equal(t, start.Ptr+uintptr(i)*uintptr(heap.Stride()), cpu.Ptr)
	}

	require.NoError(t, manager.Free(handles[2]))

	reused, err := manager.Allocate(DescriptorKindResource)
	require.NoError(t, err)
	require.Equal(t, uint32(2), reused.Index)
	require.NotEqual(t, handles[2].Generation, reused.Generation)

	_, err = manager.CPUHandle(handles[2])
	require.ErrorIs(t, err, memutils.InvalidHandleError)
	require.ErrorIs(t, manager.Free(handles[2]), memutils.InvalidHandleError)

	stats, err := manager.Statistics(DescriptorKindResource)
	require.NoError(t, err)
	require.Equal(t, DescriptorStatistics{Live: 4, HighWater: 4, Capacity: 16}, stats)

	next, err := manager.Allocate(DescriptorKindResource)
	require.NoError(t, err)
	require.Equal(t, uint32(4), next.Index)
}

func TestDescriptorManagerExhaustion(t *testing.T) {
	device := fake.NewDevice()
	manager, err := NewDescriptorManager(testLogger(), device, DescriptorManagerCreateInfo{DepthStencilViewCount: 2})
	require.NoError(t, err)
	defer manager.Destroy()

	first, err := manager.Allocate(DescriptorKindDepthStencilView)
	require.NoError(t, err)
	_, err = manager.Allocate(DescriptorKindDepthStencilView)
	require.NoError(t, err)

	_, err = manager.Allocate(DescriptorKindDepthStencilView)
	require.ErrorIs(t, err, memutils.ResourceExhaustedError)

	require.NoError(t, manager.Free(first))
	again, err := manager.Allocate(DescriptorKindDepthStencilView)
	require.NoError(t, err)
	require.Equal(t, first.Index, again.Index)

	stats, err := manager.Statistics(DescriptorKindDepthStencilView)
	require.NoError(t, err)
	require.Equal(t, 2, stats.HighWater)
	require.Equal(t, 2, stats.Capacity)
}

func TestDescriptorManagerHandleKinds(t *testing.T) {
	device := fake.NewDevice()
	manager, err := NewDescriptorManager(testLogger(), device, DescriptorManagerCreateInfo{})
	require.NoError(t, err)

	rtv, err := manager.Allocate(DescriptorKindRenderTargetView)
	require.NoError(t, err)
	_, err = manager.CPUHandle(rtv)
	require.NoError(t, err)
	_, err = manager.GPUHandle(rtv)
	require.ErrorIs(t, err, memutils.PreconditionViolatedError)

	srv, err := manager.Allocate(DescriptorKindResource)
	require.NoError(t, err)
	gpu, err := manager.GPUHandle(srv)
	require.NoError(t, err)
	require.NotZero(t, gpu.Ptr)

	_, err = manager.Allocate(DescriptorKindUnset)
	require.ErrorIs(t, err, memutils.InvalidHandleError)
	_, err = manager.CPUHandle(DescriptorHandle{})
	require.ErrorIs(t, err, memutils.InvalidHandleError)

	// A handle of the wrong kind never resolves against another kind's heap
	_, err = manager.CPUHandle(DescriptorHandle{Kind: DescriptorKindDepthStencilView, Index: rtv.Index, Generation: rtv.Generation})
	require.ErrorIs(t, err, memutils.InvalidHandleError)

	stats, err := manager.Statistics(DescriptorKindResource)
	require.NoError(t, err)
	require.Equal(t, defaultResourceViewCount, stats.Capacity)

	writer := jwriter.NewWriter()
	manager.PrintStats(&writer)
	require.Contains(t, string(writer.Bytes()), `"RenderTargetView":{"Live":1,"HighWater":1,"Capacity":1000}`)

	manager.Destroy()
	require.Equal(t, 0, device.LiveObjects())
	_, err = manager.CPUHandle(srv)
	require.ErrorIs(t, err, memutils.InvalidHandleError)
}

func TestDescriptorManagerHeapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mocks.NewMockDevice(ctrl)
	resourceHeap := mocks.NewMockDescriptorHeap(ctrl)
	injected := errors.New("E_OUTOFMEMORY")

	device.EXPECT().CreateDescriptorHeap(driver.DescriptorHeapDesc{
		Type:           driver.DescriptorHeapTypeCBVSRVUAV,
		NumDescriptors: 8,
		Flags:          driver.DescriptorHeapFlagShaderVisible,
	}).Return(resourceHeap, nil)
	device.EXPECT().DescriptorHandleIncrementSize(driver.DescriptorHeapTypeCBVSRVUAV).Return(uint32(32))
	resourceHeap.EXPECT().CPUDescriptorHandleForHeapStart().Return(driver.CPUDescriptorHandle{Ptr: 0x1000})
	resourceHeap.EXPECT().GPUDescriptorHandleForHeapStart().Return(driver.GPUDescriptorHandle{Ptr: 0x1000})

	device.EXPECT().CreateDescriptorHeap(gomock.Any()).Return(nil, injected)
	device.EXPECT().RemovedReason().Return(nil)
	resourceHeap.EXPECT().Release()

	_, err := NewDescriptorManager(testLogger(), device, DescriptorManagerCreateInfo{ResourceViewCount: 8})
	require.ErrorIs(t, err, injected)
	require.True(t, errors.Is(err, memutils.FatalDeviceError))
}
