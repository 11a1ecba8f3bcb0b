package gmem

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/gmem/internal/arena"
	"github.com/vkngwrapper/gpustage/memutils"
	"golang.org/x/exp/slog"
)

// DescriptorKind selects which of the DescriptorManager's heaps a descriptor lives in
type DescriptorKind uint32

const (
	DescriptorKindUnset DescriptorKind = iota
	// DescriptorKindResource covers constant buffer, shader resource and unordered access views
	DescriptorKindResource
	DescriptorKindDepthStencilView
	DescriptorKindRenderTargetView
)

var descriptorKindMapping = map[DescriptorKind]string{
	DescriptorKindUnset:            "Unset",
	DescriptorKindResource:         "Resource",
	DescriptorKindDepthStencilView: "DepthStencilView",
	DescriptorKindRenderTargetView: "RenderTargetView",
}

func (k DescriptorKind) String() string {
	str, ok := descriptorKindMapping[k]
	if !ok {
		return fmt.Sprintf("DescriptorKind(%d)", uint32(k))
	}
	return str
}

func (k DescriptorKind) heapType() driver.DescriptorHeapType {
	switch k {
	case DescriptorKindDepthStencilView:
		return driver.DescriptorHeapTypeDSV
	case DescriptorKindRenderTargetView:
		return driver.DescriptorHeapTypeRTV
	default:
		return driver.DescriptorHeapTypeCBVSRVUAV
	}
}

// DescriptorHandle identifies one descriptor slot. Index is the slot's position in its heap;
// Generation changes every time the slot is freed, so a handle kept past Free stops resolving.
// The zero DescriptorHandle is never valid.
type DescriptorHandle struct {
	Kind       DescriptorKind
	Index      uint32
	Generation uint32
}

func (h DescriptorHandle) String() string {
	return fmt.Sprintf("%s:%d:%d", h.Kind, h.Index, h.Generation)
}

// DescriptorManagerCreateInfo sizes the heaps owned by a DescriptorManager. Zero fields use the
// defaults.
type DescriptorManagerCreateInfo struct {
	// ResourceViewCount defaults to 500,000
	ResourceViewCount uint32
	// RenderTargetViewCount defaults to 1,000
	RenderTargetViewCount uint32
	// DepthStencilViewCount defaults to 1,000
	DepthStencilViewCount uint32
}

const (
	defaultResourceViewCount     = 500_000
	defaultRenderTargetViewCount = 1_000
	defaultDepthStencilViewCount = 1_000
)

// DescriptorStatistics describes the usage of one of the DescriptorManager's heaps
type DescriptorStatistics struct {
	// Live is the number of handles currently allocated
	Live int
	// HighWater is the number of slots ever taken from the heap. Freed slots are reused before the
	// heap grows, so it only rises when Live exceeds it.
	HighWater int
	// Capacity is the number of descriptors the heap holds
	Capacity int
}

type descriptorPool struct {
	heap  *DescriptorHeap
	slots *arena.Arena[struct{}]
}

// DescriptorManager owns one descriptor heap per DescriptorKind and recycles freed slots
// last-in-first-out before taking new ones from the heap.
type DescriptorManager struct {
	logger *slog.Logger
	pools  map[DescriptorKind]*descriptorPool
}

// NewDescriptorManager creates a shader-visible resource view heap plus render target and depth
// stencil heaps
func NewDescriptorManager(logger *slog.Logger, device driver.Device, createInfo DescriptorManagerCreateInfo) (*DescriptorManager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	counts := map[DescriptorKind]uint32{
		DescriptorKindResource:         createInfo.ResourceViewCount,
		DescriptorKindRenderTargetView: createInfo.RenderTargetViewCount,
		DescriptorKindDepthStencilView: createInfo.DepthStencilViewCount,
	}
	defaults := map[DescriptorKind]uint32{
		DescriptorKindResource:         defaultResourceViewCount,
		DescriptorKindRenderTargetView: defaultRenderTargetViewCount,
		DescriptorKindDepthStencilView: defaultDepthStencilViewCount,
	}

	manager := &DescriptorManager{
		logger: logger,
		pools:  make(map[DescriptorKind]*descriptorPool, len(counts)),
	}

	for _, kind := range []DescriptorKind{DescriptorKindResource, DescriptorKindRenderTargetView, DescriptorKindDepthStencilView} {
		count := counts[kind]
		if count == 0 {
			count = defaults[kind]
		}

		heap, err := NewDescriptorHeap(device, kind.heapType(), count)
		if err != nil {
			manager.Destroy()
			return nil, errors.Wrapf(err, "failed to create the %s descriptor heap", kind)
		}

		manager.pools[kind] = &descriptorPool{
			heap:  heap,
			slots: arena.New[struct{}](0),
		}
	}

	logger.Debug("DescriptorManager::New",
		slog.Int("ResourceViews", int(manager.pools[DescriptorKindResource].heap.Capacity())),
		slog.Int("RenderTargetViews", int(manager.pools[DescriptorKindRenderTargetView].heap.Capacity())),
		slog.Int("DepthStencilViews", int(manager.pools[DescriptorKindDepthStencilView].heap.Capacity())),
	)

	return manager, nil
}

func (m *DescriptorManager) pool(kind DescriptorKind) (*descriptorPool, error) {
	pool, ok := m.pools[kind]
	if !ok {
		return nil, memutils.InvalidHandle("descriptor kind %s does not have a heap", kind)
	}

	return pool, nil
}

// Allocate returns the most recently freed slot of the requested kind, or a new slot from the
// kind's heap when none are free
func (m *DescriptorManager) Allocate(kind DescriptorKind) (DescriptorHandle, error) {
	pool, err := m.pool(kind)
	if err != nil {
		return DescriptorHandle{}, err
	}

	// Every slot taken from the heap is in the arena, live or free, at the same index as in the
	// heap. Only grow the heap when none are free.
	reused := pool.slots.Len() < int(pool.heap.Allocated())
	if !reused {
		_, _, err := pool.heap.AllocateHandle()
		if err != nil {
			return DescriptorHandle{}, err
		}
	}

	handle := pool.slots.Insert(struct{}{})
	m.logger.Debug("DescriptorManager::Allocate",
		slog.String("Kind", kind.String()),
		slog.Int("Index", int(handle.Index)),
		slog.Bool("Reused", reused),
	)

	return DescriptorHandle{Kind: kind, Index: handle.Index, Generation: handle.Generation}, nil
}

func (m *DescriptorManager) resolve(handle DescriptorHandle) (*descriptorPool, error) {
	pool, err := m.pool(handle.Kind)
	if err != nil {
		return nil, err
	}

	if !pool.slots.Contains(arena.Handle{Index: handle.Index, Generation: handle.Generation}) {
		return nil, memutils.InvalidHandle("descriptor %s is not allocated", handle)
	}

	return pool, nil
}

// Free returns the slot to its kind's free list. The heap's capacity is not released.
func (m *DescriptorManager) Free(handle DescriptorHandle) error {
	pool, err := m.resolve(handle)
	if err != nil {
		return err
	}

	pool.slots.Remove(arena.Handle{Index: handle.Index, Generation: handle.Generation})
	return nil
}

func (m *DescriptorManager) CPUHandle(handle DescriptorHandle) (driver.CPUDescriptorHandle, error) {
	pool, err := m.resolve(handle)
	if err != nil {
		return driver.CPUDescriptorHandle{}, err
	}

	return pool.heap.CPUHandle(handle.Index)
}

// GPUHandle fails with memutils.PreconditionViolatedError for render target and depth stencil
// descriptors, which are not shader-visible
func (m *DescriptorManager) GPUHandle(handle DescriptorHandle) (driver.GPUDescriptorHandle, error) {
	pool, err := m.resolve(handle)
	if err != nil {
		return driver.GPUDescriptorHandle{}, err
	}

	return pool.heap.GPUHandle(handle.Index)
}

// Heap returns the descriptor heap that holds descriptors of the requested kind
func (m *DescriptorManager) Heap(kind DescriptorKind) (*DescriptorHeap, error) {
	pool, err := m.pool(kind)
	if err != nil {
		return nil, err
	}

	return pool.heap, nil
}

func (m *DescriptorManager) Statistics(kind DescriptorKind) (DescriptorStatistics, error) {
	pool, err := m.pool(kind)
	if err != nil {
		return DescriptorStatistics{}, err
	}

	return DescriptorStatistics{
		Live:      pool.slots.Len(),
		HighWater: int(pool.heap.Allocated()),
		Capacity:  int(pool.heap.Capacity()),
	}, nil
}

// PrintStats writes a json object with the usage of every heap
func (m *DescriptorManager) PrintStats(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	for _, kind := range []DescriptorKind{DescriptorKindResource, DescriptorKindRenderTargetView, DescriptorKindDepthStencilView} {
		stats, err := m.Statistics(kind)
		if err != nil {
			continue
		}

		kindObj := obj.Name(kind.String()).Object()
		kindObj.Name("Live").Int(stats.Live)
		kindObj.Name("HighWater").Int(stats.HighWater)
		kindObj.Name("Capacity").Int(stats.Capacity)
		kindObj.End()
	}
}

// Destroy releases every descriptor heap. Outstanding handles stop resolving.
func (m *DescriptorManager) Destroy() {
	for kind, pool := range m.pools {
		pool.heap.Release()
		delete(m.pools, kind)
	}
}
