package metadata_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpustage/memutils"
	"github.com/vkngwrapper/gpustage/memutils/metadata"
)

func arenaAlloc(t *testing.T, arena *metadata.ArenaBlockMetadata, size int, alignment uint) (bool, metadata.AllocationRequest) {
	success, request, err := arena.CreateAllocationRequest(size, alignment)
	require.NoError(t, err)
	if !success {
		return false, request
	}

	require.NoError(t, arena.Alloc(request, size))
	return true, request
}

func TestArenaAlloc(t *testing.T) {
	arena := metadata.NewArenaBlockMetadata()
	arena.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	arena.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: 1000,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	success, request := arenaAlloc(t, arena, 100, 1)
	require.True(t, success)
	require.Equal(t, 0, request.Offset)

	success, request = arenaAlloc(t, arena, 50, 64)
	require.True(t, success)
	require.Equal(t, 128, request.Offset)
	require.Equal(t, 28, request.LeadingPadding)
	require.Equal(t, 178, arena.Cursor())

	stats.Clear()
	arena.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 150,
			PaddingBytes:    28,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  50,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 822,
		UnusedRangeSizeMax: 822,
	}, stats)
	require.Equal(t, 822, arena.SumFreeSize())
	require.NoError(t, arena.Validate())

	offset, err := arena.AllocationOffset(request.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 128, offset)

	userData, err := arena.AllocationUserData(request.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 50, userData)
}

func TestArenaExhaustion(t *testing.T) {
	arena := metadata.NewArenaBlockMetadata()
	arena.Init(1024 * 1024)

	success, _ := arenaAlloc(t, arena, 600*1024, 1)
	require.True(t, success)

	success, _ = arenaAlloc(t, arena, 500*1024, 1)
	require.False(t, success)

	// A failed request leaves the arena untouched
	require.Equal(t, 600*1024, arena.Cursor())
	require.Equal(t, 1, arena.AllocationCount())

	success, request := arenaAlloc(t, arena, 400*1024, 1)
	require.True(t, success)
	require.Equal(t, 600*1024, request.Offset)
	require.Equal(t, 24*1024, arena.SumFreeSize())
}

func TestArenaRejectsBadRequests(t *testing.T) {
	arena := metadata.NewArenaBlockMetadata()
	arena.Init(1000)

	_, _, err := arena.CreateAllocationRequest(0, 1)
	require.Error(t, err)

	_, _, err = arena.CreateAllocationRequest(10, 3)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestArenaStaleRequest(t *testing.T) {
	arena := metadata.NewArenaBlockMetadata()
	arena.Init(1000)

	_, first, err := arena.CreateAllocationRequest(10, 1)
	require.NoError(t, err)
	_, second, err := arena.CreateAllocationRequest(10, 1)
	require.NoError(t, err)

	require.NoError(t, arena.Alloc(first, nil))
	require.Error(t, arena.Alloc(second, nil))
	require.Equal(t, 1, arena.AllocationCount())
}

func TestArenaFreeAndClear(t *testing.T) {
	arena := metadata.NewArenaBlockMetadata()
	arena.Init(1000)

	_, request := arenaAlloc(t, arena, 10, 1)
	require.Error(t, arena.Free(request.BlockAllocationHandle))
	require.Error(t, arena.Free(request.BlockAllocationHandle+1))

	arena.Clear()
	require.True(t, arena.IsEmpty())
	require.Equal(t, 0, arena.Cursor())

	_, err := arena.AllocationOffset(request.BlockAllocationHandle)
	require.Error(t, err)

	_, next := arenaAlloc(t, arena, 10, 1)
	require.NotEqual(t, request.BlockAllocationHandle, next.BlockAllocationHandle)
	require.Equal(t, 0, next.Offset)
}

func TestArenaVisitAllRegions(t *testing.T) {
	arena := metadata.NewArenaBlockMetadata()
	arena.Init(256)

	arenaAlloc(t, arena, 10, 1)
	arenaAlloc(t, arena, 20, 16)

	type region struct {
		offset, size int
		free         bool
	}
	var regions []region
	err := arena.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, region{offset, size, free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []region{
		{0, 10, false},
		{10, 6, true},
		{16, 20, false},
		{36, 220, true},
	}, regions)
}
