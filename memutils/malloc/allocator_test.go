package malloc_test

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/memutils/malloc"
	"github.com/vkngwrapper/tagheap/memutils/memlib"
)

func TestInitLayout(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	require.Equal(t, 32+malloc.DefaultChunkSize, allocator.HeapSize())
	require.Equal(t, []block{
		{Offset: 16, Size: 16, Type: malloc.BlockTypePrologue},
		{Offset: 32, Size: 4096, Type: malloc.BlockTypeFree},
		{Offset: 4128, Size: 0, Type: malloc.BlockTypeEpilogue},
	}, blocks(t, allocator))

	require.Equal(t, 1, allocator.FreeRegionsCount())
	require.Equal(t, 4096, allocator.SumFreeSize())
	require.True(t, allocator.IsEmpty())
	require.Equal(t, malloc.OperationCounters{}, allocator.Counters())
	require.Equal(t, 0.0, allocator.Utilization())
}

func TestOperationsBeforeInit(t *testing.T) {
	allocator, err := malloc.New(nil, memlib.NewSliceStore(0), malloc.CreateOptions{})
	require.NoError(t, err)

	_, err = allocator.Malloc(16)
	require.True(t, errors.Is(err, malloc.ErrNotInitialized))

	err = allocator.Free(32)
	require.True(t, errors.Is(err, malloc.ErrNotInitialized))

	_, err = allocator.Realloc(32, 16)
	require.True(t, errors.Is(err, malloc.ErrNotInitialized))

	require.Equal(t, 0.0, allocator.Utilization())
	require.Nil(t, allocator.Payload(32))
	require.NoError(t, allocator.Validate())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := malloc.New(nil, nil, malloc.CreateOptions{})
	require.Error(t, err)

	_, err = malloc.New(nil, memlib.NewSliceStore(0), malloc.CreateOptions{ChunkSize: 100})
	require.Error(t, err)

	_, err = malloc.New(nil, memlib.NewSliceStore(0), malloc.CreateOptions{ChunkSize: -64})
	require.Error(t, err)

	_, err = malloc.New(nil, memlib.NewSliceStore(0), malloc.CreateOptions{ChunkSize: 256})
	require.NoError(t, err)
}

func TestNewRejectsChunkLargerThanStore(t *testing.T) {
	_, err := malloc.New(nil, memlib.NewSliceStore(0), malloc.CreateOptions{ChunkSize: math.MaxInt &^ 15})
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	// The prologue and epilogue need 32 bytes next to the first chunk
	_, err = malloc.New(nil, memlib.NewSliceStore(4096), malloc.CreateOptions{ChunkSize: 4096})
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	allocator := newAllocator(t, 4096, malloc.CreateOptions{ChunkSize: 4064})
	require.Equal(t, 4096, allocator.HeapSize())
	require.Equal(t, 4064, allocator.SumFreeSize())

	p := mustMalloc(t, allocator, 4000)

	q, err := allocator.Malloc(100)
	require.Equal(t, malloc.Nil, q)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, allocator.Validate())
	require.Equal(t, 4096, allocator.HeapSize())

	mustFree(t, allocator, p)
}

func TestCustomChunkSize(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{ChunkSize: 256})
	require.Equal(t, 32+256, allocator.HeapSize())

	mustMalloc(t, allocator, 200)
	mustMalloc(t, allocator, 200)

	// The second request misses and grows the heap by one chunk
	require.Equal(t, malloc.OperationCounters{
		ExtendCalls:   1,
		ExtendBytes:   256,
		SplitCount:    2,
		CoalesceCount: 1,
	}, allocator.Counters())
	require.Equal(t, 32+512, allocator.HeapSize())
}

// Scenario A: distinct allocations do not disturb each other
func TestMallocDistinctPayloads(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	p1 := mustMalloc(t, allocator, 100)
	require.Equal(t, malloc.Ptr(32), p1)
	fill(allocator.Payload(p1), 0xAA)

	p2 := mustMalloc(t, allocator, 100)
	require.NotEqual(t, p1, p2)
	require.Equal(t, malloc.Ptr(144), p2)
	fill(allocator.Payload(p2), 0x55)

	payload := allocator.Payload(p1)
	require.Len(t, payload, 100)
	for _, b := range payload {
		require.Equal(t, byte(0xAA), b)
	}

	require.Equal(t, 104, allocator.UsableSize(p1))
	require.Equal(t, 104, cap(allocator.Payload(p1)))
	require.InDelta(t, 200.0/4128.0, allocator.Utilization(), 1e-9)
}

// Scenarios B and C: freeing neighbors merges them into one block
func TestCoalesceNeighbors(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	a := mustMalloc(t, allocator, 100)
	b := mustMalloc(t, allocator, 100)
	c := mustMalloc(t, allocator, 100)
	require.Equal(t, []malloc.Ptr{32, 144, 256}, []malloc.Ptr{a, b, c})

	mustFree(t, allocator, b)
	require.Equal(t, 2, allocator.FreeRegionsCount())

	mustFree(t, allocator, a)
	require.Equal(t, 2, allocator.FreeRegionsCount())
	require.Equal(t, []block{
		{Offset: 16, Size: 16, Type: malloc.BlockTypePrologue},
		{Offset: 32, Size: 224, Type: malloc.BlockTypeFree},
		{Offset: 256, Size: 112, Type: malloc.BlockTypeAllocated},
		{Offset: 368, Size: 3760, Type: malloc.BlockTypeFree},
		{Offset: 4128, Size: 0, Type: malloc.BlockTypeEpilogue},
	}, blocks(t, allocator))

	mustFree(t, allocator, c)
	require.Equal(t, 1, allocator.FreeRegionsCount())
	require.Equal(t, 4096, allocator.SumFreeSize())
	require.Equal(t, []block{
		{Offset: 16, Size: 16, Type: malloc.BlockTypePrologue},
		{Offset: 32, Size: 4096, Type: malloc.BlockTypeFree},
		{Offset: 4128, Size: 0, Type: malloc.BlockTypeEpilogue},
	}, blocks(t, allocator))

	require.Equal(t, malloc.OperationCounters{
		SplitCount:    3,
		CoalesceCount: 2,
	}, allocator.Counters())
}

func TestCoalescePreviousOnly(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	a := mustMalloc(t, allocator, 100)
	b := mustMalloc(t, allocator, 100)
	mustMalloc(t, allocator, 100)

	mustFree(t, allocator, a)
	mustFree(t, allocator, b)

	require.Equal(t, block{Offset: 32, Size: 224, Type: malloc.BlockTypeFree}, blocks(t, allocator)[1])
	require.Equal(t, 2, allocator.FreeRegionsCount())
}

// Scenario D: a request larger than the chunk grows the heap by exactly its block size
func TestMallocLargerThanChunk(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	p := mustMalloc(t, allocator, 10000)
	require.Equal(t, malloc.Ptr(32), p)

	require.Equal(t, 32+4096+10016, allocator.HeapSize())
	require.Equal(t, 1, allocator.Counters().ExtendCalls)
	require.Equal(t, 10016, allocator.Counters().ExtendBytes)
	require.Equal(t, 10008, allocator.UsableSize(p))

	require.Equal(t, []block{
		{Offset: 16, Size: 16, Type: malloc.BlockTypePrologue},
		{Offset: 32, Size: 10016, Type: malloc.BlockTypeAllocated},
		{Offset: 10048, Size: 4096, Type: malloc.BlockTypeFree},
		{Offset: 14144, Size: 0, Type: malloc.BlockTypeEpilogue},
	}, blocks(t, allocator))
}

// Scenario E: running out of store fails the request without damaging the heap
func TestMallocOutOfMemory(t *testing.T) {
	allocator := newAllocator(t, 8192, malloc.CreateOptions{})

	mustMalloc(t, allocator, 4000)
	require.Equal(t, 80, allocator.SumFreeSize())

	p, err := allocator.Malloc(8000)
	require.Equal(t, malloc.Nil, p)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, allocator.Validate())
	require.Equal(t, 4128, allocator.HeapSize())
	require.Equal(t, 0, allocator.Counters().ExtendCalls)

	small := mustMalloc(t, allocator, 50)
	require.Equal(t, malloc.Ptr(4048), small)
	require.Equal(t, 0, allocator.FreeRegionsCount())

	p, err = allocator.Malloc(100000)
	require.Equal(t, malloc.Nil, p)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestMallocEdgeSizes(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	p, err := allocator.Malloc(0)
	require.NoError(t, err)
	require.Equal(t, malloc.Nil, p)

	p, err = allocator.Malloc(-1)
	require.Equal(t, malloc.Nil, p)
	require.True(t, errors.Is(err, malloc.ErrInvalidSize))

	p = mustMalloc(t, allocator, 1)
	require.Equal(t, 24, allocator.UsableSize(p))
	require.Len(t, allocator.Payload(p), 1)

	// 24 bytes of payload plus the header fill a minimum block exactly
	q := mustMalloc(t, allocator, 24)
	require.Equal(t, p+32, q)

	r := mustMalloc(t, allocator, 25)
	require.Equal(t, q+32, r)
	require.Equal(t, 40, allocator.UsableSize(r))

	require.False(t, allocator.IsEmpty())
	require.Equal(t, 3, allocator.AllocationCount())
}

func TestMallocTakesWholeBlockWhenRemainderIsTooSmall(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	a := mustMalloc(t, allocator, 100)
	mustMalloc(t, allocator, 16)
	mustFree(t, allocator, a)

	// 112 byte hole, 96 byte block wanted: the 16 byte remainder cannot stand alone
	p := mustMalloc(t, allocator, 88)
	require.Equal(t, a, p)
	require.Equal(t, 104, allocator.UsableSize(p))
	require.Len(t, allocator.Payload(p), 88)
}

func TestFreeErrors(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	require.NoError(t, allocator.Free(malloc.Nil))

	err := allocator.Free(48)
	require.True(t, errors.Is(err, malloc.ErrInvalidPointer))

	p := mustMalloc(t, allocator, 64)
	mustFree(t, allocator, p)

	err = allocator.Free(p)
	require.True(t, errors.Is(err, malloc.ErrInvalidPointer))
	require.NoError(t, allocator.Validate())
	require.Equal(t, 4096, allocator.SumFreeSize())

	require.Nil(t, allocator.Payload(p))
	require.Equal(t, 0, allocator.UsableSize(p))
}

func TestReallocCopies(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	p := mustMalloc(t, allocator, 40)
	payload := allocator.Payload(p)
	for i := range payload {
		payload[i] = byte(i)
	}

	q, err := allocator.Realloc(p, 200)
	require.NoError(t, err)
	require.NotEqual(t, p, q)
	require.NoError(t, allocator.Validate())
	require.Len(t, allocator.Payload(q), 200)
	for i := 0; i < 40; i++ {
		require.Equal(t, byte(i), allocator.Payload(q)[i])
	}

	require.Nil(t, allocator.Payload(p))
	require.True(t, errors.Is(allocator.Free(p), malloc.ErrInvalidPointer))

	r, err := allocator.Realloc(q, 10)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, allocator.Payload(r))
	require.Equal(t, 1, allocator.AllocationCount())

	s, err := allocator.Realloc(r, 0)
	require.NoError(t, err)
	require.Equal(t, malloc.Nil, s)
	require.True(t, allocator.IsEmpty())
	require.Equal(t, 1, allocator.FreeRegionsCount())
	require.NoError(t, allocator.Validate())
}

func TestReallocNilAndInvalid(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	p, err := allocator.Realloc(malloc.Nil, 24)
	require.NoError(t, err)
	require.Equal(t, malloc.Ptr(32), p)
	require.Equal(t, 1, allocator.AllocationCount())

	_, err = allocator.Realloc(p+16, 24)
	require.True(t, errors.Is(err, malloc.ErrInvalidPointer))
}

func TestReallocFailureKeepsOldBlock(t *testing.T) {
	allocator := newAllocator(t, 8192, malloc.CreateOptions{})

	p := mustMalloc(t, allocator, 100)
	fill(allocator.Payload(p), 0x7F)

	q, err := allocator.Realloc(p, 8000)
	require.Equal(t, malloc.Nil, q)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.NoError(t, allocator.Validate())

	payload := allocator.Payload(p)
	require.Len(t, payload, 100)
	for _, b := range payload {
		require.Equal(t, byte(0x7F), b)
	}
}

func TestReinitDiscardsAllocations(t *testing.T) {
	allocator := newAllocator(t, 0, malloc.CreateOptions{})

	mustMalloc(t, allocator, 10000)
	mustMalloc(t, allocator, 100)

	require.NoError(t, allocator.Init())
	require.NoError(t, allocator.Validate())
	require.True(t, allocator.IsEmpty())
	require.Equal(t, 4128, allocator.HeapSize())
	require.Equal(t, malloc.Ptr(32), mustMalloc(t, allocator, 100))
}

type liveAllocation struct {
	size  int
	value byte
}

func TestRandomWorkload(t *testing.T) {
	strategies := []malloc.AllocationStrategy{
		malloc.AllocationStrategyMinTime,
		malloc.AllocationStrategyMinMemory,
		malloc.AllocationStrategyMinOffset,
	}

	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			allocator := newAllocator(t, 0, malloc.CreateOptions{Strategy: strategy})
			rng := rand.New(rand.NewSource(1))
			live := make(map[malloc.Ptr]liveAllocation)
			var ptrs []malloc.Ptr

			for i := 0; i < 2000; i++ {
				op := rng.Intn(10)

				switch {
				case op < 5 || len(ptrs) == 0:
					size := 1 + rng.Intn(600)
					if rng.Intn(50) == 0 {
						size += 5000
					}

					p, err := allocator.Malloc(size)
					require.NoError(t, err)
					require.Zero(t, int(p)%malloc.Alignment)
					require.NotContains(t, live, p)

					value := byte(rng.Intn(256))
					fill(allocator.Payload(p), value)
					live[p] = liveAllocation{size: size, value: value}
					ptrs = append(ptrs, p)

				case op < 8:
					index := rng.Intn(len(ptrs))
					p := ptrs[index]
					require.NoError(t, allocator.Free(p))
					delete(live, p)
					ptrs[index] = ptrs[len(ptrs)-1]
					ptrs = ptrs[:len(ptrs)-1]

				default:
					index := rng.Intn(len(ptrs))
					p := ptrs[index]
					old := live[p]
					size := 1 + rng.Intn(800)

					q, err := allocator.Realloc(p, size)
					require.NoError(t, err)
					require.Zero(t, int(q)%malloc.Alignment)

					payload := allocator.Payload(q)
					for j := 0; j < min(old.size, size); j++ {
						require.Equal(t, old.value, payload[j])
					}

					value := byte(rng.Intn(256))
					fill(payload, value)
					delete(live, p)
					live[q] = liveAllocation{size: size, value: value}
					ptrs[index] = q
				}

				require.NoError(t, allocator.Validate())
			}

			require.Equal(t, len(live), allocator.AllocationCount())

			type span struct{ start, end int }
			spans := make([]span, 0, len(live))
			for p, allocation := range live {
				payload := allocator.Payload(p)
				require.Len(t, payload, allocation.size)
				for _, b := range payload {
					require.Equal(t, allocation.value, b)
				}
				spans = append(spans, span{start: int(p) - malloc.WordSize, end: int(p) + allocator.UsableSize(p)})
			}

			sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
			for i := 1; i < len(spans); i++ {
				require.LessOrEqual(t, spans[i-1].end, spans[i].start)
			}

			for _, p := range ptrs {
				require.NoError(t, allocator.Free(p))
			}
			require.True(t, allocator.IsEmpty())
			require.Equal(t, 1, allocator.FreeRegionsCount())
			require.Equal(t, allocator.HeapSize()-32, allocator.SumFreeSize())
			require.NoError(t, allocator.Validate())
		})
	}
}
