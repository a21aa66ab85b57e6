package malloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/tagheap/memutils/malloc"
	"github.com/vkngwrapper/tagheap/memutils/memlib"
)

type block struct {
	Offset int
	Size   int
	Type   malloc.BlockType
}

func newAllocator(t *testing.T, maxHeap int, options malloc.CreateOptions) *malloc.Allocator {
	allocator, err := malloc.New(nil, memlib.NewSliceStore(maxHeap), options)
	require.NoError(t, err)
	require.NoError(t, allocator.Init())
	require.NoError(t, allocator.Validate())

	return allocator
}

func blocks(t *testing.T, allocator *malloc.Allocator) []block {
	var result []block
	err := allocator.VisitAllBlocks(func(offset, size int, blockType malloc.BlockType) error {
		result = append(result, block{Offset: offset, Size: size, Type: blockType})
		return nil
	})
	require.NoError(t, err)

	return result
}

func mustMalloc(t *testing.T, allocator *malloc.Allocator, size int) malloc.Ptr {
	p, err := allocator.Malloc(size)
	require.NoError(t, err)
	require.NotEqual(t, malloc.Nil, p)
	require.NoError(t, allocator.Validate())

	return p
}

func mustFree(t *testing.T, allocator *malloc.Allocator, p malloc.Ptr) {
	require.NoError(t, allocator.Free(p))
	require.NoError(t, allocator.Validate())
}

func fill(payload []byte, value byte) {
	for i := range payload {
		payload[i] = value
	}
}
