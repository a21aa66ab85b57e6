package malloc

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/tagheap/memutils"
	"golang.org/x/exp/slog"
)

// AllocationCount returns the number of live allocations
func (a *Allocator) AllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.allocCount
}

// FreeRegionsCount returns the number of blocks in the free list
func (a *Allocator) FreeRegionsCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.freeCount
}

// SumFreeSize returns the number of bytes in free blocks, tags included
func (a *Allocator) SumFreeSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.freeBytes
}

// IsEmpty returns true if there are no live allocations
func (a *Allocator) IsEmpty() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.allocCount == 0
}

// HeapSize returns the number of bytes obtained from the backing store
func (a *Allocator) HeapSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.store.Size()
}

// Counters returns the allocator's running operation totals since Init
func (a *Allocator) Counters() OperationCounters {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.stats
}

// AddStatistics sums this heap's counters into stats without walking the arena
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.HeapBytes += a.store.Size()
	stats.AllocationCount += a.allocCount
	stats.AllocationBytes += a.allocBytes
	stats.RequestedBytes += a.requestedBytes
}

// AddDetailedStatistics walks every block and sums the results into stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	stats.HeapBytes += a.store.Size()
	stats.RequestedBytes += a.requestedBytes

	_ = a.visitAllBlocks(func(offset, size int, blockType BlockType) error {
		switch blockType {
		case BlockTypeAllocated:
			stats.AddAllocation(size)
		case BlockTypeFree:
			stats.AddUnusedRange(size)
		}
		return nil
	})
}

// VisitAllBlocks calls handleBlock for every block in physical order, from the prologue
// to the epilogue. Offsets are payload offsets. It stops at the first error and returns it.
func (a *Allocator) VisitAllBlocks(handleBlock func(offset, size int, blockType BlockType) error) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.visitAllBlocks(handleBlock)
}

func (a *Allocator) visitAllBlocks(handleBlock func(offset, size int, blockType BlockType) error) error {
	if !a.initialized {
		return nil
	}

	err := handleBlock(int(a.heapStart), prologueSize, BlockTypePrologue)
	if err != nil {
		return err
	}

	p := a.nextBlock(a.heapStart)
	for {
		hdr := a.header(p)
		if hdr.Size() == 0 {
			return handleBlock(int(p), 0, BlockTypeEpilogue)
		}

		blockType := BlockTypeFree
		if hdr.Allocated() {
			blockType = BlockTypeAllocated
		}

		err = handleBlock(int(p), hdr.Size(), blockType)
		if err != nil {
			return err
		}

		p += Ptr(hdr.Size())
	}
}

// PrintDetailedMap writes a JSON object describing the heap and every block in it
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	heapBytes := a.store.Size()
	utilization := 0.0
	if a.initialized && heapBytes > 0 {
		utilization = float64(a.requestedBytes) / float64(heapBytes)
	}

	objState := writer.Object()
	defer objState.End()

	objState.Name("TotalBytes").Int(heapBytes)
	objState.Name("UnusedBytes").Int(a.freeBytes)
	objState.Name("Allocations").Int(a.allocCount)
	objState.Name("UnusedRanges").Int(a.freeCount)
	objState.Name("RequestedBytes").Int(a.requestedBytes)
	objState.Name("Utilization").Float64(utilization)

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.visitAllBlocks(func(offset, size int, blockType BlockType) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Type").String(blockType.String())
		obj.Name("Size").Int(size)

		if blockType == BlockTypeAllocated {
			requested, _ := a.live.Get(Ptr(offset))
			obj.Name("Requested").Int(requested)
		}

		return nil
	})
}

// DebugLogAllAllocations writes one debug record for every live allocation, in address order
func (a *Allocator) DebugLogAllAllocations() {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	_ = a.visitAllBlocks(func(offset, size int, blockType BlockType) error {
		if blockType != BlockTypeAllocated {
			return nil
		}

		requested, _ := a.live.Get(Ptr(offset))
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "live allocation",
			slog.Int("offset", offset),
			slog.Int("size", size),
			slog.Int("requested", requested),
		)
		return nil
	})
}
