package malloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Validate walks the whole arena and the whole free list and returns an error describing
// the first broken invariant it finds. It is expensive and intended for tests and
// diagnostics; building with the debug_mem_utils tag runs it after every operation.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	if !a.initialized {
		return nil
	}

	if len(a.mem) != a.store.Size() {
		return errors.Errorf("the allocator's view of the arena is %d bytes, but the store holds %d", len(a.mem), a.store.Size())
	}

	prologue := Pack(prologueSize, true, true)
	if a.header(a.heapStart) != prologue || a.footer(a.heapStart) != prologue {
		return errors.Errorf("the prologue at offset %d has been overwritten", a.heapStart)
	}

	freeBlocks := swiss.NewMap[Ptr, struct{}](uint32(a.freeCount + 1))
	var allocCount, allocBytes, freeBytes, requestedBytes int
	total := WordSize + prologueSize
	prevAllocated := true

	p := a.nextBlock(a.heapStart)
	for {
		if int(p) > len(a.mem) {
			return errors.Errorf("block at offset %d lies past the top of the heap at %d", p, len(a.mem))
		}

		hdr := a.header(p)
		if hdr.Size() == 0 {
			break
		}

		size := hdr.Size()
		if int(p)%Alignment != 0 {
			return errors.Errorf("block at offset %d is not aligned to %d bytes", p, Alignment)
		}
		if size%Alignment != 0 || size < MinBlockSize {
			return errors.Errorf("block at offset %d has an invalid size of %d", p, size)
		}
		if hdr.PrevAllocated() != prevAllocated {
			return errors.Errorf("block at offset %d records prev_alloc=%t, but its predecessor has alloc=%t", p, hdr.PrevAllocated(), prevAllocated)
		}
		if int(p)+size > len(a.mem) {
			return errors.Errorf("block at offset %d with size %d runs past the top of the heap at %d", p, size, len(a.mem))
		}

		if hdr.Allocated() {
			requested, ok := a.live.Get(p)
			if !ok {
				return errors.Errorf("block at offset %d is allocated but was never handed out", p)
			}
			if requested > size-WordSize {
				return errors.Errorf("block at offset %d holds %d payload bytes, but %d were requested", p, size-WordSize, requested)
			}

			allocCount++
			allocBytes += size
			requestedBytes += requested
		} else {
			if !prevAllocated {
				return errors.Errorf("block at offset %d is free and so is its predecessor", p)
			}
			if a.footer(p) != hdr {
				return errors.Errorf("free block at offset %d has header %#x but footer %#x", p, uint64(hdr), uint64(a.footer(p)))
			}

			freeBlocks.Put(p, struct{}{})
			freeBytes += size
		}

		total += size
		prevAllocated = hdr.Allocated()
		p += Ptr(size)
	}

	epilogue := a.header(p)
	if int(p) != len(a.mem) {
		return errors.Errorf("the epilogue is at offset %d, but the top of the heap is %d", p, len(a.mem))
	}
	if !epilogue.Allocated() || epilogue.PrevAllocated() != prevAllocated {
		return errors.Errorf("the epilogue header %#x is inconsistent with the last block", uint64(epilogue))
	}

	// The alignment pad and the epilogue header are the only bytes outside of a block
	if total+WordSize != a.store.Size() {
		return errors.Errorf("the heap is %d bytes, but the blocks only added up to %d", a.store.Size(), total+WordSize)
	}

	freeBlockCount := freeBlocks.Count()
	listCount := 0
	prev := Nil
	for block := a.freeHead; block != Nil; block = a.succ(block) {
		if !freeBlocks.Has(block) {
			return errors.Errorf("block at offset %d is in the free list but is not a free block, or is listed twice", block)
		}
		freeBlocks.Delete(block)

		if a.pred(block) != prev {
			return errors.Errorf("block at offset %d lists the block at offset %d as its previous block, but was reached from offset %d", block, a.pred(block), prev)
		}

		listCount++
		prev = block
	}

	if freeBlocks.Count() != 0 {
		return errors.Errorf("the number of free blocks in the arena and the number of blocks in the free list do not match! free list size: %d, arena free blocks: %d", listCount, freeBlockCount)
	}

	if freeBlockCount != a.freeCount || freeBytes != a.freeBytes {
		return errors.Errorf("the allocator counts %d free blocks totaling %d bytes, but the arena holds %d totaling %d", a.freeCount, a.freeBytes, freeBlockCount, freeBytes)
	}

	if allocCount != a.allocCount || allocCount != a.live.Count() {
		return errors.Errorf("the allocation count of the allocator is %d with %d live pointers, but the taken blocks only added up to %d", a.allocCount, a.live.Count(), allocCount)
	}

	if allocBytes != a.allocBytes || requestedBytes != a.requestedBytes {
		return errors.Errorf("the allocator counts %d allocated and %d requested bytes, but the taken blocks hold %d and %d", a.allocBytes, a.requestedBytes, allocBytes, requestedBytes)
	}

	return nil
}
