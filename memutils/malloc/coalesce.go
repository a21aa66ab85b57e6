package malloc

// coalesce merges the free block at p with any free physical neighbors and inserts the
// result into the free list. p must already carry free tags and must not be in the free
// list. The prologue and epilogue are always allocated, so both neighbors exist.
//
// Returns the payload offset of the merged block.
func (a *Allocator) coalesce(p Ptr) Ptr {
	hdr := a.header(p)
	size := hdr.Size()
	prevAllocated := hdr.PrevAllocated()

	next := a.nextBlock(p)
	nextHdr := a.header(next)
	nextAllocated := nextHdr.Allocated()

	switch {
	case prevAllocated && nextAllocated:
		a.setTags(p, Pack(size, true, false))
		a.setHeader(next, nextHdr.WithPrevAllocated(false))

	case prevAllocated && !nextAllocated:
		a.removeFreeBlock(next)
		size += nextHdr.Size()

		a.setTags(p, Pack(size, true, false))

	case !prevAllocated && nextAllocated:
		prev := a.prevBlock(p)
		prevHdr := a.header(prev)
		a.removeFreeBlock(prev)
		size += prevHdr.Size()

		p = prev
		a.setTags(p, Pack(size, prevHdr.PrevAllocated(), false))
		a.setHeader(next, nextHdr.WithPrevAllocated(false))

	default:
		prev := a.prevBlock(p)
		prevHdr := a.header(prev)
		a.removeFreeBlock(prev)
		a.removeFreeBlock(next)
		size += prevHdr.Size() + nextHdr.Size()

		p = prev
		a.setTags(p, Pack(size, prevHdr.PrevAllocated(), false))
	}

	if !prevAllocated || !nextAllocated {
		a.stats.CoalesceCount++
	}

	a.insertFreeBlock(p)
	return p
}
