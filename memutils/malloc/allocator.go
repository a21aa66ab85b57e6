// Package malloc implements a malloc/free/realloc engine over a single growable arena.
//
// Every block starts with an 8-byte boundary tag holding the block size, the block's own
// allocation bit and its physical predecessor's allocation bit. Only free blocks carry a
// footer, and free blocks reuse their first two payload words as links in an unordered,
// LIFO doubly-linked free list. Blocks are coalesced with their free neighbors as soon as
// they are freed, so no two free blocks are ever adjacent.
//
// The arena is bracketed by an allocated prologue block and a zero-size allocated epilogue
// header, so traversal and coalescing never need bounds checks:
//
//	offset 0   alignment pad
//	offset 8   prologue header  (16, prev allocated, allocated)
//	offset 16  prologue footer
//	offset 24  first block header ... epilogue header at top-8
//
// Payload offsets (Ptr) are always multiples of Alignment.
package malloc

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/tagheap/internal/utils"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/memutils/memlib"
	"golang.org/x/exp/slog"
)

// Allocator manages one heap arena. It is not safe for concurrent use unless it was
// created with AllocatorCreateSynchronized.
type Allocator struct {
	logger    *slog.Logger
	store     memlib.Store
	mutex     *utils.OptionalRWMutex
	strategy  AllocationStrategy
	chunkSize int

	initialized bool
	mem         []byte
	heapStart   Ptr

	freeHead  Ptr
	freeCount int
	freeBytes int

	// live maps the payload offset of every live allocation to the size the caller asked for
	live           *swiss.Map[Ptr, int]
	allocCount     int
	allocBytes     int
	requestedBytes int

	stats OperationCounters
}

// unlockedAllocator runs Validate without taking the allocator's lock, for use by
// memutils.DebugValidate from inside methods that already hold it
type unlockedAllocator Allocator

func (a *unlockedAllocator) Validate() error {
	return (*Allocator)(a).validate()
}

func (a *Allocator) debugValidate() {
	memutils.DebugValidate((*unlockedAllocator)(a))
}

func (a *Allocator) resetState() {
	a.initialized = false
	a.mem = nil
	a.heapStart = Nil
	a.freeHead = Nil
	a.freeCount = 0
	a.freeBytes = 0
	a.live = swiss.NewMap[Ptr, int](64)
	a.allocCount = 0
	a.allocBytes = 0
	a.requestedBytes = 0
	a.stats = OperationCounters{}
}

// Init resets the backing store, lays down the prologue and epilogue, and creates the first
// free block of ChunkSize bytes. Any live allocations from an earlier Init are discarded.
//
// If the store cannot provide the initial memory, Init returns an error wrapping
// memutils.ErrOutOfMemory, resets the store again, and leaves the allocator unusable until
// a later Init succeeds.
func (a *Allocator) Init() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.resetState()
	a.store.Reset()

	base, err := a.store.Grow(initialHeapSize)
	if err != nil {
		a.store.Reset()
		return errors.Wrap(err, "malloc: could not allocate the prologue")
	}
	if base%Alignment != 0 {
		a.store.Reset()
		return errors.Errorf("malloc: the backing store returned a base offset of %d, which is not a multiple of %d", base, Alignment)
	}
	a.mem = a.store.Bytes()

	a.putWord(base, 0)
	a.putWord(base+WordSize, Pack(prologueSize, true, true))
	a.putWord(base+2*WordSize, Pack(prologueSize, true, true))
	a.putWord(base+3*WordSize, Pack(0, true, true))
	a.heapStart = Ptr(base + 2*WordSize)

	if _, err := a.extendHeap(a.chunkSize); err != nil {
		a.resetState()
		a.store.Reset()
		return errors.Wrap(err, "malloc: could not allocate the initial chunk")
	}
	// The initial chunk is part of Init, not growth
	a.stats = OperationCounters{}
	a.initialized = true

	a.logger.Debug("Allocator::Init", slog.Int("HeapBytes", a.store.Size()), slog.Int("ChunkSize", a.chunkSize))
	a.debugValidate()
	return nil
}

// extendHeap grows the arena by size bytes (rounded up to Alignment), turns the old
// epilogue into the header of a new free block, writes a new epilogue and coalesces the
// new block with a free tail block if there is one. Nothing is modified on failure.
func (a *Allocator) extendHeap(size int) (Ptr, error) {
	size = memutils.AlignUp(size, uint(Alignment))

	oldTop, err := a.store.Grow(size)
	if err != nil {
		return Nil, errors.Wrapf(err, "malloc: could not extend the heap by %d bytes", size)
	}
	a.mem = a.store.Bytes()

	p := Ptr(oldTop)
	a.setTags(p, Pack(size, a.header(p).PrevAllocated(), false))
	a.setHeader(a.nextBlock(p), Pack(0, false, true))

	a.stats.ExtendCalls++
	a.stats.ExtendBytes += size
	a.logger.Debug("Allocator::extendHeap", slog.Int("Size", size), slog.Int("OldTop", oldTop))

	return a.coalesce(p), nil
}

// adjustedSize is the block size that serves a request of size payload bytes
func adjustedSize(size int) int {
	return max(MinBlockSize, memutils.AlignUp(size+WordSize, uint(Alignment)))
}

// Malloc allocates size bytes using the allocator's configured strategy. Malloc(0)
// returns Nil and no error. If the heap cannot grow enough to satisfy the request, Malloc
// returns Nil and an error wrapping memutils.ErrOutOfMemory, and the heap is unchanged.
func (a *Allocator) Malloc(size int) (Ptr, error) {
	return a.Alloc(size, a.strategy)
}

// MallocFirstFit allocates size bytes from the first free block that fits
func (a *Allocator) MallocFirstFit(size int) (Ptr, error) {
	return a.Alloc(size, AllocationStrategyMinTime)
}

// MallocBestFit allocates size bytes from the smallest free block that fits
func (a *Allocator) MallocBestFit(size int) (Ptr, error) {
	return a.Alloc(size, AllocationStrategyMinMemory)
}

// Alloc allocates size bytes with an explicit placement strategy
func (a *Allocator) Alloc(size int, strategy AllocationStrategy) (Ptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	p, err := a.alloc(size, strategy)
	if err != nil {
		return Nil, err
	}

	a.debugValidate()
	return p, nil
}

func (a *Allocator) alloc(size int, strategy AllocationStrategy) (Ptr, error) {
	if !a.initialized {
		return Nil, ErrNotInitialized
	}
	if size == 0 {
		return Nil, nil
	}
	if size < 0 {
		return Nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", size)
	}
	if size > a.store.MaxSize() {
		return Nil, errors.Wrapf(memutils.ErrOutOfMemory, "malloc: %d bytes can never fit in a %d byte heap", size, a.store.MaxSize())
	}

	want := adjustedSize(size)

	p := a.findFreeBlock(want, strategy)
	if p == Nil {
		var err error
		p, err = a.extendHeap(max(want, a.chunkSize))
		if err != nil {
			return Nil, err
		}
	}

	a.place(p, want)

	a.live.Put(p, size)
	a.allocCount++
	a.allocBytes += a.header(p).Size()
	a.requestedBytes += size

	return p, nil
}

// place turns the free block at p into an allocated block of at least want bytes. When the
// remainder would be smaller than MinBlockSize the whole block is handed out; otherwise
// the tail is split off as a new free block.
func (a *Allocator) place(p Ptr, want int) {
	hdr := a.header(p)
	if hdr.Allocated() {
		panic(errors.AssertionFailedf("block at offset %d is already taken", p))
	}
	size := hdr.Size()
	if size < want {
		panic(errors.AssertionFailedf("block at offset %d has %d bytes but %d were requested", p, size, want))
	}

	a.removeFreeBlock(p)

	if size-want < MinBlockSize {
		a.setHeader(p, Pack(size, hdr.PrevAllocated(), true))
		a.setPrevAllocated(a.nextBlock(p), true)
		return
	}

	a.setHeader(p, Pack(want, hdr.PrevAllocated(), true))

	// The block after the remainder already records a free predecessor
	rest := a.nextBlock(p)
	a.setTags(rest, Pack(size-want, true, false))
	a.insertFreeBlock(rest)
	a.stats.SplitCount++
}

// Free releases the allocation at p and merges it with any free neighbors. Free(Nil) is a
// no-op. Offsets that are not live allocations return an error wrapping ErrInvalidPointer
// and leave the heap untouched.
func (a *Allocator) Free(p Ptr) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.free(p)
	if err != nil {
		return err
	}

	a.debugValidate()
	return nil
}

func (a *Allocator) free(p Ptr) error {
	if p == Nil {
		return nil
	}
	if !a.initialized {
		return ErrNotInitialized
	}

	requested, ok := a.live.Get(p)
	if !ok {
		return errors.Wrapf(ErrInvalidPointer, "offset %d", p)
	}
	a.live.Delete(p)

	hdr := a.header(p)
	size := hdr.Size()

	a.allocCount--
	a.allocBytes -= size
	a.requestedBytes -= requested

	a.setTags(p, Pack(size, hdr.PrevAllocated(), false))
	a.setPrevAllocated(a.nextBlock(p), false)
	a.coalesce(p)

	return nil
}

// Realloc moves the allocation at p into a new allocation of size bytes, copying as much of
// the old payload as fits, and frees the old allocation. It never resizes in place.
//
// Realloc(Nil, size) behaves like Malloc(size). Realloc(p, 0) frees p and returns Nil. If
// the new allocation cannot be made, the error is returned and p stays live and unchanged.
func (a *Allocator) Realloc(p Ptr, size int) (Ptr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	newPtr, err := a.realloc(p, size)
	if err != nil {
		return Nil, err
	}

	a.debugValidate()
	return newPtr, nil
}

func (a *Allocator) realloc(p Ptr, size int) (Ptr, error) {
	if p == Nil {
		return a.alloc(size, a.strategy)
	}
	if !a.initialized {
		return Nil, ErrNotInitialized
	}
	if !a.live.Has(p) {
		return Nil, errors.Wrapf(ErrInvalidPointer, "offset %d", p)
	}
	if size == 0 {
		return Nil, a.free(p)
	}

	newPtr, err := a.alloc(size, a.strategy)
	if err != nil {
		return Nil, err
	}

	copySize := min(a.header(p).Size()-WordSize, size)
	copy(a.mem[newPtr:int(newPtr)+copySize], a.mem[p:int(p)+copySize])

	if err := a.free(p); err != nil {
		return Nil, err
	}
	return newPtr, nil
}

// Utilization returns the ratio of live requested bytes to the bytes obtained from the
// backing store, or 0 before Init
func (a *Allocator) Utilization() float64 {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	heapBytes := a.store.Size()
	if !a.initialized || heapBytes == 0 {
		return 0
	}

	return float64(a.requestedBytes) / float64(heapBytes)
}

// Payload returns the memory of the live allocation at p. The slice's length is the size
// requested from Malloc and its capacity is the full usable size of the block. It returns
// nil if p is not a live allocation.
func (a *Allocator) Payload(p Ptr) []byte {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	requested, ok := a.requested(p)
	if !ok {
		return nil
	}

	usable := a.header(p).Size() - WordSize
	return a.mem[p : int(p)+requested : int(p)+usable]
}

// UsableSize returns the number of payload bytes in the block at p, which may exceed the
// size that was requested, or 0 if p is not a live allocation
func (a *Allocator) UsableSize(p Ptr) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if _, ok := a.requested(p); !ok {
		return 0
	}

	return a.header(p).Size() - WordSize
}

func (a *Allocator) requested(p Ptr) (int, bool) {
	if !a.initialized || p == Nil {
		return 0, false
	}

	return a.live.Get(p)
}

// Destroy closes the backing store. If any allocations are still live, each one is logged
// and an error is returned without closing the store.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.initialized && a.allocCount > 0 {
		_ = a.visitAllBlocks(func(offset, size int, blockType BlockType) error {
			if blockType == BlockTypeAllocated {
				requested, _ := a.live.Get(Ptr(offset))
				a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
					slog.Int("offset", offset),
					slog.Int("size", size),
					slog.Int("requested", requested),
				)
			}
			return nil
		})

		return errors.Newf("%d allocations were not freed before the destruction of this allocator", a.allocCount)
	}

	a.resetState()
	return a.store.Close()
}
