package malloc

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/internal/utils"
	"github.com/vkngwrapper/tagheap/memutils"
	"github.com/vkngwrapper/tagheap/memutils/memlib"
	"golang.org/x/exp/slog"
)

var (
	// ErrNotInitialized is returned by operations on an allocator whose Init has not
	// succeeded
	ErrNotInitialized = errors.New("malloc: allocator is not initialized")
	// ErrInvalidPointer is returned when Free or Realloc receive an offset that is not a
	// live allocation of this allocator
	ErrInvalidPointer = errors.New("malloc: pointer is not a live allocation")
	// ErrInvalidSize is returned for negative request sizes
	ErrInvalidSize = errors.New("malloc: invalid allocation size")
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateSynchronized guards every allocator method with an internal
	// read/write mutex. Without it, the consumer must guarantee that the allocator (and
	// its store) is used from only one goroutine at a time.
	AllocatorCreateSynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateSynchronized: "AllocatorCreateSynchronized",
}

func (f CreateFlags) String() string {
	var names []string
	for bit := CreateFlags(1); bit != 0; bit <<= 1 {
		name, known := createFlagsMapping[bit]
		if known && f&bit != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy is the placement policy used by Malloc and Realloc. MallocFirstFit and
	// MallocBestFit ignore it.
	Strategy AllocationStrategy
	// ChunkSize is the minimum number of bytes the heap grows by when no free block fits,
	// and the size of the first free block created by Init. It must be a multiple of
	// Alignment, and the store must be able to hold it alongside the 32 bytes of prologue
	// and epilogue. Zero selects DefaultChunkSize.
	ChunkSize int
}

// OperationCounters are running totals kept for instrumentation. They never influence
// allocation decisions.
type OperationCounters struct {
	// ExtendCalls is the number of times the heap was grown after Init
	ExtendCalls int
	// ExtendBytes is the number of bytes added by those extensions
	ExtendBytes int
	// SplitCount is the number of allocations that split a free block
	SplitCount int
	// CoalesceCount is the number of times a free block was merged with a neighbor
	CoalesceCount int
}

// New creates a new Allocator over the provided store. The allocator cannot be used until
// Init succeeds.
//
// logger - Receives debug records about heap growth and error records about leaks. May be nil.
//
// store - The backing memory. The allocator takes ownership of it: Init resets it and
// Destroy closes it.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, store memlib.Store, options CreateOptions) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("malloc: a backing store is required")
	}

	memutils.DebugCheckPow2(Alignment, "Alignment")

	chunkSize := options.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || memutils.AlignUp(chunkSize, uint(Alignment)) != chunkSize {
		return nil, errors.Newf("malloc: CreateOptions.ChunkSize must be a positive multiple of %d, but was %d", Alignment, chunkSize)
	}
	if chunkSize > store.MaxSize()-initialHeapSize {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "malloc: a chunk of %d bytes cannot fit in a store limited to %d bytes", chunkSize, store.MaxSize())
	}

	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	return &Allocator{
		logger:    logger,
		store:     store,
		mutex:     utils.NewOptionalRWMutex(options.Flags&AllocatorCreateSynchronized != 0),
		strategy:  options.Strategy,
		chunkSize: chunkSize,
	}, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
