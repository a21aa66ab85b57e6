// Package memlib models the memory system underneath a heap allocator: a single linear
// arena with a fixed maximum size that can only be grown from the top, the way sbrk
// grows a process break.
//
// Stores never move their backing memory. A slice returned by Bytes stays valid (and
// keeps aliasing the arena) across later calls to Grow, so payload slices handed out
// by an allocator are not invalidated by heap growth.
//
// Stores are not safe for concurrent use.
package memlib

//go:generate mockgen -package mock_memlib -destination ./mocks/store.go github.com/vkngwrapper/tagheap/memutils/memlib Store

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/tagheap/memutils"
)

// DefaultMaxHeap is the arena limit used when a store is created with a max size of 0
const DefaultMaxHeap int = 20 * 1024 * 1024

// Store is the one capability an allocator consumes from the memory system: extend the
// arena by some number of bytes and learn where the extension begins.
type Store interface {
	// Grow extends the arena by incr bytes and returns the previous top, which is the
	// offset of the first new byte. It returns an error wrapping memutils.ErrOutOfMemory
	// if the arena would exceed MaxSize, in which case the arena is left unchanged.
	Grow(incr int) (int, error)
	// Top returns the offset one past the last byte of the arena
	Top() int
	// Base returns the offset of the first byte of the arena
	Base() int
	// Size returns the number of bytes currently in the arena
	Size() int
	// MaxSize returns the largest size the arena can reach
	MaxSize() int
	// Bytes returns the arena from Base to Top
	Bytes() []byte
	// Reset empties the arena without releasing its backing memory
	Reset()
	// Close releases the backing memory. The store may not be used afterward.
	Close() error
}

func checkGrow(brk, incr, maxSize int) error {
	if incr < 0 {
		return errors.Newf("memlib: cannot shrink the arena (incr %d)", incr)
	}
	// brk+incr can overflow for huge requests
	if incr > maxSize-brk {
		return errors.Wrapf(memutils.ErrOutOfMemory, "memlib: growing by %d bytes would exceed the %d byte limit (%d in use)", incr, maxSize, brk)
	}

	return nil
}

// SliceStore is a Store over a byte slice allocated up front at its maximum size.
type SliceStore struct {
	buf []byte
	brk int
}

var _ Store = &SliceStore{}

// NewSliceStore creates a SliceStore that can grow to maxSize bytes. A maxSize of 0
// selects DefaultMaxHeap.
func NewSliceStore(maxSize int) *SliceStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeap
	}

	return &SliceStore{
		buf: make([]byte, maxSize),
	}
}

func (s *SliceStore) Grow(incr int) (int, error) {
	if s.buf == nil {
		return 0, errors.New("memlib: store is closed")
	}
	if err := checkGrow(s.brk, incr, len(s.buf)); err != nil {
		return 0, err
	}

	oldBrk := s.brk
	s.brk += incr
	return oldBrk, nil
}

func (s *SliceStore) Top() int     { return s.brk }
func (s *SliceStore) Base() int    { return 0 }
func (s *SliceStore) Size() int    { return s.brk }
func (s *SliceStore) MaxSize() int { return len(s.buf) }

func (s *SliceStore) Bytes() []byte {
	return s.buf[:s.brk:s.brk]
}

func (s *SliceStore) Reset() {
	s.brk = 0
}

func (s *SliceStore) Close() error {
	s.buf = nil
	s.brk = 0
	return nil
}
