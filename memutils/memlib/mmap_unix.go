//go:build unix

package memlib

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapStore is a Store over an anonymous private mapping reserved at its maximum size.
// Pages are only committed by the kernel when the allocator first touches them, so a
// large limit costs nothing until the arena actually grows into it.
type MmapStore struct {
	mapping []byte
	brk     int
}

var _ Store = &MmapStore{}

// NewMmapStore reserves maxSize bytes of address space for the arena. A maxSize of 0
// selects DefaultMaxHeap.
func NewMmapStore(maxSize int) (Store, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeap
	}

	mapping, err := unix.Mmap(-1, 0, maxSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "memlib: could not reserve %d bytes", maxSize)
	}

	return &MmapStore{mapping: mapping}, nil
}

func (s *MmapStore) Grow(incr int) (int, error) {
	if s.mapping == nil {
		return 0, errors.New("memlib: store is closed")
	}
	if err := checkGrow(s.brk, incr, len(s.mapping)); err != nil {
		return 0, err
	}

	oldBrk := s.brk
	s.brk += incr
	return oldBrk, nil
}

func (s *MmapStore) Top() int     { return s.brk }
func (s *MmapStore) Base() int    { return 0 }
func (s *MmapStore) Size() int    { return s.brk }
func (s *MmapStore) MaxSize() int { return len(s.mapping) }

func (s *MmapStore) Bytes() []byte {
	return s.mapping[:s.brk:s.brk]
}

// Reset empties the arena and hands the touched pages back to the kernel.
func (s *MmapStore) Reset() {
	if s.brk > 0 {
		_ = unix.Madvise(s.mapping[:s.brk], unix.MADV_DONTNEED)
	}
	s.brk = 0
}

func (s *MmapStore) Close() error {
	if s.mapping == nil {
		return nil
	}

	err := unix.Munmap(s.mapping)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		err = nil
	}
	s.mapping = nil
	s.brk = 0
	return err
}
