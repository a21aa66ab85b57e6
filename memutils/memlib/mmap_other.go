//go:build !unix

package memlib

// NewMmapStore falls back to a SliceStore on platforms without mmap.
func NewMmapStore(maxSize int) (Store, error) {
	return NewSliceStore(maxSize), nil
}
