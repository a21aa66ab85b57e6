package malloc

import "encoding/binary"

const (
	// WordSize is the size in bytes of a header, a footer and each free-list link
	WordSize int = 8
	// Alignment is the granularity of every block size and payload offset
	Alignment int = 2 * WordSize
	// MinBlockSize is the smallest block that can be free: a header, the two free-list
	// links and a footer. Every allocation is rounded up to at least this size.
	MinBlockSize int = 2 * Alignment
	// DefaultChunkSize is the number of bytes the heap grows by when no free block fits
	DefaultChunkSize int = 1 << 12

	prologueSize    = Alignment
	initialHeapSize = 4 * WordSize
)

const (
	allocBit     Word = 1 << 0
	prevAllocBit Word = 1 << 1
	flagMask          = allocBit | prevAllocBit
)

// Ptr is the offset of a payload within the heap arena. It is the address handed out
// by Malloc and accepted by Free and Realloc.
type Ptr int

// Nil is the null Ptr. Offset 0 holds the alignment pad word, so it is never a payload.
const Nil Ptr = 0

// Word is a boundary tag: a block size with the block's allocation state in bit 0 and
// the physical predecessor's allocation state in bit 1. Sizes are multiples of
// Alignment, so the flag bits never overlap the size.
type Word uint64

// Pack builds a boundary tag
func Pack(size int, prevAllocated, allocated bool) Word {
	w := Word(size) &^ flagMask
	if prevAllocated {
		w |= prevAllocBit
	}
	if allocated {
		w |= allocBit
	}
	return w
}

func (w Word) Size() int {
	return int(w &^ flagMask)
}

func (w Word) Allocated() bool {
	return w&allocBit != 0
}

func (w Word) PrevAllocated() bool {
	return w&prevAllocBit != 0
}

func (w Word) WithAllocated(allocated bool) Word {
	return Pack(w.Size(), w.PrevAllocated(), allocated)
}

func (w Word) WithPrevAllocated(prevAllocated bool) Word {
	return Pack(w.Size(), prevAllocated, w.Allocated())
}

// BlockType identifies the kind of block reported by VisitAllBlocks
type BlockType uint32

const (
	BlockTypeFree BlockType = iota
	BlockTypeAllocated
	BlockTypePrologue
	BlockTypeEpilogue
)

var blockTypeMapping = map[BlockType]string{
	BlockTypeFree:      "Free",
	BlockTypeAllocated: "Allocated",
	BlockTypePrologue:  "Prologue",
	BlockTypeEpilogue:  "Epilogue",
}

func (t BlockType) String() string {
	return blockTypeMapping[t]
}

// All arena arithmetic lives below. Blocks are addressed by payload offset: the
// header sits one word before the payload and a free block's footer sits in the
// block's last word.

func (a *Allocator) word(offset int) Word {
	return Word(binary.LittleEndian.Uint64(a.mem[offset : offset+WordSize]))
}

func (a *Allocator) putWord(offset int, w Word) {
	binary.LittleEndian.PutUint64(a.mem[offset:offset+WordSize], uint64(w))
}

func (a *Allocator) header(p Ptr) Word {
	return a.word(int(p) - WordSize)
}

func (a *Allocator) setHeader(p Ptr, w Word) {
	a.putWord(int(p)-WordSize, w)
}

// footer is only meaningful for free blocks (and the prologue)
func (a *Allocator) footer(p Ptr) Word {
	return a.word(int(p) + a.header(p).Size() - Alignment)
}

// setFooter places the footer using the size stored in w, not the current header
func (a *Allocator) setFooter(p Ptr, w Word) {
	a.putWord(int(p)+w.Size()-Alignment, w)
}

// setTags writes the same tag as header and footer
func (a *Allocator) setTags(p Ptr, w Word) {
	a.setHeader(p, w)
	a.setFooter(p, w)
}

func (a *Allocator) setPrevAllocated(p Ptr, prevAllocated bool) {
	a.setHeader(p, a.header(p).WithPrevAllocated(prevAllocated))
}

func (a *Allocator) nextBlock(p Ptr) Ptr {
	return p + Ptr(a.header(p).Size())
}

// prevBlock reads the predecessor's footer, so the predecessor must be free
func (a *Allocator) prevBlock(p Ptr) Ptr {
	return p - Ptr(a.word(int(p)-Alignment).Size())
}

func (a *Allocator) pred(p Ptr) Ptr {
	return Ptr(a.word(int(p)))
}

func (a *Allocator) succ(p Ptr) Ptr {
	return Ptr(a.word(int(p) + WordSize))
}

func (a *Allocator) setPred(p Ptr, link Ptr) {
	a.putWord(int(p), Word(link))
}

func (a *Allocator) setSucc(p Ptr, link Ptr) {
	a.putWord(int(p)+WordSize, Word(link))
}
