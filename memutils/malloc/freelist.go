package malloc

import "fmt"

// The free list is an unordered doubly-linked list threaded through the first two
// payload words of every free block. New blocks always go to the head.

func (a *Allocator) insertFreeBlock(p Ptr) {
	hdr := a.header(p)
	if hdr.Allocated() {
		panic(fmt.Sprintf("block at offset %d is not free", p))
	}

	a.setPred(p, Nil)
	a.setSucc(p, a.freeHead)
	if a.freeHead != Nil {
		a.setPred(a.freeHead, p)
	}
	a.freeHead = p

	a.freeCount++
	a.freeBytes += hdr.Size()
}

// removeFreeBlock must run before the block's tags are overwritten: it reads the size
// from the header to keep the free byte count honest
func (a *Allocator) removeFreeBlock(p Ptr) {
	hdr := a.header(p)
	if hdr.Allocated() {
		panic(fmt.Sprintf("block at offset %d is in the free list but is not free", p))
	}

	prev := a.pred(p)
	next := a.succ(p)

	if prev != Nil {
		a.setSucc(prev, next)
	} else {
		if a.freeHead != p {
			panic(fmt.Sprintf("block at offset %d has no predecessor but is not the head of the free list", p))
		}
		a.freeHead = next
	}

	if next != Nil {
		a.setPred(next, prev)
	}

	a.freeCount--
	a.freeBytes -= hdr.Size()
}
