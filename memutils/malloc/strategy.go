package malloc

import "strings"

// AllocationStrategy chooses which free block satisfies a request. When several are
// set, MinTime wins over MinMemory, which wins over MinOffset. If none is set, the
// allocator uses first fit.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects best fit: the whole free list is scanned for the
	// smallest block that is large enough, and the first such block in list order wins ties.
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects first fit: the first block in the free list that is
	// large enough. The list is LIFO, so this favors recently freed blocks.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the large-enough free block with the lowest offset,
	// packing live data toward the bottom of the heap at the cost of a full scan.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
	AllocationStrategyMinOffset: "AllocationStrategyMinOffset",
}

func (s AllocationStrategy) String() string {
	if s == 0 {
		return "AllocationStrategyDefault"
	}

	var names []string
	for bit := AllocationStrategyMinMemory; bit <= AllocationStrategyMinOffset; bit <<= 1 {
		if s&bit != 0 {
			names = append(names, allocationStrategyMapping[bit])
		}
	}
	return strings.Join(names, "|")
}

func (a *Allocator) findFreeBlock(want int, strategy AllocationStrategy) Ptr {
	if strategy&AllocationStrategyMinTime != 0 {
		return a.findFirstFit(want)
	} else if strategy&AllocationStrategyMinMemory != 0 {
		return a.findBestFit(want)
	} else if strategy&AllocationStrategyMinOffset != 0 {
		return a.findLowestFit(want)
	}

	return a.findFirstFit(want)
}

func (a *Allocator) findFirstFit(want int) Ptr {
	for p := a.freeHead; p != Nil; p = a.succ(p) {
		if a.header(p).Size() >= want {
			return p
		}
	}

	return Nil
}

func (a *Allocator) findBestFit(want int) Ptr {
	best := Nil
	bestSize := 0

	for p := a.freeHead; p != Nil; p = a.succ(p) {
		size := a.header(p).Size()
		if size < want {
			continue
		}

		if best == Nil || size < bestSize {
			best = p
			bestSize = size

			// Nothing later can beat an exact fit
			if size == want {
				break
			}
		}
	}

	return best
}

func (a *Allocator) findLowestFit(want int) Ptr {
	lowest := Nil

	for p := a.freeHead; p != Nil; p = a.succ(p) {
		if a.header(p).Size() >= want && (lowest == Nil || p < lowest) {
			lowest = p
		}
	}

	return lowest
}
