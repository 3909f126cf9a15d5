// Package scratch manages the PSP-side scratch window the stub reserves
// for host allocations.
//
// Ownership boundary:
// - best-fit allocation out of an address-sorted free list
// - coalescing frees back into neighbouring free chunks
package scratch

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted reports that no free chunk can satisfy an allocation.
	ErrExhausted = errors.New("scratch: region exhausted")
	// ErrBadFree reports a free that does not line up with the region.
	ErrBadFree = errors.New("scratch: invalid free")
)

// chunk is one free range, linked in ascending address order.
type chunk struct {
	prev *chunk
	next *chunk
	addr uint32
	size uint32
}

// Allocator hands out sub-ranges of the scratch region. Best-fit on
// allocation, coalescing on free.
type Allocator struct {
	head *chunk
	base uint32
	size uint32
}

// New returns an allocator over [base, base+size).
func New(base, size uint32) *Allocator {
	return &Allocator{
		head: &chunk{addr: base, size: size},
		base: base,
		size: size,
	}
}

// Alloc carves cb bytes out of the best-fitting free chunk and returns its
// PSP address. Exact fits are spliced out whole; otherwise the chunk
// shrinks and its high end is returned.
func (a *Allocator) Alloc(cb uint32) (uint32, error) {
	if cb == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrExhausted)
	}
	var best *chunk
	for c := a.head; c != nil; c = c.next {
		if c.size < cb {
			continue
		}
		if best == nil || c.size < best.size {
			best = c
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%w: no chunk fits %d bytes", ErrExhausted, cb)
	}
	if best.size == cb {
		a.unlink(best)
		return best.addr, nil
	}
	best.size -= cb
	return best.addr + best.size, nil
}

// Free returns [addr, addr+cb) to the free list, merging with the chunk
// ending at addr and the chunk starting right after the freed range.
func (a *Allocator) Free(addr, cb uint32) error {
	if cb == 0 || addr < a.base || addr+cb > a.base+a.size {
		return fmt.Errorf("%w: range [%#x, %#x)", ErrBadFree, addr, addr+cb)
	}

	var prev *chunk
	c := a.head
	for c != nil && c.addr < addr {
		prev = c
		c = c.next
	}

	if prev != nil && prev.addr+prev.size == addr {
		// Append to the chunk ending at the freed address.
		prev.size += cb
		if c != nil && prev.addr+prev.size == c.addr {
			prev.size += c.size
			a.unlink(c)
		}
		return nil
	}
	if c != nil && addr+cb == c.addr {
		// Prepend to the chunk starting right after the freed range.
		c.addr = addr
		c.size += cb
		return nil
	}

	// No neighbour; insert in sort order between prev and c.
	n := &chunk{addr: addr, size: cb, prev: prev, next: c}
	if prev != nil {
		prev.next = n
	} else {
		a.head = n
	}
	if c != nil {
		c.prev = n
	}
	return nil
}

func (a *Allocator) unlink(c *chunk) {
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		a.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.prev = nil
	c.next = nil
}

// Range is one free extent, reported for inspection.
type Range struct {
	Addr uint32
	Size uint32
}

// FreeList returns the free chunks in ascending address order.
func (a *Allocator) FreeList() []Range {
	var out []Range
	for c := a.head; c != nil; c = c.next {
		out = append(out, Range{Addr: c.addr, Size: c.size})
	}
	return out
}
