// Package platform models the boot-stage memory services the table loader
// runs against: page-granular allocation under an address ceiling, and
// scoped ownership of the resulting ranges.
package platform

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granularity. Alignment requests finer than
// this cannot be honored.
const PageSize = 4096

var ErrOutOfResources = errors.New("platform: out of page resources")

// PagesFor returns the number of whole pages covering size bytes.
func PagesFor(size int) int {
	return (size + PageSize - 1) / PageSize
}

// ---------------------------------------------------------------------------
// PageRange: a scoped-ownership handle over an allocated page run
// ---------------------------------------------------------------------------

// PageRange is an allocated run of pages. The holder either Commits the
// range (ownership passes to some longer-lived consumer and the backing
// pages survive this run) or Releases it (the pages go back to the
// allocator). Release after Commit is a no-op, so a deferred Release is
// always safe.
type PageRange struct {
	base      uint64
	data      []byte
	free      func()
	committed bool
	released  bool
}

// NewPageRange wraps an allocated range. free is invoked at most once, on
// Release of an uncommitted range; it may be nil.
func NewPageRange(base uint64, data []byte, free func()) *PageRange {
	return &PageRange{base: base, data: data, free: free}
}

// Base returns the range's starting address.
func (r *PageRange) Base() uint64 { return r.base }

// Size returns the byte length of the range (a whole number of pages).
func (r *PageRange) Size() int { return len(r.data) }

// Pages returns the number of pages in the range.
func (r *PageRange) Pages() int { return len(r.data) / PageSize }

// Bytes returns the backing memory of the range.
func (r *PageRange) Bytes() []byte { return r.data }

// Commit marks the range as handed off. A committed range is never
// returned to the allocator.
func (r *PageRange) Commit() { r.committed = true }

// Release returns an uncommitted range to its allocator. Idempotent.
func (r *PageRange) Release() {
	if r.committed || r.released {
		return
	}
	r.released = true
	if r.free != nil {
		r.free()
	}
}

// PageAllocator reserves page runs whose last byte lies at or below
// maxAddr.
type PageAllocator interface {
	Allocate(pages int, maxAddr uint64) (*PageRange, error)
}

// ---------------------------------------------------------------------------
// ArenaAllocator: deterministic in-memory allocator
// ---------------------------------------------------------------------------

// Region bases chosen so that ceiling-constrained allocations land in a
// visibly different address range than unconstrained ones.
const (
	arenaLowBase  uint64 = 0x0010_0000     // 1 MiB
	arenaHighBase uint64 = 0x1_0000_0000   // 4 GiB
	arenaHighCeil uint64 = 0x10_0000_0000  // 64 GiB
)

// ArenaAllocator is a bump allocator over two simulated physical regions:
// a low region below 4 GiB for ceiling-constrained requests and a high
// region above it for unconstrained ones. It tracks live ranges so callers
// can assert that every allocation was either committed or released.
type ArenaAllocator struct {
	lowNext  uint64
	highNext uint64
	live     int
	allocs   int
}

func NewArenaAllocator() *ArenaAllocator {
	return &ArenaAllocator{lowNext: arenaLowBase, highNext: arenaHighBase}
}

// Allocate reserves a run of pages whose highest byte does not exceed
// maxAddr.
func (a *ArenaAllocator) Allocate(pages int, maxAddr uint64) (*PageRange, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("platform: allocate %d pages: %w", pages, ErrOutOfResources)
	}
	size := uint64(pages) * PageSize

	var base, ceil uint64
	if maxAddr < arenaHighBase {
		base, ceil = a.lowNext, maxAddr
	} else {
		base, ceil = a.highNext, min(maxAddr, arenaHighCeil-1)
	}
	if base+size-1 > ceil {
		return nil, fmt.Errorf("platform: allocate %d pages below %#x: %w", pages, maxAddr, ErrOutOfResources)
	}

	if maxAddr < arenaHighBase {
		a.lowNext = base + size
	} else {
		a.highNext = base + size
	}
	a.live++
	a.allocs++
	return NewPageRange(base, make([]byte, size), func() { a.live-- }), nil
}

// Live returns the number of allocated ranges not yet released. Committed
// ranges stay resident for the platform's lifetime and keep counting as
// live.
func (a *ArenaAllocator) Live() int { return a.live }

// Allocs returns the total number of successful allocations.
func (a *ArenaAllocator) Allocs() int { return a.allocs }
