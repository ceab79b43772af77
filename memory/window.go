package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bobuhiro11/govisor/paging"
)

var (
	ErrNoSpace = errors.New("no free range in window")

	errRegionOccupied = errors.New("range already occupied")
	errRegionNotFound = errors.New("unable to find region")
	errBadAlign       = errors.New("alignment is not a power of two")
)

// Region is an allocated range of a window.
type Region struct {
	Name  string
	Start paging.PhysAddr
	Size  uint64
}

func (r *Region) End() paging.PhysAddr { return r.Start + paging.PhysAddr(r.Size) }

// Window is the slice of physical memory owned by one core. Regions are
// kept sorted by start address.
type Window struct {
	mem     *Memory
	start   paging.PhysAddr
	size    uint64
	regions []*Region
}

// Window carves [start, start+size) out of m.
func (m *Memory) Window(start paging.PhysAddr, size uint64) (*Window, error) {
	if _, err := m.Slice(start, size); err != nil {
		return nil, err
	}

	return &Window{mem: m, start: start, size: size}, nil
}

func (w *Window) Memory() *Memory { return w.mem }

func (w *Window) Start() paging.PhysAddr { return w.start }

func (w *Window) Size() uint64 { return w.size }

func (w *Window) Regions() []Region {
	out := make([]Region, 0, len(w.regions))
	for _, r := range w.regions {
		out = append(out, *r)
	}

	return out
}

// IsFree reports whether [start, start+size) lies in the window and
// overlaps no region.
func (w *Window) IsFree(start paging.PhysAddr, size uint64) bool {
	end := start + paging.PhysAddr(size)
	if start < w.start || end > w.start+paging.PhysAddr(w.size) || end < start {
		return false
	}

	for _, r := range w.regions {
		if start < r.End() && r.Start < end {
			return false
		}
	}

	return true
}

// Reserve claims a fixed range.
func (w *Window) Reserve(name string, start paging.PhysAddr, size uint64) (*Region, error) {
	if !w.IsFree(start, size) {
		return nil, fmt.Errorf("%w: %s [%#x, +%#x)", errRegionOccupied, name, uint64(start), size)
	}

	r := &Region{Name: name, Start: start, Size: size}
	w.insert(r)

	return r, nil
}

// Alloc claims the lowest free range of size bytes aligned to align.
func (w *Window) Alloc(name string, size, align uint64) (*Region, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: %#x", errBadAlign, align)
	}

	cand := alignUp(w.start, align)

	for _, r := range w.regions {
		if cand+paging.PhysAddr(size) <= r.Start {
			break
		}

		if r.End() > cand {
			cand = alignUp(r.End(), align)
		}
	}

	if !w.IsFree(cand, size) {
		return nil, fmt.Errorf("%w: %s needs %#x bytes", ErrNoSpace, name, size)
	}

	r := &Region{Name: name, Start: cand, Size: size}
	w.insert(r)

	return r, nil
}

func (w *Window) Free(r *Region) error {
	for i, x := range w.regions {
		if x == r {
			w.regions = append(w.regions[:i], w.regions[i+1:]...)

			return nil
		}
	}

	return errRegionNotFound
}

func (w *Window) insert(r *Region) {
	w.regions = append(w.regions, r)
	sort.Slice(w.regions, func(i, j int) bool { return w.regions[i].Start < w.regions[j].Start })
}

func alignUp(a paging.PhysAddr, align uint64) paging.PhysAddr {
	return paging.PhysAddr((uint64(a) + align - 1) &^ (align - 1))
}
