// Package memmap models the description of installed physical memory that
// the boot/platform layer hands to the kernel. The raw region tuples come
// from whatever firmware interface the platform provides (multiboot, EFI,
// device tree); parsing them is the boot layer's job and this package only
// consumes the result.
package memmap

import (
	"sort"

	"borealis/kernel"
	"borealis/kernel/mem"
)

var (
	// ErrRegionOverlap is returned when the boot layer reports two
	// memory regions that overlap. A malformed memory map leaves no safe
	// ground to allocate from, so callers must treat this error as fatal.
	ErrRegionOverlap = &kernel.Error{Module: "memmap", Message: "memory map regions overlap"}
)

// RegionKind describes how a physical memory region may be used.
type RegionKind uint8

const (
	// RegionUsable flags memory that the frame allocator may hand out.
	RegionUsable RegionKind = iota

	// RegionReserved flags memory that must never be handed out: the
	// kernel image, boot structures and device-reserved windows.
	RegionReserved
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Region describes the half-open physical address range
// [Base, Base+Length) and the use its memory is put to.
type Region struct {
	// The physical address where this memory region begins.
	Base uint64

	// The length of the memory region in bytes.
	Length uint64

	// The kind of this region.
	Kind RegionKind
}

// End returns the first physical address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// Range describes a half-open physical address range [Base, Base+Length)
// that must be withheld from allocation, e.g. the range the kernel image was
// loaded into.
type Range struct {
	Base   uint64
	Length uint64
}

// Map is an immutable, normalized description of installed physical memory.
// It is built exactly once at boot and never mutated afterwards.
type Map struct {
	// regions holds the full normalized memory map: sorted by base
	// address, non-overlapping, with adjacent same-kind regions merged.
	regions []Region

	// usable holds the subset of the usable regions that remains after
	// every reserved range has been excised from them.
	usable []Region
}

// New builds a Map from the raw region tuples reported by the boot layer
// plus an explicit list of ranges that boot-time components require to stay
// untouched. The raw regions are sorted, merged and validated; a pair of
// overlapping regions yields ErrRegionOverlap. Each usable region is then
// clipped against every reserved range, which may split it into multiple
// disjoint usable sub-regions.
func New(rawRegions []Region, reservedRanges []Range) (*Map, *kernel.Error) {
	m := &Map{regions: normalize(rawRegions)}

	for i := 1; i < len(m.regions); i++ {
		if m.regions[i-1].End() > m.regions[i].Base {
			return nil, ErrRegionOverlap
		}
	}

	reserved := normalizeRanges(reservedRanges)
	for _, region := range m.regions {
		if region.Kind != RegionUsable {
			continue
		}
		m.usable = append(m.usable, clip(region, reserved)...)
	}

	return m, nil
}

// normalize sorts the supplied regions by base address, drops empty entries
// and merges adjacent regions of the same kind.
func normalize(raw []Region) []Region {
	regions := make([]Region, 0, len(raw))
	for _, r := range raw {
		if r.Length != 0 {
			regions = append(regions, r)
		}
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })

	var out []Region
	for _, r := range regions {
		if last := len(out) - 1; last >= 0 && out[last].Kind == r.Kind && out[last].End() == r.Base {
			out[last].Length += r.Length
			continue
		}
		out = append(out, r)
	}

	return out
}

// normalizeRanges sorts the reserved ranges by base address and merges the
// ones that touch or overlap. Reserved ranges are allowed to overlap each
// other and any region of the raw map; they only ever shrink the usable set.
func normalizeRanges(raw []Range) []Range {
	ranges := make([]Range, 0, len(raw))
	for _, r := range raw {
		if r.Length != 0 {
			ranges = append(ranges, r)
		}
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })

	var out []Range
	for _, r := range ranges {
		if last := len(out) - 1; last >= 0 && out[last].Base+out[last].Length >= r.Base {
			if end := r.Base + r.Length; end > out[last].Base+out[last].Length {
				out[last].Length = end - out[last].Base
			}
			continue
		}
		out = append(out, r)
	}

	return out
}

// clip excises every reserved range from the usable region, returning the
// disjoint sub-regions that survive.
func clip(usable Region, reserved []Range) []Region {
	var (
		out []Region
		cur = usable.Base
	)

	for _, res := range reserved {
		resEnd := res.Base + res.Length
		if resEnd <= cur || res.Base >= usable.End() {
			continue
		}

		if res.Base > cur {
			out = append(out, Region{Base: cur, Length: res.Base - cur, Kind: RegionUsable})
		}

		if resEnd > cur {
			cur = resEnd
		}

		if cur >= usable.End() {
			return out
		}
	}

	if cur < usable.End() {
		out = append(out, Region{Base: cur, Length: usable.End() - cur, Kind: RegionUsable})
	}

	return out
}

// RegionVisitor defines a visitor function that gets invoked by Visit for
// each region in the map. The visitor must return true to continue or false
// to abort the scan.
type RegionVisitor func(region *Region) bool

// Visit invokes the supplied visitor for each region of the normalized map
// in ascending base address order.
func (m *Map) Visit(visitor RegionVisitor) {
	for i := range m.regions {
		if !visitor(&m.regions[i]) {
			return
		}
	}
}

// Usable returns the usable regions that remain after reserved-range
// clipping, in ascending base address order. The returned slice is owned by
// the Map and must not be mutated.
func (m *Map) Usable() []Region {
	return m.usable
}

// TotalUsable returns the total amount of allocatable memory described by
// the map.
func (m *Map) TotalUsable() mem.Size {
	var total mem.Size
	for _, r := range m.usable {
		total += mem.Size(r.Length)
	}

	return total
}
