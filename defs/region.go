package defs

// Region identifies one of the four fixed address-space partitions:
// VOLATILE, ATLAS, AETHER, KERNEL (low to high).
type Region uint8

const (
	RegionVolatile Region = iota
	RegionAtlas
	RegionAether
	RegionKernel
	nregions
)

func (r Region) String() string {
	switch r {
	case RegionVolatile:
		return "VOLATILE"
	case RegionAtlas:
		return "ATLAS"
	case RegionAether:
		return "AETHER"
	case RegionKernel:
		return "KERNEL"
	default:
		return "UNKNOWN"
	}
}

// RegionShift is the number of low bits reserved to each region before the
// region tag, giving each partition a 2^48 byte window — generalized from
// biscuit's PML4-slot bit math in mem/dmap.go (VREC/VDIRECT/VUSER are
// each one top-level page-table slot, i.e. one 1<<39 aligned window); here
// we tag regions the same way biscuit's defs.Mkdev/Unmkdev packs a
// major/minor pair into one word, but over virtual addresses instead of
// device numbers.
const RegionShift = 48

// MkRegionAddr packs a region tag and an offset within it into a single
// virtual address.
func MkRegionAddr(r Region, offset uint64) uint64 {
	if offset>>RegionShift != 0 {
		panic("defs: offset overflows region window")
	}
	return uint64(r)<<RegionShift | offset
}

// UnmkRegionAddr splits a virtual address into its region tag and offset.
func UnmkRegionAddr(addr uint64) (Region, uint64) {
	r := Region(addr >> RegionShift)
	off := addr & (1<<RegionShift - 1)
	return r, off
}
