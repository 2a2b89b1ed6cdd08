package pmm

// Bytes returns the direct-mapped backing storage for frame f, sized
// PageSize. This stands in for biscuit's direct map
// (biscuit/src/mem/dmap.go's Dmap/Dmap8), which turns a physical address
// into a kernel-virtual slice through a 1:1 offset mapping; here, since
// there is no real physical memory to map, the PMM simply owns one big byte
// arena and slices it per frame.
func (p *PMM) Bytes(f Frame) []byte {
	p.ensureBacking()
	i := uint64(f)
	if i >= p.n {
		panic("pmm: Bytes of out-of-range frame")
	}
	off := i * PageSize
	return p.backing[off : off+PageSize]
}
