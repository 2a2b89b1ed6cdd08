package pmm

// GlobalBytes returns length bytes starting at the flat physical byte offset
// offset within the direct-mapped backing store — the physical-address
// analogue of biscuit's Dmaplen (biscuit/src/mem/dmap.go), used by
// kmalloc to view a contiguous run of frames as one slice.
func (p *PMM) GlobalBytes(offset, length uint64) []byte {
	p.ensureBacking()
	return p.backing[offset : offset+length]
}
