package atlas

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Backend abstracts Atlas's backing store: file+mmap in userspace, a
// block device in kernel. Atlas
// code never branches on which backend it holds beyond picking one at
// construction, grounded on biscuit's Disk_i/Blockmem_i split in
// biscuit/src/fs/blk.go — a narrow interface an embedder swaps wholesale.
type Backend interface {
	// Open maps size bytes backing path, creating and zero-extending the
	// file first if create is set, and returns the live byte view.
	Open(path string, size int64, create bool) ([]byte, error)
	// SyncRange flushes bytes [offset, offset+length) to durable storage.
	SyncRange(offset, length int) error
	// Close unmaps and releases the backend.
	Close() error
}

// MMapBackend is a userspace Backend backed by a real file, mapped with
// mmap via golang.org/x/sys/unix (grounded on
// gravwell-gravwell/ipexist/mmap.go's raw-syscall mmap backend, generalized
// to the portable unix.Mmap/Msync/Munmap wrappers).
type MMapBackend struct {
	file *os.File
	data []byte
}

// Open implements Backend.
func (b *MMapBackend) Open(path string, size int64, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("atlas: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("atlas: truncate %s: %w", path, err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("atlas: mmap %s: %w", path, err)
	}
	b.file = f
	b.data = data
	return data, nil
}

// SyncRange implements Backend via msync on the mapped region.
func (b *MMapBackend) SyncRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(b.data) {
		return fmt.Errorf("atlas: sync range out of bounds")
	}
	return unix.Msync(b.data[offset:offset+length], unix.MS_SYNC)
}

// Close implements Backend.
func (b *MMapBackend) Close() error {
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			return err
		}
		b.data = nil
	}
	if b.file != nil {
		return b.file.Close()
	}
	return nil
}

// MemBackend is an in-memory, non-persistent Backend used by tests and by
// embedders with no durable storage (e.g. a RAM-disk boot stage). SyncRange
// is a no-op since there is nothing beyond process memory to flush to.
type MemBackend struct {
	data []byte
}

// Open implements Backend.
func (b *MemBackend) Open(path string, size int64, create bool) ([]byte, error) {
	b.data = make([]byte, size)
	return b.data, nil
}

// SyncRange implements Backend.
func (b *MemBackend) SyncRange(offset, length int) error { return nil }

// Close implements Backend.
func (b *MemBackend) Close() error {
	b.data = nil
	return nil
}
