// Package physmem implements the process-wide guest RAM singleton (C1).
//
// Memory is a flat, host-backed byte array with no address translation of its
// own: every address it accepts is already physical. Allocation is tracked by
// a parallel bitmap plus an ordered slice so callers can enumerate allocated
// pages (used by the MMU's lazy table/page allocation and by tests that need
// free_all_pages for isolation).
package physmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the guest (and host) page size assumed throughout the
// simulator. The MMU's Sv39/48/57/64 walks all use this page granularity.
const PageSize = hostarch.PageSize

// Memory is a host-mmap'd flat address space modeling guest physical RAM.
// The zero value is not usable; construct with New.
type Memory struct {
	mu        sync.Mutex
	bytes     []byte
	pageCount uint64
	allocated []bool
	order     []uint64
}

// New mmaps size bytes of anonymous, zeroed memory. size must be a nonzero
// multiple of PageSize.
func New(size uint64) (*Memory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("physmem: size %#x is not a nonzero multiple of the page size", size)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	return &Memory{
		bytes:     b,
		pageCount: size / PageSize,
		allocated: make([]bool, size/PageSize),
	}, nil
}

// Close unmaps the backing memory. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytes == nil {
		return nil
	}
	err := unix.Munmap(m.bytes)
	m.bytes = nil
	return err
}

// Size returns the total number of bytes backing this Memory.
func (m *Memory) Size() uint64 { return uint64(len(m.bytes)) }

// PageCount returns the number of PageSize-sized pages backing this Memory.
func (m *Memory) PageCount() uint64 { return m.pageCount }

// AllocatePage marks pageNumber as allocated. Allocation is idempotent: a
// page that is already allocated is left untouched.
func (m *Memory) AllocatePage(pageNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocatePageLocked(pageNumber)
}

func (m *Memory) allocatePageLocked(pageNumber uint64) error {
	if pageNumber >= m.pageCount {
		return fmt.Errorf("physmem: page %d out of range (%d pages total)", pageNumber, m.pageCount)
	}
	if m.allocated[pageNumber] {
		return nil
	}
	m.allocated[pageNumber] = true
	m.order = append(m.order, pageNumber)
	return nil
}

// FreePage releases pageNumber. Freeing an unallocated or out-of-range page
// is a silent no-op.
func (m *Memory) FreePage(pageNumber uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pageNumber >= m.pageCount || !m.allocated[pageNumber] {
		return
	}
	m.allocated[pageNumber] = false
	for i, p := range m.order {
		if p == pageNumber {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// FreeAllPages releases every allocated page and zeroes the backing store.
// Intended for test isolation between simulation runs that share one Memory.
func (m *Memory) FreeAllPages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.allocated {
		m.allocated[i] = false
	}
	m.order = m.order[:0]
	clear(m.bytes)
}

// GetEmptyPageNumber returns the number of any currently unallocated page.
func (m *Memory) GetEmptyPageNumber() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint64(0); i < m.pageCount; i++ {
		if !m.allocated[i] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("physmem: no free pages left out of %d", m.pageCount)
}

// AllocatedPages returns a snapshot of the currently allocated page numbers,
// in allocation order.
func (m *Memory) AllocatedPages() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.order))
	copy(out, m.order)
	return out
}

// Read copies len(dst) bytes starting at paddr into dst. Reads that would
// straddle the end of memory are rejected.
func (m *Memory) Read(paddr uint64, dst []byte) error {
	end := paddr + uint64(len(dst))
	if end > uint64(len(m.bytes)) || end < paddr {
		return fmt.Errorf("physmem: read [%#x, %#x) exceeds memory size %#x", paddr, end, len(m.bytes))
	}
	copy(dst, m.bytes[paddr:end])
	return nil
}

// Write copies src into memory starting at paddr. Writes that would straddle
// the end of memory are rejected.
func (m *Memory) Write(paddr uint64, src []byte) error {
	end := paddr + uint64(len(src))
	if end > uint64(len(m.bytes)) || end < paddr {
		return fmt.Errorf("physmem: write [%#x, %#x) exceeds memory size %#x", paddr, end, len(m.bytes))
	}
	copy(m.bytes[paddr:end], src)
	return nil
}
