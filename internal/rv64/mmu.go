package rv64

import (
	"fmt"
	"os"

	"rvsim/internal/physmem"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// SATP translation modes, packed into SATP bits [60..63].
const (
	SatpModeBare = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
	SatpModeSv57 = 10
	SatpModeSv64 = 11
)

// PTE attribute bits, packed into the low byte of a page table entry.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6
	pteD = 1 << 7
)

const pteSize = 8

// pagingParams describes one SATP mode's walk shape.
type pagingParams struct {
	levels       int
	addressWidth uint
}

var pagingByMode = map[uint64]pagingParams{
	SatpModeSv39: {levels: 3, addressWidth: 39},
	SatpModeSv48: {levels: 4, addressWidth: 48},
	SatpModeSv57: {levels: 5, addressWidth: 57},
	SatpModeSv64: {levels: 6, addressWidth: 64},
}

// Fault enumerates the MMU's recoverable exception taxonomy (spec §7).
type Fault int

const (
	FaultNonCanonicalAddress Fault = iota
	FaultPTENotValid
	FaultWriteNoRead
	FaultNoReadPerm
	FaultNoWritePerm
	FaultNoExecutePerm
	FaultNoLeafPTE
	FaultMisalignedSuperpage
	FaultUnsupported
)

func (f Fault) String() string {
	switch f {
	case FaultNonCanonicalAddress:
		return "NONCANONICAL_ADDRESS"
	case FaultPTENotValid:
		return "PTE_NOT_VALID"
	case FaultWriteNoRead:
		return "WRITE_NO_READ"
	case FaultNoReadPerm:
		return "NO_READ_PERM"
	case FaultNoWritePerm:
		return "NO_WRITE_PERM"
	case FaultNoExecutePerm:
		return "NO_EXECUTE_PERM"
	case FaultNoLeafPTE:
		return "NO_LEAF_PTE"
	case FaultMisalignedSuperpage:
		return "MISALIGNED_SUPERPAGE"
	default:
		return "UNSUPPORTED"
	}
}

// FaultError is raised by a walk and passed to the installed ExceptionHandler.
type FaultError struct {
	Fault Fault
	VAddr uint64
}

func (e FaultError) Error() string {
	return fmt.Sprintf("mmu: %s at %#x", e.Fault, e.VAddr)
}

var _ error = FaultError{}

// ExceptionHandler is consulted whenever a walk faults. Returning true means
// "abort": translation yields 0 and the FaultError is returned to the caller;
// returning false means "continue": translation yields 0 with no error (the
// handler itself may still choose to exit the process, as
// DefaultExceptionHandler does).
type ExceptionHandler func(FaultError) bool

// DefaultExceptionHandler prints the fault to stderr and terminates the
// process, matching spec §4.2's documented default behaviour.
func DefaultExceptionHandler(err FaultError) bool {
	fmt.Fprintf(os.Stderr, "rvsim: %v\n", err)
	os.Exit(1)
	return true
}

// MMU implements the Sv39/48/57/64 software page-table walk over a shared
// PhysicalMemory.
type MMU struct {
	mem     *physmem.Memory
	satp    uint64
	handler ExceptionHandler
}

// NewMMU constructs an MMU bound to mem with the default exception handler.
func NewMMU(mem *physmem.Memory) *MMU {
	return &MMU{mem: mem, handler: DefaultExceptionHandler}
}

// SetExceptionHandler installs a custom fault handler (tests substitute a
// recording handler per spec §7).
func (m *MMU) SetExceptionHandler(h ExceptionHandler) { m.handler = h }

// SetSATP updates the translation root and mode.
func (m *MMU) SetSATP(value uint64) { m.satp = value }

// SATP returns the current SATP value.
func (m *MMU) SATP() uint64 { return m.satp }

func (m *MMU) mode() uint64 { return (m.satp >> 60) & 0xF }

func (m *MMU) rootPPN() uint64 { return m.satp & ((1 << 44) - 1) }

func (m *MMU) fault(f Fault, vaddr uint64) (uint64, error) {
	abort := m.handler(FaultError{Fault: f, VAddr: vaddr})
	if abort {
		return 0, FaultError{Fault: f, VAddr: vaddr}
	}
	return 0, nil
}

// Translate resolves vaddr for the requested access, consulting no TLB (that
// composition lives on Hart). access must name exactly the permissions the
// caller intends to exercise.
func (m *MMU) Translate(vaddr uint64, access hostarch.AccessType) (uint64, error) {
	return m.walk(vaddr, access, false)
}

// TranslateAllocating behaves like Translate but lazily creates missing
// intermediate tables and the leaf page, stamping access's permission bits
// on the newly created leaf.
func (m *MMU) TranslateAllocating(vaddr uint64, access hostarch.AccessType) (uint64, error) {
	return m.walk(vaddr, access, true)
}

func (m *MMU) readPTE(tableBase uint64, vpn uint64) (uint64, error) {
	var buf [pteSize]byte
	if err := m.mem.Read(tableBase+vpn*pteSize, buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (m *MMU) writePTE(tableBase uint64, vpn uint64, value uint64) error {
	var buf [pteSize]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value)
		value >>= 8
	}
	return m.mem.Write(tableBase+vpn*pteSize, buf[:])
}

func (m *MMU) walk(vaddr uint64, access hostarch.AccessType, allocating bool) (uint64, error) {
	mode := m.mode()
	if mode == SatpModeBare {
		return vaddr, nil
	}
	params, ok := pagingByMode[mode]
	if !ok {
		return m.fault(FaultUnsupported, vaddr)
	}

	if !canonical(vaddr, params.addressWidth) {
		return m.fault(FaultNonCanonicalAddress, vaddr)
	}

	tableBase := m.rootPPN() * PageByteSize
	for level := params.levels - 1; level >= 0; level-- {
		shift := uint(12 + 9*level)
		vpn := (vaddr >> shift) & 0x1FF

		pte, err := m.readPTE(tableBase, vpn)
		if err != nil {
			return 0, err
		}

		if pte&pteV == 0 {
			if !allocating {
				return m.fault(FaultPTENotValid, vaddr)
			}
			if level == 0 {
				return m.allocateLeaf(tableBase, vpn, vaddr, access)
			}
			childPPN, err := m.allocateTable(tableBase, vpn)
			if err != nil {
				return 0, err
			}
			tableBase = childPPN * PageByteSize
			continue
		}

		if pte&pteW != 0 && pte&pteR == 0 {
			return m.fault(FaultWriteNoRead, vaddr)
		}

		if pte&(pteR|pteX) != 0 {
			if access.Read && pte&pteR == 0 {
				return m.fault(FaultNoReadPerm, vaddr)
			}
			if access.Write && pte&pteW == 0 {
				return m.fault(FaultNoWritePerm, vaddr)
			}
			if access.Execute && pte&pteX == 0 {
				return m.fault(FaultNoExecutePerm, vaddr)
			}
			ppn := (pte >> 10) & ((1 << 44) - 1)
			if level > 0 {
				levelMask := uint64(1)<<(9*level) - 1
				if ppn&levelMask != 0 {
					return m.fault(FaultMisalignedSuperpage, vaddr)
				}
				pageVPN := (vaddr >> 12) & levelMask
				return (ppn&^levelMask|pageVPN)*PageByteSize + (vaddr & 0xFFF), nil
			}
			return ppn*PageByteSize + (vaddr & 0xFFF), nil
		}

		ppn := (pte >> 10) & ((1 << 44) - 1)
		tableBase = ppn * PageByteSize
	}
	return m.fault(FaultNoLeafPTE, vaddr)
}

func (m *MMU) allocateTable(parentBase, vpn uint64) (uint64, error) {
	ppn, err := m.mem.GetEmptyPageNumber()
	if err != nil {
		return 0, fmt.Errorf("mmu: allocate page table: %w", err)
	}
	if err := m.mem.AllocatePage(ppn); err != nil {
		return 0, err
	}
	pte := (ppn << 10) | pteV
	if err := m.writePTE(parentBase, vpn, pte); err != nil {
		return 0, err
	}
	return ppn, nil
}

func (m *MMU) allocateLeaf(tableBase, vpn, vaddr uint64, access hostarch.AccessType) (uint64, error) {
	ppn, err := m.mem.GetEmptyPageNumber()
	if err != nil {
		return 0, fmt.Errorf("mmu: allocate leaf page: %w", err)
	}
	if err := m.mem.AllocatePage(ppn); err != nil {
		return 0, err
	}
	pte := (ppn << 10) | pteV
	if access.Read {
		pte |= pteR
	}
	if access.Write {
		pte |= pteW
	}
	if access.Execute {
		pte |= pteX
	}
	if err := m.writePTE(tableBase, vpn, pte); err != nil {
		return 0, err
	}
	return ppn*PageByteSize + (vaddr & 0xFFF), nil
}

// canonical reports whether vaddr's bits above addressWidth are a sign
// extension of bit addressWidth-1.
func canonical(vaddr uint64, addressWidth uint) bool {
	if addressWidth >= 64 {
		return true
	}
	top := vaddr >> (addressWidth - 1)
	return top == 0 || top == (uint64(1)<<(65-addressWidth))-1
}
