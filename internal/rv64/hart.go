package rv64

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"rvsim/internal/physmem"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Compiler is the interface a Hart uses to hand off hot blocks to a JIT
// worker. It is implemented by internal/jit.Worker; Hart depends only on
// this interface so that rv64 never imports jit (jit imports rv64 instead,
// since compiled code must call back into Hart state).
type Compiler interface {
	// DecrementHotness reports whether block's compiled entry should be
	// used this call. See DESIGN.md Open Question 1 for the exact publish
	// contract this must honor.
	DecrementHotness(block *BasicBlock) bool
	// Close stops the worker, discarding any task still queued.
	Close()
}

// noopCompiler never compiles anything; every block is interpreted. Used as
// the default until a real Compiler is attached.
type noopCompiler struct{}

func (noopCompiler) DecrementHotness(*BasicBlock) bool { return false }
func (noopCompiler) Close()                            {}

// Hart is a single simulated RISC-V hardware thread: register file, PC, CSR
// bank, MMU, TLBs, basic block cache, and a handle to the JIT compiler. It
// owns all of these exclusively; PhysicalMemory is the only thing shared
// with other collaborators (the ELF loader writes guest pages into it
// before the Hart starts executing).
type Hart struct {
	Regs Regs
	PC   uint64
	csrs [CSRCount]uint64

	mem      *physmem.Memory
	mmu      *MMU
	tlb      *TLBSet
	cache    *bbCache
	compiler Compiler

	hotnessStart int32

	Stdout io.Writer
	Stdin  io.Reader

	Logger *slog.Logger

	InstrCount uint64
}

// Config tunes the sizing knobs a Hart is built with. A zero Config is not
// valid; callers should start from DefaultConfig() and override fields (see
// internal/simconfig, which loads these from YAML).
type Config struct {
	// BBCacheCapacity is the number of slots in the direct-mapped basic
	// block cache. Must be a power of two.
	BBCacheCapacity int
	// HotnessThreshold is the number of executions before a block is
	// handed to the JIT worker.
	HotnessThreshold int32
}

// DefaultConfig returns the sizing this core has always used.
func DefaultConfig() Config {
	return Config{
		BBCacheCapacity:  BBCacheCapacity,
		HotnessThreshold: StartHotnessCounter,
	}
}

// NewHart constructs a Hart over mem with Sv48 translation rooted at a
// freshly allocated empty page, and a default stack allocated backward from
// DefaultStackAddress, mirroring the original implementation's constructor.
func NewHart(mem *physmem.Memory, cfg Config) (*Hart, error) {
	h := &Hart{
		mem:          mem,
		mmu:          NewMMU(mem),
		tlb:          NewTLBSet(),
		cache:        newBBCache(cfg.BBCacheCapacity),
		compiler:     noopCompiler{},
		hotnessStart: cfg.HotnessThreshold,
		Stdout:       os.Stdout,
		Stdin:        os.Stdin,
		Logger:       slog.Default(),
	}

	rootPPN, err := mem.GetEmptyPageNumber()
	if err != nil {
		return nil, fmt.Errorf("rv64: allocate root page table: %w", err)
	}
	if err := mem.AllocatePage(rootPPN); err != nil {
		return nil, err
	}
	h.mmu.SetSATP((uint64(SatpModeSv48) << 60) | rootPPN)
	h.csrs[CSRSatp] = h.mmu.SATP()

	h.Regs.Set(RegSP, DefaultStackAddress)
	const stackPages = StackByteSize / PageByteSize
	for i := uint64(0); i < stackPages; i++ {
		addr := uint64(DefaultStackAddress) - (i+1)*PageByteSize
		if _, err := h.mmu.TranslateAllocating(addr, hostarch.AccessType{Read: true, Write: true}); err != nil {
			return nil, fmt.Errorf("rv64: allocate stack page %d: %w", i, err)
		}
	}

	return h, nil
}

// AttachCompiler installs the JIT worker backing this Hart. Must be called
// before the first ExecuteBasicBlock.
func (h *Hart) AttachCompiler(c Compiler) { h.compiler = c }

// Close stops the attached compiler. Safe to call even if none was
// attached.
func (h *Hart) Close() { h.compiler.Close() }

// PublishCompiled is called by the JIT worker once codegen for block has
// finished. It re-checks, under the BB-cache lock, that block still
// occupies its entrypoint's slot before publishing entry; if the block has
// since been evicted the host code is dropped and no state changes (spec
// §4.9 "Failure"). Returns whether the publish happened.
func (h *Hart) PublishCompiled(block *BasicBlock, entry CompiledEntry) bool {
	return h.cache.publishIfPresent(block, entry)
}

// Memory returns the physical memory backing this hart, for collaborators
// (the ELF loader, stack marshalling) that need to populate guest pages
// directly.
func (h *Hart) Memory() *physmem.Memory { return h.mem }

// MMU returns the hart's software MMU, for collaborators that translate on
// the hart's behalf (ELF loading, stack setup).
func (h *Hart) MMU() *MMU { return h.mmu }

// physAddr composes the matching TLB with the MMU for one access class,
// inserting on miss. This is the phys_addr<kind> composition from spec §4.3.
func (h *Hart) physAddr(t *tlb, access hostarch.AccessType, vaddr uint64) (uint64, error) {
	vpn := vaddr >> 12
	if ppn, ok := t.find(vpn); ok {
		return ppn*PageByteSize + (vaddr & 0xFFF), nil
	}
	paddr, err := h.mmu.Translate(vaddr, access)
	if err != nil {
		return 0, err
	}
	t.insert(vpn, paddr>>12)
	return paddr, nil
}

func (h *Hart) physAddrFetch(vaddr uint64) (uint64, error) {
	return h.physAddr(h.tlb.i, hostarch.AccessType{Execute: true}, vaddr)
}

func (h *Hart) physAddrRead(vaddr uint64) (uint64, error) {
	return h.physAddr(h.tlb.r, hostarch.AccessType{Read: true}, vaddr)
}

func (h *Hart) physAddrWrite(vaddr uint64) (uint64, error) {
	return h.physAddr(h.tlb.w, hostarch.AccessType{Write: true}, vaddr)
}

// FetchBasicBlock reads and decodes a straight-line run of instructions
// starting at PC, per spec §4.8.
func (h *Hart) FetchBasicBlock(pc uint64) (*BasicBlock, error) {
	paddr, err := h.physAddrFetch(pc)
	if err != nil {
		return nil, err
	}

	offsetInPage := paddr & 0xFFF
	maxBytes := MaxBlockSize * InstructionByteSize
	if avail := PageByteSize - offsetInPage; uint64(maxBytes) > avail {
		maxBytes = int(avail)
	}

	buf := make([]byte, maxBytes)
	if err := h.mem.Read(paddr, buf); err != nil {
		return nil, err
	}

	body := make([]Decoded, 0, MaxBlockSize+1)
	for off := 0; off+InstructionByteSize <= len(buf); off += InstructionByteSize {
		raw := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		d := Decode(raw)
		body = append(body, d)
		if d.Kind.IsControlTransfer() {
			break
		}
	}
	body = append(body, BasicBlockEnd)

	return NewBasicBlock(pc, body, h.hotnessStart), nil
}

// GetBasicBlock returns the cached block for PC, fetching and inserting one
// on a cache miss.
func (h *Hart) GetBasicBlock(pc uint64) (*BasicBlock, error) {
	if b := h.cache.find(pc); b != nil {
		return b, nil
	}
	b, err := h.FetchBasicBlock(pc)
	if err != nil {
		return nil, err
	}
	return h.cache.insert(b), nil
}

// ExecuteBasicBlock runs block, either through the attached compiler's
// published entry or by interpreting it, per spec §4.8.
func (h *Hart) ExecuteBasicBlock(block *BasicBlock) {
	h.InstrCount += uint64(len(block.Body) - 1)
	if h.compiler.DecrementHotness(block) {
		entry := block.Entry()
		if entry != nil {
			(*entry)(h)
			return
		}
	}
	Dispatch(h, block)
}

// Run drives the fetch/execute loop until PC reaches 0.
func (h *Hart) Run() error {
	for h.PC != 0 {
		block, err := h.GetBasicBlock(h.PC)
		if err != nil {
			return err
		}
		h.ExecuteBasicBlock(block)
	}
	return nil
}
