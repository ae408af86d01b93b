package jit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/hostarch"

	"rvsim/internal/physmem"
	"rvsim/internal/rv64"
)

func newTestHart(t *testing.T) *rv64.Hart {
	t.Helper()
	mem, err := physmem.New(rv64.StackByteSize + physmem.PageSize*4096)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	h, err := rv64.NewHart(mem, rv64.DefaultConfig())
	if err != nil {
		t.Fatalf("rv64.NewHart: %v", err)
	}
	h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return h
}

func writeGuestWord(t *testing.T, h *rv64.Hart, vaddr uint64, w uint32) {
	t.Helper()
	var buf [4]byte
	buf[0], buf[1], buf[2], buf[3] = byte(w), byte(w>>8), byte(w>>16), byte(w>>24)
	paddr, err := h.MMU().TranslateAllocating(vaddr, hostarch.AccessType{Read: true, Write: true, Execute: true})
	if err != nil {
		t.Fatalf("TranslateAllocating: %v", err)
	}
	if err := h.Memory().Write(paddr, buf[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// encADDI1 encodes "addi x1, x1, 1" without depending on rv64's unexported
// test encoders (a different package here).
func encADDI1() uint32 {
	const (
		op    = 0b0010011
		rd    = 1
		rs1   = 1
		f3    = 0
		imm12 = 1
	)
	return uint32(imm12)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

// TestScenarioHotnessJITPublishIsArchitecturallyTransparent is spec scenario
// S5: a block executed past StartHotnessCounter iterations must leave the
// hart in the same state whether the JIT has published a compiled entry for
// it yet or not — every iteration i >= StartHotnessCounter invokes either
// the interpreter or the compiled entry, and both perform the identical
// x1 += 1 effect.
func TestScenarioHotnessJITPublishIsArchitecturallyTransparent(t *testing.T) {
	h := newTestHart(t)
	const base = 0x1000
	writeGuestWord(t, h, base, encADDI1())

	worker := NewWorker(h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.AttachCompiler(worker)
	defer h.Close()

	block, err := h.GetBasicBlock(base)
	if err != nil {
		t.Fatalf("GetBasicBlock: %v", err)
	}

	const iterations = rv64.StartHotnessCounter + 50
	for i := 0; i < iterations; i++ {
		h.PC = base
		h.ExecuteBasicBlock(block)

		// The compile task is only enqueued once hotness reaches zero, and
		// compilation finishes asynchronously; give the worker a little
		// room to publish without making the test's correctness depend on
		// it ever actually winning the race.
		if i >= rv64.StartHotnessCounter && i%8 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	if got := h.Regs.Get(1); got != uint64(iterations) {
		t.Fatalf("x1 = %d, want %d (interpreted and compiled paths must agree)", got, iterations)
	}

	switch block.Status() {
	case rv64.StatusNotCompiled, rv64.StatusCompiling, rv64.StatusCompiled:
	default:
		t.Fatalf("Status() = %v, want one of NotCompiled/Compiling/Compiled", block.Status())
	}
	if block.Status() == rv64.StatusCompiled && block.Entry() == nil {
		t.Fatalf("Status() == StatusCompiled but Entry() is nil")
	}
}
