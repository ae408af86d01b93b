package elfload

import (
	"testing"

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
	return h
}

func readGuestCString(t *testing.T, h *rv64.Hart, vaddr uint64) string {
	t.Helper()
	var buf []byte
	for {
		paddr, err := h.MMU().Translate(vaddr, hostarch.AccessType{Read: true})
		if err != nil {
			t.Fatalf("Translate(%#x): %v", vaddr, err)
		}
		var b [1]byte
		if err := h.Memory().Read(paddr, b[:]); err != nil {
			t.Fatalf("Read(%#x): %v", paddr, err)
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
		vaddr++
	}
	return string(buf)
}

func readGuestWord(t *testing.T, h *rv64.Hart, vaddr uint64) uint64 {
	t.Helper()
	paddr, err := h.MMU().Translate(vaddr, hostarch.AccessType{Read: true})
	if err != nil {
		t.Fatalf("Translate(%#x): %v", vaddr, err)
	}
	var buf [8]byte
	if err := h.Memory().Read(paddr, buf[:]); err != nil {
		t.Fatalf("Read(%#x): %v", paddr, err)
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

// TestSetupStackLayout checks spec §6.4: argc in a0, a null-terminated argv
// pointer array reachable from a1 whose strings round-trip, a null-terminated
// envp pointer array reachable from a2, and sp rounded down to a 4 KiB
// boundary.
func TestSetupStackLayout(t *testing.T) {
	h := newTestHart(t)
	argv := []string{"/bin/guest", "hello"}
	envp := []string{"HOME=/root", "PATH=/bin"}

	if err := SetupStack(h, argv, envp); err != nil {
		t.Fatalf("SetupStack: %v", err)
	}

	sp := h.Regs.Get(rv64.RegSP)
	if sp&(rv64.PageByteSize-1) != 0 {
		t.Fatalf("sp = %#x, want a multiple of the page size", sp)
	}

	if got := h.Regs.Get(rv64.RegA0); got != uint64(len(argv)) {
		t.Fatalf("a0 (argc) = %d, want %d", got, len(argv))
	}

	argvBase := h.Regs.Get(rv64.RegA1)
	for i, want := range argv {
		ptr := readGuestWord(t, h, argvBase+uint64(i)*8)
		if got := readGuestCString(t, h, ptr); got != want {
			t.Fatalf("argv[%d] = %q, want %q", i, got, want)
		}
	}
	if term := readGuestWord(t, h, argvBase+uint64(len(argv))*8); term != 0 {
		t.Fatalf("argv null terminator = %#x, want 0", term)
	}

	envpBase := h.Regs.Get(rv64.RegA2)
	for i, want := range envp {
		ptr := readGuestWord(t, h, envpBase+uint64(i)*8)
		if got := readGuestCString(t, h, ptr); got != want {
			t.Fatalf("envp[%d] = %q, want %q", i, got, want)
		}
	}
	if term := readGuestWord(t, h, envpBase+uint64(len(envp))*8); term != 0 {
		t.Fatalf("envp null terminator = %#x, want 0", term)
	}

	if argc := readGuestWord(t, h, argvBase-8); argc != uint64(len(argv)) {
		t.Fatalf("argc word just below argv table = %d, want %d", argc, len(argv))
	}
}

// TestSetupStackEmptyEnv checks the degenerate case of no environment
// variables: envp must still resolve to a valid (empty) null-terminated
// array rather than 0.
func TestSetupStackEmptyEnv(t *testing.T) {
	h := newTestHart(t)
	if err := SetupStack(h, []string{"/bin/guest"}, nil); err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	envpBase := h.Regs.Get(rv64.RegA2)
	if term := readGuestWord(t, h, envpBase); term != 0 {
		t.Fatalf("envp[0] (terminator) = %#x, want 0", term)
	}
}
