// Package elfload loads a statically linked RV64 ELF executable into a
// Hart's guest address space and marshals its argv/envp onto the guest
// stack (spec §6.3/§6.4). This, the syscall shims, and the CLI are the
// "external collaborator" layer spec §1 calls out as feeding or consuming
// the simulator core rather than being part of it.
package elfload

import (
	"debug/elf"
	"fmt"
	"io"
	"math"

	"github.com/schollz/progressbar/v3"
	"gvisor.dev/gvisor/pkg/hostarch"

	"rvsim/internal/rv64"
)

// segmentPermissions returns the access triple a PT_LOAD segment's flags
// request, per spec §6.3.
func segmentPermissions(flags elf.ProgFlag) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    flags&elf.PF_R != 0,
		Write:   flags&elf.PF_W != 0,
		Execute: flags&elf.PF_X != 0,
	}
}

// Load parses an ELF64 executable from r, copies its PT_LOAD segments into
// hart's guest memory through the allocating MMU translation, and sets
// hart.PC to the entry point. showProgress enables a cosmetic progress bar
// over the segment copies (the CLI turns it off with -no-progress); it
// never affects correctness.
func Load(hart *rv64.Hart, r io.ReaderAt, showProgress bool) error {
	f, err := elf.NewFile(r)
	if err != nil {
		return fmt.Errorf("elfload: parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return fmt.Errorf("elfload: %s is not a 64-bit ELF file", f.Class)
	}
	if f.Machine != elf.EM_RISCV {
		return fmt.Errorf("elfload: unsupported ELF machine %s (want RISC-V)", f.Machine)
	}

	var loadable []*elf.Prog
	var totalBytes int64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return fmt.Errorf("elfload: segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) || prog.Memsz > uint64(math.MaxInt) {
			return fmt.Errorf("elfload: segment size exceeds host limits")
		}
		loadable = append(loadable, prog)
		totalBytes += int64(prog.Filesz)
	}
	if len(loadable) == 0 {
		return fmt.Errorf("elfload: ELF has no loadable segments")
	}

	var bar *progressbar.ProgressBar
	if showProgress && totalBytes > 0 {
		bar = progressbar.DefaultBytes(totalBytes, "loading segments")
	}

	for _, prog := range loadable {
		access := segmentPermissions(prog.Flags)
		if err := copySegment(hart, prog, access, bar); err != nil {
			return fmt.Errorf("elfload: load segment @%#x: %w", prog.Vaddr, err)
		}
	}

	hart.PC = f.Entry
	return nil
}

// copySegment copies filesz bytes of prog's file image into guest memory
// starting at prog.Vaddr, chunked so that no single write crosses a guest
// page boundary (spec §6.3's "copied chunk-by-chunk, respecting the
// current page offset"). Bytes beyond filesz up to memsz are left zero by
// virtue of fresh page allocation (PhysicalMemory starts zeroed).
func copySegment(hart *rv64.Hart, prog *elf.Prog, access hostarch.AccessType, bar *progressbar.ProgressBar) error {
	remaining := prog.Filesz
	vaddr := prog.Vaddr
	var offset uint64

	for remaining > 0 {
		chunk := rv64.PageByteSize - (vaddr & (rv64.PageByteSize - 1))
		if chunk > remaining {
			chunk = remaining
		}

		paddr, err := hart.MMU().TranslateAllocating(vaddr, access)
		if err != nil {
			return err
		}

		buf := make([]byte, chunk)
		if _, err := prog.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
			return fmt.Errorf("read segment data: %w", err)
		}
		if err := hart.Memory().Write(paddr, buf); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(int(chunk))
		}

		vaddr += chunk
		offset += chunk
		remaining -= chunk
	}

	// Ensure the tail of a segment with memsz > filesz still has its
	// pages allocated (and therefore zeroed), even if no bytes from the
	// file land in them.
	if prog.Memsz > prog.Filesz {
		tailStart := prog.Vaddr + prog.Filesz
		tailEnd := prog.Vaddr + prog.Memsz
		for addr := tailStart &^ (rv64.PageByteSize - 1); addr < tailEnd; addr += rv64.PageByteSize {
			if _, err := hart.MMU().TranslateAllocating(addr, access); err != nil {
				return err
			}
		}
	}
	return nil
}
