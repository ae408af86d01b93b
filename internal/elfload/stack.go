package elfload

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"rvsim/internal/rv64"
)

// SetupStack marshals argv and envp onto the guest stack below
// rv64.DefaultStackAddress and points SP at the page-rounded result, per
// spec §6.4. argv and envp are the GUEST-visible argument and environment
// vectors; unlike the reference source (which stripped the host program's
// own argv[0] and re-pointed the rest at the guest), the CLI here passes
// argv explicitly (normally just the ELF path) so this function carries no
// host-argv-layout assumption. Grounded on
// original_source/simulator/OSHelper.cpp's setupCmdArgs: each string push is
// individually 8-byte aligned, and the final SP handed to the guest is
// rounded down to a 4 KiB boundary below the argc word rather than the word
// itself — argv/envp keep pointing at their unrounded locations, matching
// that source's uargvStart/uenvpStart vs. final virtSP split.
func SetupStack(hart *rv64.Hart, argv []string, envp []string) error {
	sp := uint64(rv64.DefaultStackAddress)
	access := hostarch.AccessType{Read: true, Write: true}

	writeString := func(s string) (uint64, error) {
		data := append([]byte(s), 0)
		sp -= uint64(len(data))
		sp -= sp & 7
		if err := writeBytes(hart, sp, data, access); err != nil {
			return 0, err
		}
		return sp, nil
	}

	envPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		ptr, err := writeString(envp[i])
		if err != nil {
			return fmt.Errorf("elfload: write envp[%d]: %w", i, err)
		}
		envPtrs[i] = ptr
	}

	argPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		ptr, err := writeString(argv[i])
		if err != nil {
			return fmt.Errorf("elfload: write argv[%d]: %w", i, err)
		}
		argPtrs[i] = ptr
	}

	writeWord := func(v uint64) error {
		sp -= 8
		sp -= sp & 7
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		return writeBytes(hart, sp, buf[:], access)
	}

	if err := writeWord(uint64(len(argv))); err != nil {
		return fmt.Errorf("elfload: write argc: %w", err)
	}

	if err := writeWord(0); err != nil {
		return fmt.Errorf("elfload: write argv null terminator: %w", err)
	}
	for i := len(argPtrs) - 1; i >= 0; i-- {
		if err := writeWord(argPtrs[i]); err != nil {
			return fmt.Errorf("elfload: write argv pointer[%d]: %w", i, err)
		}
	}
	argvStart := sp

	if err := writeWord(0); err != nil {
		return fmt.Errorf("elfload: write envp null terminator: %w", err)
	}
	for i := len(envPtrs) - 1; i >= 0; i-- {
		if err := writeWord(envPtrs[i]); err != nil {
			return fmt.Errorf("elfload: write envp pointer[%d]: %w", i, err)
		}
	}
	envpStart := sp

	// Final step per spec §6.4: round SP down to a 4 KiB boundary. argv/envp
	// keep pointing at their unrounded locations above.
	sp &^= rv64.PageByteSize - 1

	hart.Regs.Set(rv64.RegSP, sp)
	hart.Regs.Set(rv64.RegA0, uint64(len(argv)))
	hart.Regs.Set(rv64.RegA1, argvStart)
	hart.Regs.Set(rv64.RegA2, envpStart)
	return nil
}

// writeBytes copies data into guest memory starting at vaddr, allocating
// backing pages as needed and handling a write that spans a page boundary.
func writeBytes(hart *rv64.Hart, vaddr uint64, data []byte, access hostarch.AccessType) error {
	for len(data) > 0 {
		offset := vaddr & (rv64.PageByteSize - 1)
		chunk := rv64.PageByteSize - offset
		if chunk > uint64(len(data)) {
			chunk = uint64(len(data))
		}
		paddr, err := hart.MMU().TranslateAllocating(vaddr, access)
		if err != nil {
			return err
		}
		if err := hart.Memory().Write(paddr, data[:chunk]); err != nil {
			return err
		}
		vaddr += chunk
		data = data[chunk:]
	}
	return nil
}
