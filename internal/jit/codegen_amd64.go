//go:build linux && amd64

package jit

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"rvsim/internal/rv64"
)

// amd64Codegen lowers the opcodes spec §4.9 lists as natively lowerable
// (ALU register/immediate, shifts, LUI/AUIPC, FENCE/EBREAK, and the
// SetPC/IncrementPC bookkeeping that goes with them) directly to x86-64
// machine code, and falls back to a per-instruction call into the existing
// Go executor — the "escape hatch" spec §4.9 describes — for everything
// else: loads, stores, branches, jumps, and ECALL. The M-extension opcodes
// (MUL/MULH*/DIV*/REM*) also take the escape hatch; see DESIGN.md for why
// their div-by-zero/overflow special cases and 128-bit multiplies were not
// hand-encoded.
//
// Register conventions used by the emitted code, chosen so none of the
// ModRM/SIB special cases (base encoding 100 forces a SIB byte; base
// encoding 101 under mod=00 means RIP-relative) are ever hit:
//
//	rax, rcx  — ALU scratch (encodings 0, 1; no REX extension needed)
//	r10       — holds &hart.Regs[0] while addressing a register slot
//	r11       — holds &hart.PC while addressing the PC word
//
// r10/r11 are reloaded from an embedded imm64 immediately before each use
// rather than cached across an escape-hatch call, so the generated code
// never needs to save/restore a callee-saved register around `call rax` or
// reason about stack alignment at the call site.
type amd64Codegen struct{}

func newCodeGenerator() codeGenerator { return amd64Codegen{} }

// execOneCallback is registered once: a C-callable trampoline back into
// rv64.ExecOne, shared by every compiled block's escape-hatch call sites.
// purego.NewCallback makes a Go function callable with the host C calling
// convention.
var execOneCallback = sync.OnceValue(func() uintptr {
	return purego.NewCallback(func(hartPtr, instrPtr uintptr) uintptr {
		h := (*rv64.Hart)(unsafe.Pointer(hartPtr))
		d := (*rv64.Decoded)(unsafe.Pointer(instrPtr))
		rv64.ExecOne(h, d)
		return 0
	})
})

// compile emits one straight-line native function per block: natively
// lowered instructions in place, an escape-hatch call for everything else,
// and a single trailing `ret` (every basic block invariant in spec §3 puts
// its one allowed control-transfer instruction last, so falling through to
// the shared tail after an escape-hatch call is always correct).
func (amd64Codegen) compile(hart *rv64.Hart, block *rv64.BasicBlock) (rv64.CompiledEntry, func(), error) {
	callback := execOneCallback()
	hartPtr := uint64(uintptr(unsafe.Pointer(hart)))
	regsBasePtr := uint64(uintptr(unsafe.Pointer(&hart.Regs)))
	pcPtr := uint64(uintptr(unsafe.Pointer(&hart.PC)))

	code := make([]byte, 0, 64*len(block.Body))
	for i := range block.Body {
		d := &block.Body[i]
		if d.Kind == rv64.KindBasicBlockEnd {
			break
		}
		if lowered, ok := emitNative(code, d, regsBasePtr, pcPtr); ok {
			code = lowered
			continue
		}
		code = emitEscapeHatch(code, hartPtr, uint64(uintptr(unsafe.Pointer(d))), uint64(callback))
	}
	code = append(code, 0xC3) // ret

	addr, release, err := allocateExecutable(code)
	if err != nil {
		return nil, nil, err
	}

	entry := func(h *rv64.Hart) {
		purego.SyscallN(addr, uintptr(unsafe.Pointer(h)))
	}
	return entry, release, nil
}

// emitEscapeHatch emits:
//
//	mov rdi, imm64(hartPtr)   48 BF <imm64>
//	mov rsi, imm64(instrPtr)  48 BE <imm64>
//	mov rax, imm64(callback)  48 B8 <imm64>
//	call rax                  FF D0
//
// instrPtr is &block.Body[i], computed by Go's own bounds-checked slice
// indexing at compile time, never hand-derived from a struct-layout offset.
func emitEscapeHatch(code []byte, hartPtr, instrPtr, callback uint64) []byte {
	code = append(code, 0x48, 0xBF)
	code = appendImm64(code, hartPtr)
	code = append(code, 0x48, 0xBE)
	code = appendImm64(code, instrPtr)
	code = append(code, 0x48, 0xB8)
	code = appendImm64(code, callback)
	code = append(code, 0xFF, 0xD0) // call rax
	return code
}

func appendImm64(code []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		code = append(code, byte(v))
		v >>= 8
	}
	return code
}

func appendImm32(code []byte, v int32) []byte {
	u := uint32(v)
	for i := 0; i < 4; i++ {
		code = append(code, byte(u))
		u >>= 8
	}
	return code
}

// --- x86-64 register/opcode-group constants -----------------------------

const (
	regAX = 0 // rax / eax
	regCX = 1 // rcx / ecx
)

// ALU reg-reg primary opcodes: `op r/m64, r64` (opcode /r, dest is r/m,
// source is the ModRM.reg field).
const (
	opADD = 0x01
	opOR  = 0x09
	opAND = 0x21
	opSUB = 0x29
	opXOR = 0x31
	opCMP = 0x39
)

// Opcode-group-1 (81 /r) and group-2 (C1/D3 /r) ModRM.reg field selectors.
const (
	aluFieldADD = 0
	aluFieldOR  = 1
	aluFieldAND = 4
	aluFieldSUB = 5
	aluFieldXOR = 6
	aluFieldCMP = 7

	shiftFieldSHL = 4
	shiftFieldSHR = 5
	shiftFieldSAR = 7
)

const (
	setccL = 0x9C // SETL  (signed <)
	setccB = 0x92 // SETB  (unsigned <)
)

// --- x86-64 encoders ------------------------------------------------------
//
// r10 (regs-file base) and r11 (&PC) both encode to low-bits 2 and 3
// respectively, so every memory operand below needs REX.B to select them
// over rdx/rbx but hits none of the SIB-escape (encoding 4) or
// RIP-relative-under-mod00 (encoding 5) special cases.

// movImm64R10/R11 load the two address registers. REX.WB, opcode B8+reg&7.
func movImm64R10(code []byte, v uint64) []byte {
	code = append(code, 0x49, 0xB8+2) // r10 low bits = 2
	return appendImm64(code, v)
}

func movImm64R11(code []byte, v uint64) []byte {
	code = append(code, 0x49, 0xB8+3) // r11 low bits = 3
	return appendImm64(code, v)
}

// movImm64Rax loads an immediate directly into rax (LUI). REX.W, B8.
func movImm64Rax(code []byte, v uint64) []byte {
	code = append(code, 0x48, 0xB8)
	return appendImm64(code, v)
}

// loadSlot emits `mov dstReg, [r10 + slot*8]` (REX.WB 8B ModRM disp32).
func loadSlot(code []byte, dstReg byte, slot uint32) []byte {
	code = append(code, 0x49, 0x8B, 0x80|(dstReg<<3)|0x02)
	return appendImm32(code, int32(slot)*8)
}

// loadSlot32 is the 32-bit load used by the "W" opcodes: `mov dstReg32,
// [r10 + slot*8]` (REX.B only — no REX.W — 8B ModRM disp32).
func loadSlot32(code []byte, dstReg byte, slot uint32) []byte {
	code = append(code, 0x41, 0x8B, 0x80|(dstReg<<3)|0x02)
	return appendImm32(code, int32(slot)*8)
}

// storeSlot emits `mov [r10 + slot*8], srcReg` (REX.WB 89 ModRM disp32).
func storeSlot(code []byte, srcReg byte, slot uint32) []byte {
	code = append(code, 0x49, 0x89, 0x80|(srcReg<<3)|0x02)
	return appendImm32(code, int32(slot)*8)
}

// loadPC emits `mov dstReg, [r11]` (REX.WB 8B ModRM mod=00 rm=r11&7=3).
func loadPC(code []byte, dstReg byte) []byte {
	return append(code, 0x49, 0x8B, (dstReg<<3)|0x03)
}

// incPC emits `add qword [r11], by` (REX.WB 81 /0 id, ModRM mod=00
// reg=000 rm=011).
func incPC(code []byte, by int32) []byte {
	code = append(code, 0x49, 0x81, 0x03)
	return appendImm32(code, by)
}

// aluReg emits `op rax, rcx` for a reg-reg primary opcode (REX.W, opcode,
// ModRM mod=11 reg=rcx(001) rm=rax(000) = 0xC8).
func aluReg(code []byte, opcode byte) []byte {
	return append(code, 0x48, opcode, 0xC8)
}

// aluReg32 is the 32-bit ("W" opcode) form: `op eax, ecx`, no REX.
func aluReg32(code []byte, opcode byte) []byte {
	return append(code, opcode, 0xC8)
}

// shiftCL emits `op rax, cl` for opcode-group-2 field regField (REX.W, D3,
// ModRM mod=11 reg=regField rm=rax(000)).
func shiftCL(code []byte, regField byte) []byte {
	return append(code, 0x48, 0xD3, 0xC0|(regField<<3))
}

// shiftCL32 is the 32-bit ("W" opcode) form: `op eax, cl`, no REX.
func shiftCL32(code []byte, regField byte) []byte {
	return append(code, 0xD3, 0xC0|(regField<<3))
}

// shiftImm emits `op rax, imm8` for opcode-group-2 field regField (REX.W,
// C1, ModRM mod=11 reg=regField rm=rax(000), imm8).
func shiftImm(code []byte, regField byte, amount uint32) []byte {
	return append(code, 0x48, 0xC1, 0xC0|(regField<<3), byte(amount))
}

// shiftImm32 is the 32-bit ("W" opcode) form: `op eax, imm8`, no REX.
func shiftImm32(code []byte, regField byte, amount uint32) []byte {
	return append(code, 0xC1, 0xC0|(regField<<3), byte(amount))
}

// aluImm emits `op rax, imm32` for opcode-group-1 field regField (REX.W,
// 81, ModRM mod=11 reg=regField rm=rax(000), imm32).
func aluImm(code []byte, regField byte, imm int32) []byte {
	code = append(code, 0x48, 0x81, 0xC0|(regField<<3))
	return appendImm32(code, imm)
}

// aluImm32 is the 32-bit ("W" opcode) form: `op eax, imm32`, no REX.
func aluImm32(code []byte, regField byte, imm int32) []byte {
	code = append(code, 0x81, 0xC0|(regField<<3))
	return appendImm32(code, imm)
}

// movsxdRaxEax emits `movsxd rax, eax` (REX.W 63 ModRM mod=11 reg=rax
// rm=eax = 0xC0), sign-extending a 32-bit "W" result into the full
// 64-bit destination the register file stores.
func movsxdRaxEax(code []byte) []byte {
	return append(code, 0x48, 0x63, 0xC0)
}

// setccToRax emits `setCC al` followed by `movzx rax, al`, turning an x86
// flag comparison into the 0/1 value RISC-V SLT/SLTU/SLTI/SLTIU produce.
func setccToRax(code []byte, setccOp byte) []byte {
	code = append(code, 0x0F, setccOp, 0xC0)
	return append(code, 0x48, 0x0F, 0xB6, 0xC0)
}

// emitNative attempts to lower d directly to machine code, returning the
// extended code slice and true on success. It returns false, unchanged
// code, for every opcode the generator leaves to the escape hatch.
func emitNative(code []byte, d *rv64.Decoded, regsBasePtr, pcPtr uint64) ([]byte, bool) {
	switch d.Kind {
	case rv64.KindADD, rv64.KindSUB, rv64.KindAND, rv64.KindOR, rv64.KindXOR:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot(code, regAX, d.Rs1)
		code = loadSlot(code, regCX, d.Rs2)
		code = aluReg(code, aluRegOpcode(d.Kind))
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindSLT, rv64.KindSLTU:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot(code, regAX, d.Rs1)
		code = loadSlot(code, regCX, d.Rs2)
		code = aluReg(code, opCMP)
		if d.Kind == rv64.KindSLT {
			code = setccToRax(code, setccL)
		} else {
			code = setccToRax(code, setccB)
		}
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindSLL, rv64.KindSRL, rv64.KindSRA:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot(code, regAX, d.Rs1)
		code = loadSlot(code, regCX, d.Rs2)
		code = shiftCL(code, shiftFieldFor(d.Kind))
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindADDI, rv64.KindANDI, rv64.KindORI, rv64.KindXORI:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot(code, regAX, d.Rs1)
		code = aluImm(code, aluImmFieldFor(d.Kind), int32(d.Imm))
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindSLTI, rv64.KindSLTIU:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot(code, regAX, d.Rs1)
		code = aluImm(code, aluFieldCMP, int32(d.Imm))
		if d.Kind == rv64.KindSLTI {
			code = setccToRax(code, setccL)
		} else {
			code = setccToRax(code, setccB)
		}
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindSLLI, rv64.KindSRLI, rv64.KindSRAI:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot(code, regAX, d.Rs1)
		code = shiftImm(code, shiftFieldFor(d.Kind), d.Shamt)
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindADDW, rv64.KindSUBW:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot32(code, regAX, d.Rs1)
		code = loadSlot32(code, regCX, d.Rs2)
		code = aluReg32(code, aluRegOpcode(d.Kind))
		code = movsxdRaxEax(code)
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindSLLW, rv64.KindSRLW, rv64.KindSRAW:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot32(code, regAX, d.Rs1)
		code = loadSlot32(code, regCX, d.Rs2)
		code = shiftCL32(code, shiftFieldFor(d.Kind))
		code = movsxdRaxEax(code)
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindADDIW:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot32(code, regAX, d.Rs1)
		code = aluImm32(code, aluFieldADD, int32(d.Imm))
		code = movsxdRaxEax(code)
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindSLLIW, rv64.KindSRLIW, rv64.KindSRAIW:
		code = movImm64R10(code, regsBasePtr)
		code = loadSlot32(code, regAX, d.Rs1)
		code = shiftImm32(code, shiftFieldFor(d.Kind), d.Shamt)
		code = movsxdRaxEax(code)
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindLUI:
		code = movImm64Rax(code, uint64(d.Imm))
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindAUIPC:
		code = movImm64R11(code, pcPtr)
		code = loadPC(code, regAX)
		code = aluImm(code, aluFieldADD, int32(d.Imm))
		code = storeResult(code, regsBasePtr, regAX, d.Rd)
		return incPCAndReturn(code, pcPtr), true

	case rv64.KindFENCE, rv64.KindEBREAK:
		return incPCAndReturn(code, pcPtr), true

	default:
		// Loads, stores, branches, jumps, ECALL, and the M-extension
		// opcodes all take the escape hatch.
		return code, false
	}
}

// storeResult writes rax into slot rd unless rd is register zero, matching
// the "all writes to register index 0 are discarded" contract every
// executor in internal/rv64/executors.go honors via Regs.Set. Skipping the
// store entirely when rd == 0 is a compile-time decision (rd is a constant
// for this specific instruction), not a runtime branch.
func storeResult(code []byte, regsBasePtr uint64, srcReg byte, rd uint32) []byte {
	if rd == 0 {
		return code
	}
	code = movImm64R10(code, regsBasePtr)
	return storeSlot(code, srcReg, rd)
}

// incPCAndReturn appends the shared "advance PC by one instruction" tail
// every natively lowered non-control-transfer opcode ends with.
func incPCAndReturn(code []byte, pcPtr uint64) []byte {
	code = movImm64R11(code, pcPtr)
	return incPC(code, rv64.InstructionByteSize)
}

func aluRegOpcode(k rv64.Kind) byte {
	switch k {
	case rv64.KindADD, rv64.KindADDW:
		return opADD
	case rv64.KindSUB, rv64.KindSUBW:
		return opSUB
	case rv64.KindAND:
		return opAND
	case rv64.KindOR:
		return opOR
	case rv64.KindXOR:
		return opXOR
	}
	panic("jit: aluRegOpcode: unhandled kind")
}

func aluImmFieldFor(k rv64.Kind) byte {
	switch k {
	case rv64.KindADDI:
		return aluFieldADD
	case rv64.KindANDI:
		return aluFieldAND
	case rv64.KindORI:
		return aluFieldOR
	case rv64.KindXORI:
		return aluFieldXOR
	}
	panic("jit: aluImmFieldFor: unhandled kind")
}

func shiftFieldFor(k rv64.Kind) byte {
	switch k {
	case rv64.KindSLL, rv64.KindSLLI, rv64.KindSLLW, rv64.KindSLLIW:
		return shiftFieldSHL
	case rv64.KindSRL, rv64.KindSRLI, rv64.KindSRLW, rv64.KindSRLIW:
		return shiftFieldSHR
	case rv64.KindSRA, rv64.KindSRAI, rv64.KindSRAW, rv64.KindSRAIW:
		return shiftFieldSAR
	}
	panic("jit: shiftFieldFor: unhandled kind")
}

// allocateExecutable mmaps a RW page, copies code into it, then mprotects
// it RX. One page per block is wasteful but simple; the Worker keeps every
// published page until Worker.Close, including pages of blocks that have
// since been evicted from the BB cache.
func allocateExecutable(code []byte) (uintptr, func(), error) {
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, nil, fmt.Errorf("jit: mmap code arena: %w", err)
	}
	if len(code) > len(mem) {
		_ = unix.Munmap(mem)
		return 0, nil, fmt.Errorf("jit: compiled block (%d bytes) exceeds code arena page", len(code))
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return 0, nil, fmt.Errorf("jit: mprotect code arena: %w", err)
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	release := func() { _ = unix.Munmap(mem) }
	return addr, release, nil
}
