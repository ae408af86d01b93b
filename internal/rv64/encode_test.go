package rv64

// Raw instruction encoders used only by tests, to build hand-assembled
// guest programs the way internal/hv/riscv/rv64's tests do (see
// _examples/tinyrange-cc/internal/hv/riscv/rv64/emulator_test.go). These
// mirror the decode.go field layouts exactly, so a test using them doubles
// as a decode round-trip check.

const (
	opLUI     = 0b0110111
	opAUIPC   = 0b0010111
	opJAL     = 0b1101111
	opJALR    = 0b1100111
	opBranch  = 0b1100011
	opLoad    = 0b0000011
	opStore   = 0b0100011
	opOpImm   = 0b0010011
	opOpImm32 = 0b0011011
	opOp      = 0b0110011
	opOp32    = 0b0111011
	opFence   = 0b0001111
	opSystem  = 0b1110011
)

func encR(funct7, rs2v, rs1v, funct3, rdv, op uint32) uint32 {
	return funct7<<25 | rs2v<<20 | rs1v<<15 | funct3<<12 | rdv<<7 | op
}

func encI(imm int32, rs1v, funct3, rdv, op uint32) uint32 {
	return uint32(imm)<<20 | rs1v<<15 | funct3<<12 | rdv<<7 | op
}

func encShiftImm(shamt, funct7, rs1v, funct3, rdv, op uint32) uint32 {
	return funct7<<25 | shamt<<20 | rs1v<<15 | funct3<<12 | rdv<<7 | op
}

func encS(imm int32, rs2v, rs1v, funct3, op uint32) uint32 {
	u := uint32(imm)
	return ((u>>5)&0x7F)<<25 | rs2v<<20 | rs1v<<15 | funct3<<12 | (u&0x1F)<<7 | op
}

func encB(imm int32, rs1v, rs2v, funct3, op uint32) uint32 {
	u := uint32(imm)
	return ((u>>12)&0x1)<<31 | ((u>>5)&0x3F)<<25 | rs2v<<20 | rs1v<<15 | funct3<<12 | ((u>>1)&0xF)<<8 | ((u>>11)&0x1)<<7 | op
}

func encU(imm int32, rdv, op uint32) uint32 {
	return uint32(imm)&0xFFFFF000 | rdv<<7 | op
}

func encJ(imm int32, rdv, op uint32) uint32 {
	u := uint32(imm)
	return ((u>>20)&0x1)<<31 | ((u>>1)&0x3FF)<<21 | ((u>>11)&0x1)<<20 | ((u>>12)&0xFF)<<12 | rdv<<7 | op
}

// addi rd, rs1, imm
func encADDI(rdv, rs1v uint32, imm int32) uint32 { return encI(imm, rs1v, 0b000, rdv, opOpImm) }

// lui rd, imm (imm already shifted into bits [31:12])
func encLUI(rdv uint32, imm int32) uint32 { return encU(imm, rdv, opLUI) }

// add/sub/and/or/xor/slt/sltu rd, rs1, rs2
func encALUReg(funct3, funct7, rdv, rs1v, rs2v uint32) uint32 {
	return encR(funct7, rs2v, rs1v, funct3, rdv, opOp)
}

func encADD(rdv, rs1v, rs2v uint32) uint32 { return encALUReg(0b000, 0, rdv, rs1v, rs2v) }
func encSUB(rdv, rs1v, rs2v uint32) uint32 { return encALUReg(0b000, 0b0100000, rdv, rs1v, rs2v) }
func encMUL(rdv, rs1v, rs2v uint32) uint32 { return encALUReg(0b000, 0b0000001, rdv, rs1v, rs2v) }

// beq/bne/blt/bge/bltu/bgeu rs1, rs2, imm
func encBranchInsn(funct3 uint32, rs1v, rs2v uint32, imm int32) uint32 {
	return encB(imm, rs1v, rs2v, funct3, opBranch)
}

func encBEQ(rs1v, rs2v uint32, imm int32) uint32 { return encBranchInsn(0b000, rs1v, rs2v, imm) }
func encBNE(rs1v, rs2v uint32, imm int32) uint32 { return encBranchInsn(0b001, rs1v, rs2v, imm) }

// jal rd, imm
func encJAL(rdv uint32, imm int32) uint32 { return encJ(imm, rdv, opJAL) }

// sb/sh/sw/sd rs2, imm(rs1)
func encStoreInsn(funct3 uint32, rs1v, rs2v uint32, imm int32) uint32 {
	return encS(imm, rs2v, rs1v, funct3, opStore)
}
func encSW(rs1v, rs2v uint32, imm int32) uint32 { return encStoreInsn(0b010, rs1v, rs2v, imm) }
func encSD(rs1v, rs2v uint32, imm int32) uint32 { return encStoreInsn(0b011, rs1v, rs2v, imm) }

// lb/lh/lw/ld/lbu/lhu/lwu rd, imm(rs1)
func encLoadInsn(funct3 uint32, rdv, rs1v uint32, imm int32) uint32 {
	return encI(imm, rs1v, funct3, rdv, opLoad)
}
func encLW(rdv, rs1v uint32, imm int32) uint32 { return encLoadInsn(0b010, rdv, rs1v, imm) }
func encLD(rdv, rs1v uint32, imm int32) uint32 { return encLoadInsn(0b011, rdv, rs1v, imm) }

// ecall
func encECALL() uint32 { return encI(0, 0, 0, 0, opSystem) }
