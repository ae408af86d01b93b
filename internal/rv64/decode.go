package rv64

// decoderFunc turns a raw 32-bit instruction word into a Decoded record. It
// is only ever invoked after the low 7 bits (the opcode) have already
// selected it from decodeTable.
type decoderFunc func(raw uint32) Decoded

// decodeTable is indexed by the 7-bit opcode field. Entries left nil produce
// KindInvalid.
var decodeTable [128]decoderFunc

func init() {
	decodeTable[0b0110111] = decodeLUI
	decodeTable[0b0010111] = decodeAUIPC
	decodeTable[0b1101111] = decodeJAL
	decodeTable[0b1100111] = decodeJALR
	decodeTable[0b1100011] = decodeBranch
	decodeTable[0b0000011] = decodeLoad
	decodeTable[0b0100011] = decodeStore
	decodeTable[0b0010011] = decodeOpImm
	decodeTable[0b0011011] = decodeOpImm32
	decodeTable[0b0110011] = decodeOp
	decodeTable[0b0111011] = decodeOp32
	decodeTable[0b0001111] = decodeFence
	decodeTable[0b1110011] = decodeSystem
}

func opcode(raw uint32) uint32 { return raw & 0x7F }
func rd(raw uint32) uint32     { return (raw >> 7) & 0x1F }
func funct3(raw uint32) uint32 { return (raw >> 12) & 0x7 }
func rs1(raw uint32) uint32    { return (raw >> 15) & 0x1F }
func rs2(raw uint32) uint32    { return (raw >> 20) & 0x1F }
func funct7(raw uint32) uint32 { return (raw >> 25) & 0x7F }

func signExtend(value uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(value<<shift) >> shift
}

func immI(raw uint32) int64 {
	return signExtend(uint64(raw>>20), 12)
}

func immS(raw uint32) int64 {
	v := ((raw >> 25) << 5) | ((raw >> 7) & 0x1F)
	return signExtend(uint64(v), 12)
}

func immB(raw uint32) int64 {
	v := (((raw >> 31) & 0x1) << 12) |
		(((raw >> 7) & 0x1) << 11) |
		(((raw >> 25) & 0x3F) << 5) |
		(((raw >> 8) & 0xF) << 1)
	return signExtend(uint64(v), 13)
}

func immU(raw uint32) int64 {
	return signExtend(uint64(raw&0xFFFFF000), 32)
}

func immJ(raw uint32) int64 {
	v := (((raw >> 31) & 0x1) << 20) |
		(((raw >> 12) & 0xFF) << 12) |
		(((raw >> 20) & 0x1) << 11) |
		(((raw >> 21) & 0x3FF) << 1)
	return signExtend(uint64(v), 21)
}

// Decode turns a 32-bit instruction word into a Decoded record. Unknown
// encodings produce Kind KindInvalid.
func Decode(raw uint32) Decoded {
	fn := decodeTable[opcode(raw)]
	if fn == nil {
		return Decoded{Kind: KindInvalid, Raw: raw}
	}
	d := fn(raw)
	d.Raw = raw
	return d
}

func decodeLUI(raw uint32) Decoded {
	return Decoded{Kind: KindLUI, Rd: rd(raw), Imm: immU(raw)}
}

func decodeAUIPC(raw uint32) Decoded {
	return Decoded{Kind: KindAUIPC, Rd: rd(raw), Imm: immU(raw)}
}

func decodeJAL(raw uint32) Decoded {
	return Decoded{Kind: KindJAL, Rd: rd(raw), Imm: immJ(raw)}
}

func decodeJALR(raw uint32) Decoded {
	if funct3(raw) != 0 {
		return Decoded{Kind: KindInvalid}
	}
	return Decoded{Kind: KindJALR, Rd: rd(raw), Rs1: rs1(raw), Imm: immI(raw)}
}

func decodeBranch(raw uint32) Decoded {
	var kind Kind
	switch funct3(raw) {
	case 0b000:
		kind = KindBEQ
	case 0b001:
		kind = KindBNE
	case 0b100:
		kind = KindBLT
	case 0b101:
		kind = KindBGE
	case 0b110:
		kind = KindBLTU
	case 0b111:
		kind = KindBGEU
	default:
		return Decoded{Kind: KindInvalid}
	}
	return Decoded{Kind: kind, Rs1: rs1(raw), Rs2: rs2(raw), Imm: immB(raw)}
}

func decodeLoad(raw uint32) Decoded {
	var kind Kind
	switch funct3(raw) {
	case 0b000:
		kind = KindLB
	case 0b001:
		kind = KindLH
	case 0b010:
		kind = KindLW
	case 0b011:
		kind = KindLD
	case 0b100:
		kind = KindLBU
	case 0b101:
		kind = KindLHU
	case 0b110:
		kind = KindLWU
	default:
		return Decoded{Kind: KindInvalid}
	}
	return Decoded{Kind: kind, Rd: rd(raw), Rs1: rs1(raw), Imm: immI(raw)}
}

func decodeStore(raw uint32) Decoded {
	var kind Kind
	switch funct3(raw) {
	case 0b000:
		kind = KindSB
	case 0b001:
		kind = KindSH
	case 0b010:
		kind = KindSW
	case 0b011:
		kind = KindSD
	default:
		return Decoded{Kind: KindInvalid}
	}
	return Decoded{Kind: kind, Rs1: rs1(raw), Rs2: rs2(raw), Imm: immS(raw)}
}

func decodeOpImm(raw uint32) Decoded {
	d := Decoded{Rd: rd(raw), Rs1: rs1(raw), Imm: immI(raw)}
	switch funct3(raw) {
	case 0b000:
		d.Kind = KindADDI
	case 0b010:
		d.Kind = KindSLTI
	case 0b011:
		d.Kind = KindSLTIU
	case 0b100:
		d.Kind = KindXORI
	case 0b110:
		d.Kind = KindORI
	case 0b111:
		d.Kind = KindANDI
	case 0b001:
		if funct7(raw)&0x7E != 0 {
			return Decoded{Kind: KindInvalid}
		}
		d.Kind = KindSLLI
		d.Shamt = rs2(raw) & 0x3F
	case 0b101:
		d.Shamt = rs2(raw) & 0x3F
		switch funct7(raw) >> 1 {
		case 0:
			d.Kind = KindSRLI
		case 0b0100000 >> 1:
			d.Kind = KindSRAI
		default:
			return Decoded{Kind: KindInvalid}
		}
	default:
		return Decoded{Kind: KindInvalid}
	}
	return d
}

func decodeOpImm32(raw uint32) Decoded {
	d := Decoded{Rd: rd(raw), Rs1: rs1(raw), Imm: immI(raw)}
	switch funct3(raw) {
	case 0b000:
		d.Kind = KindADDIW
	case 0b001:
		if funct7(raw) != 0 {
			return Decoded{Kind: KindInvalid}
		}
		d.Kind = KindSLLIW
		d.Shamt = rs2(raw) & 0x1F
	case 0b101:
		d.Shamt = rs2(raw) & 0x1F
		switch funct7(raw) {
		case 0:
			d.Kind = KindSRLIW
		case 0b0100000:
			d.Kind = KindSRAIW
		default:
			return Decoded{Kind: KindInvalid}
		}
	default:
		return Decoded{Kind: KindInvalid}
	}
	return d
}

func decodeOp(raw uint32) Decoded {
	d := Decoded{Rd: rd(raw), Rs1: rs1(raw), Rs2: rs2(raw)}
	f3, f7 := funct3(raw), funct7(raw)
	switch {
	case f7 == 0b0000001:
		switch f3 {
		case 0b000:
			d.Kind = KindMUL
		case 0b001:
			d.Kind = KindMULH
		case 0b010:
			d.Kind = KindMULHSU
		case 0b011:
			d.Kind = KindMULHU
		case 0b100:
			d.Kind = KindDIV
		case 0b101:
			d.Kind = KindDIVU
		case 0b110:
			d.Kind = KindREM
		case 0b111:
			d.Kind = KindREMU
		default:
			return Decoded{Kind: KindInvalid}
		}
	case f7 == 0:
		switch f3 {
		case 0b000:
			d.Kind = KindADD
		case 0b001:
			d.Kind = KindSLL
		case 0b010:
			d.Kind = KindSLT
		case 0b011:
			d.Kind = KindSLTU
		case 0b100:
			d.Kind = KindXOR
		case 0b101:
			d.Kind = KindSRL
		case 0b110:
			d.Kind = KindOR
		case 0b111:
			d.Kind = KindAND
		default:
			return Decoded{Kind: KindInvalid}
		}
	case f7 == 0b0100000:
		switch f3 {
		case 0b000:
			d.Kind = KindSUB
		case 0b101:
			d.Kind = KindSRA
		default:
			return Decoded{Kind: KindInvalid}
		}
	default:
		return Decoded{Kind: KindInvalid}
	}
	return d
}

func decodeOp32(raw uint32) Decoded {
	d := Decoded{Rd: rd(raw), Rs1: rs1(raw), Rs2: rs2(raw)}
	f3, f7 := funct3(raw), funct7(raw)
	switch {
	case f7 == 0b0000001:
		switch f3 {
		case 0b000:
			d.Kind = KindMULW
		case 0b100:
			d.Kind = KindDIVW
		case 0b101:
			d.Kind = KindDIVUW
		case 0b110:
			d.Kind = KindREMW
		case 0b111:
			d.Kind = KindREMUW
		default:
			return Decoded{Kind: KindInvalid}
		}
	case f7 == 0:
		switch f3 {
		case 0b000:
			d.Kind = KindADDW
		case 0b001:
			d.Kind = KindSLLW
		case 0b101:
			d.Kind = KindSRLW
		default:
			return Decoded{Kind: KindInvalid}
		}
	case f7 == 0b0100000:
		switch f3 {
		case 0b000:
			d.Kind = KindSUBW
		case 0b101:
			d.Kind = KindSRAW
		default:
			return Decoded{Kind: KindInvalid}
		}
	default:
		return Decoded{Kind: KindInvalid}
	}
	return d
}

func decodeFence(raw uint32) Decoded {
	if funct3(raw) != 0 {
		return Decoded{Kind: KindInvalid}
	}
	return Decoded{Kind: KindFENCE}
}

func decodeSystem(raw uint32) Decoded {
	if funct3(raw) != 0 || rd(raw) != 0 || rs1(raw) != 0 {
		return Decoded{Kind: KindInvalid}
	}
	switch raw >> 20 {
	case 0:
		return Decoded{Kind: KindECALL}
	case 1:
		return Decoded{Kind: KindEBREAK}
	default:
		return Decoded{Kind: KindInvalid}
	}
}
