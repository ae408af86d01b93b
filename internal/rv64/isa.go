package rv64

// Kind tags the semantic operation of a decoded instruction.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindLUI
	KindAUIPC
	KindJAL
	KindJALR
	KindBEQ
	KindBNE
	KindBLT
	KindBGE
	KindBLTU
	KindBGEU
	KindLB
	KindLH
	KindLW
	KindLD
	KindLBU
	KindLHU
	KindLWU
	KindSB
	KindSH
	KindSW
	KindSD
	KindADDI
	KindSLTI
	KindSLTIU
	KindXORI
	KindORI
	KindANDI
	KindSLLI
	KindSRLI
	KindSRAI
	KindADDIW
	KindSLLIW
	KindSRLIW
	KindSRAIW
	KindADD
	KindSUB
	KindSLL
	KindSLT
	KindSLTU
	KindXOR
	KindSRL
	KindSRA
	KindOR
	KindAND
	KindADDW
	KindSUBW
	KindSLLW
	KindSRLW
	KindSRAW
	KindMUL
	KindMULH
	KindMULHSU
	KindMULHU
	KindDIV
	KindDIVU
	KindREM
	KindREMU
	KindMULW
	KindDIVW
	KindDIVUW
	KindREMW
	KindREMUW
	KindFENCE
	KindECALL
	KindEBREAK
	// KindBasicBlockEnd is the sentinel that terminates every block body. It
	// carries no semantics.
	KindBasicBlockEnd
	numKinds
)

// IsControlTransfer reports whether kind ends a basic block.
func (k Kind) IsControlTransfer() bool {
	switch k {
	case KindJAL, KindJALR, KindBEQ, KindBNE, KindBLT, KindBGE, KindBLTU, KindBGEU, KindECALL:
		return true
	default:
		return false
	}
}

// Decoded is a tagged decoded instruction record.
type Decoded struct {
	Kind Kind
	Rd   uint32
	Rs1  uint32
	Rs2  uint32
	Imm  int64
	Shamt uint32
	// Raw is the original 32-bit encoding, kept for JIT call-back fallback
	// and diagnostics.
	Raw uint32
}

// BasicBlockEnd is the fixed sentinel record appended to every block body.
var BasicBlockEnd = Decoded{Kind: KindBasicBlockEnd}
