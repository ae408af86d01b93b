package rv64

import "testing"

// TestDecodeRoundTrip exercises the opcode-indexed decode table against one
// hand-encoded instruction per addressing shape (R/I/S/B/U/J), checking that
// every decoded field matches what was encoded.
func TestDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		raw  uint32
		want Decoded
	}{
		{"LUI", encLUI(5, 0x12345000), Decoded{Kind: KindLUI, Rd: 5, Imm: 0x12345000}},
		{"ADDI positive", encADDI(6, 7, 100), Decoded{Kind: KindADDI, Rd: 6, Rs1: 7, Imm: 100}},
		{"ADDI negative", encADDI(6, 7, -1), Decoded{Kind: KindADDI, Rd: 6, Rs1: 7, Imm: -1}},
		{"ADD", encADD(1, 2, 3), Decoded{Kind: KindADD, Rd: 1, Rs1: 2, Rs2: 3}},
		{"SUB", encSUB(1, 2, 3), Decoded{Kind: KindSUB, Rd: 1, Rs1: 2, Rs2: 3}},
		{"MUL", encMUL(1, 2, 3), Decoded{Kind: KindMUL, Rd: 1, Rs1: 2, Rs2: 3}},
		{"SW", encSW(8, 9, -8), Decoded{Kind: KindSW, Rs1: 8, Rs2: 9, Imm: -8}},
		{"LW", encLW(4, 8, -8), Decoded{Kind: KindLW, Rd: 4, Rs1: 8, Imm: -8}},
		{"BEQ forward", encBEQ(1, 2, 16), Decoded{Kind: KindBEQ, Rs1: 1, Rs2: 2, Imm: 16}},
		{"BNE backward", encBNE(1, 2, -16), Decoded{Kind: KindBNE, Rs1: 1, Rs2: 2, Imm: -16}},
		{"JAL", encJAL(1, 2048), Decoded{Kind: KindJAL, Rd: 1, Imm: 2048}},
		{"JAL negative", encJAL(0, -4), Decoded{Kind: KindJAL, Rd: 0, Imm: -4}},
		{"ECALL", encECALL(), Decoded{Kind: KindECALL}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Decode(c.raw)
			if got.Kind != c.want.Kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, c.want.Kind)
			}
			if got.Rd != c.want.Rd || got.Rs1 != c.want.Rs1 || got.Rs2 != c.want.Rs2 {
				t.Fatalf("fields = {Rd:%d Rs1:%d Rs2:%d}, want {Rd:%d Rs1:%d Rs2:%d}",
					got.Rd, got.Rs1, got.Rs2, c.want.Rd, c.want.Rs1, c.want.Rs2)
			}
			if got.Imm != c.want.Imm {
				t.Fatalf("Imm = %d, want %d", got.Imm, c.want.Imm)
			}
			if got.Raw != c.raw {
				t.Fatalf("Raw = %#x, want %#x", got.Raw, c.raw)
			}
		})
	}
}

// TestDecodeInvalidOpcode checks that an opcode with no registered decoder
// produces KindInvalid rather than panicking.
func TestDecodeInvalidOpcode(t *testing.T) {
	d := Decode(0x7F) // opcode 0x7F is unassigned
	if d.Kind != KindInvalid {
		t.Fatalf("Kind = %v, want KindInvalid", d.Kind)
	}
}

// TestIsControlTransfer spot-checks the basic-block-ending classification.
func TestIsControlTransfer(t *testing.T) {
	transfer := []Kind{KindJAL, KindJALR, KindBEQ, KindBNE, KindBLT, KindBGE, KindBLTU, KindBGEU, KindECALL}
	for _, k := range transfer {
		if !k.IsControlTransfer() {
			t.Errorf("%v: IsControlTransfer() = false, want true", k)
		}
	}
	straightLine := []Kind{KindADDI, KindLUI, KindADD, KindLW, KindSW, KindFENCE}
	for _, k := range straightLine {
		if k.IsControlTransfer() {
			t.Errorf("%v: IsControlTransfer() = true, want false", k)
		}
	}
}
