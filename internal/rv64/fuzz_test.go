package rv64

import "testing"

// FuzzDecode checks spec §8 property #3's converse: Decode must never panic
// on any 32-bit word, known or not, and every Decoded it produces must obey
// the register-index field width the decode tables rely on.
func FuzzDecode(f *testing.F) {
	f.Add(encADDI(6, 7, 100))
	f.Add(encADD(1, 2, 3))
	f.Add(encBEQ(1, 2, 16))
	f.Add(encJAL(1, 2048))
	f.Add(encSW(8, 9, -8))
	f.Add(encECALL())
	f.Add(uint32(0))
	f.Add(uint32(0xFFFFFFFF))

	f.Fuzz(func(t *testing.T, raw uint32) {
		d := Decode(raw)
		if d.Rd >= NumRegs || d.Rs1 >= NumRegs || d.Rs2 >= NumRegs {
			t.Fatalf("Decode(%#x) produced an out-of-range register index: %+v", raw, d)
		}
		if d.Raw != raw {
			t.Fatalf("Decode(%#x).Raw = %#x, want %#x", raw, d.Raw, raw)
		}
	})
}

// FuzzRegsZeroSink checks property #1 (spec §8): Set(0, ...) must never
// make Get(0) observe anything but zero, for any sequence of writes.
func FuzzRegsZeroSink(f *testing.F) {
	f.Add(uint64(0), uint64(0xDEADBEEF))
	f.Add(uint64(1), uint64(42))

	f.Fuzz(func(t *testing.T, index uint64, value uint64) {
		var r Regs
		i := uint32(index % NumRegs)
		r.Set(i, value)
		if i == 0 && r.Get(0) != 0 {
			t.Fatalf("Get(0) = %#x after Set(0, %#x), want 0", r.Get(0), value)
		}
	})
}
