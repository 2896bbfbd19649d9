package utils

import "testing"

func TestAlignTo(t *testing.T) {
	tests := []struct {
		val, align, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4097, 4096, 8192},
		{100, 0, 100},
		{100, 1, 100},
	}
	for _, tt := range tests {
		if got := AlignTo(tt.val, tt.align); got != tt.want {
			t.Errorf("AlignTo(%d, %d) = %d, want %d", tt.val, tt.align, got, tt.want)
		}
	}
}

func TestUlebRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 129, 16383, 16384, 1 << 32, 1<<64 - 1,
	}
	for _, val := range values {
		buf := EncodeUleb(nil, val)
		got, n := ReadUleb(buf)
		if got != val {
			t.Errorf("ReadUleb(EncodeUleb(%d)) = %d", val, got)
		}
		if n != len(buf) || n != UlebSize(val) {
			t.Errorf("uleb size mismatch for %d: read %d, buf %d, UlebSize %d",
				val, n, len(buf), UlebSize(val))
		}
	}
}

func TestBits(t *testing.T) {
	if got := Bits(uint32(0b1101_0110), 7, 4); got != 0b1101 {
		t.Errorf("Bits = %b", got)
	}
	if got := Bit(uint32(0b100), 2); got != 1 {
		t.Errorf("Bit = %d", got)
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(0x800, 11); got != 0xfffffffffffff800 {
		t.Errorf("SignExtend(0x800, 11) = %#x", got)
	}
	if got := SignExtend(0x7ff, 11); got != 0x7ff {
		t.Errorf("SignExtend(0x7ff, 11) = %#x", got)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct{ in, want uint64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {4096, 4096}, {4097, 8192},
	}
	for _, tt := range tests {
		if got := NextPowerOfTwo(tt.in); got != tt.want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBitVector(t *testing.T) {
	bv := NewBitVector(130)
	bv.Set(0)
	bv.Set(64)
	bv.Set(129)
	if !bv.Get(0) || !bv.Get(64) || !bv.Get(129) {
		t.Error("set bits not readable")
	}
	if bv.Get(1) || bv.Get(128) {
		t.Error("unset bits readable")
	}
	if bv.Count() != 3 {
		t.Errorf("Count = %d, want 3", bv.Count())
	}
	bv.Clear(64)
	if bv.Get(64) || bv.Count() != 2 {
		t.Error("Clear failed")
	}
}

func TestRemoveIf(t *testing.T) {
	got := RemoveIf([]int{1, 2, 3, 4, 5}, func(x int) bool { return x%2 == 0 })
	if len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Errorf("RemoveIf = %v", got)
	}
}

func TestRemovePrefix(t *testing.T) {
	if s, ok := RemovePrefix("-lfoo", "-l"); !ok || s != "foo" {
		t.Errorf("RemovePrefix = %q, %v", s, ok)
	}
	if _, ok := RemovePrefix("foo", "-l"); ok {
		t.Error("RemovePrefix matched without prefix")
	}
}
