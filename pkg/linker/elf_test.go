package linker

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

var formats = []ElfFormat{
	{Is64: true, Order: binary.LittleEndian},
	{Is64: true, Order: binary.BigEndian},
	{Is64: false, Order: binary.LittleEndian},
	{Is64: false, Order: binary.BigEndian},
}

func TestShdrRoundTrip(t *testing.T) {
	in := Shdr{
		Name: 17, Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Addr:  0x201000, Offset: 0x1000, Size: 0x234,
		Link: 3, Info: 9, AddrAlign: 16, EntSize: 0,
	}
	for _, f := range formats {
		buf := make([]byte, f.ShdrSize())
		f.WriteShdr(buf, in)
		if got := f.ReadShdr(buf); got != in {
			t.Errorf("%+v: round trip mismatch: %+v != %+v", f, got, in)
		}
	}
}

func TestSymRoundTrip(t *testing.T) {
	in := Sym{Name: 5, Info: 0x12, Other: 2, Shndx: 4, Val: 0x1234, Size: 64}
	for _, f := range formats {
		buf := make([]byte, f.SymSize())
		f.WriteSym(buf, in)
		if got := f.ReadSym(buf); got != in {
			t.Errorf("%+v: round trip mismatch: %+v != %+v", f, got, in)
		}
	}
}

func TestRelaRoundTrip(t *testing.T) {
	in := Rela{Offset: 0x40, Type: 2, Sym: 7, Addend: -8}
	for _, f := range formats {
		buf := make([]byte, f.RelaSize())
		f.WriteRela(buf, in)
		if got := f.ReadRela(buf, true); got != in {
			t.Errorf("%+v: round trip mismatch: %+v != %+v", f, got, in)
		}
	}
}

func TestEhdrRoundTrip(t *testing.T) {
	in := Ehdr{
		Type: uint16(elf.ET_EXEC), Machine: uint16(elf.EM_X86_64),
		Version: 1, Entry: 0x201000, PhOff: 64, ShOff: 0x2000,
		EhSize: 64, PhEntSize: 56, PhNum: 7, ShEntSize: 64, ShNum: 20, ShStrndx: 19,
	}
	WriteMagic(in.Ident[:])
	for _, f := range formats {
		buf := make([]byte, f.EhdrSize())
		f.WriteEhdr(buf, in)
		if got := f.ReadEhdr(buf); got != in {
			t.Errorf("%+v: round trip mismatch", f)
		}
	}
}

func TestGetElfFormat(t *testing.T) {
	buf := make([]byte, 20)
	WriteMagic(buf)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	f, ok := GetElfFormat(buf)
	if !ok || !f.Is64 || f.Order != binary.LittleEndian {
		t.Errorf("GetElfFormat = %+v, %v", f, ok)
	}
	if _, ok := GetElfFormat([]byte("not an elf")); ok {
		t.Error("GetElfFormat accepted garbage")
	}
}

func TestElfHash(t *testing.T) {
	// Reference values of the SysV hash function.
	tests := map[string]uint32{
		"":       0,
		"printf": 0x077905a6,
		"main":   0x000737fe,
	}
	for name, want := range tests {
		if got := ElfHash(name); got != want {
			t.Errorf("ElfHash(%q) = %#x, want %#x", name, got, want)
		}
	}
}

func TestGnuHash(t *testing.T) {
	if got := GnuHash(""); got != 5381 {
		t.Errorf("GnuHash(\"\") = %d", got)
	}
	// h("a") = 5381*33 + 'a'
	if got := GnuHash("a"); got != 5381*33+'a' {
		t.Errorf("GnuHash(\"a\") = %d", got)
	}
}

func TestIsCIdentifier(t *testing.T) {
	valid := []string{"foo", "_bar", "my_section2"}
	invalid := []string{"", ".text", "9start", "has-dash"}
	for _, s := range valid {
		if !IsCIdentifier(s) {
			t.Errorf("IsCIdentifier(%q) = false", s)
		}
	}
	for _, s := range invalid {
		if IsCIdentifier(s) {
			t.Errorf("IsCIdentifier(%q) = true", s)
		}
	}
}

func TestElfGetName(t *testing.T) {
	strtab := []byte("\x00.text\x00.data\x00")
	if got := ElfGetName(strtab, 1); got != ".text" {
		t.Errorf("ElfGetName = %q", got)
	}
	if got := ElfGetName(strtab, 7); got != ".data" {
		t.Errorf("ElfGetName = %q", got)
	}
}
