package linker

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildEhframe assembles one CIE and one FDE: [len][id=0][pad] then
// [len][cie back-pointer][pad].
func buildEhframe() []byte {
	buf := make([]byte, 32)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 12) // CIE length
	le.PutUint32(buf[4:], 0)  // CIE id
	le.PutUint32(buf[16:], 12)
	le.PutUint32(buf[20:], 20) // distance back to the CIE
	return buf
}

func TestEhframeParsing(t *testing.T) {
	ctx := newTestContext()

	b := newObjBuilder()
	text := b.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 32), 16, 0)
	eh := b.addSection(".eh_frame", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC), buildEhframe(), 8, 0)
	fn := b.addGlobal("fn", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), text, 0, 32)

	// The FDE's first relocation is its function pointer at record
	// offset 8 (file offset 16+8).
	b.addRelas(eh, Rela{Offset: 24, Type: uint32(elf.R_X86_64_PC32), Sym: fn})

	o := loadObject(ctx, "a.o", b.build(), false)

	if len(o.Cies) != 1 {
		t.Fatalf("len(Cies) = %d", len(o.Cies))
	}
	if len(o.Fdes) != 1 {
		t.Fatalf("len(Fdes) = %d", len(o.Fdes))
	}
	fde := &o.Fdes[0]
	if fde.CieIdx != 0 {
		t.Errorf("CieIdx = %d", fde.CieIdx)
	}
	if !fde.IsAlive {
		t.Error("freshly parsed FDE should be alive")
	}

	var textSec *InputSection
	for _, isec := range o.Sections {
		if isec != nil && isec.Name() == ".text" {
			textSec = isec
		}
	}
	if textSec == nil {
		t.Fatal("no .text")
	}
	if got := textSec.GetFdes(); len(got) != 1 {
		t.Errorf("attached FDEs = %d, want 1", len(got))
	}

	// The raw .eh_frame input section must not reach the regular binning.
	for _, isec := range o.Sections {
		if isec != nil && isec.IsEhframe && isec.IsAlive.Load() {
			t.Error(".eh_frame input section still alive")
		}
	}
}

func TestEhframeFdeWithoutRelocsIsSkipped(t *testing.T) {
	ctx := newTestContext()

	b := newObjBuilder()
	b.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 32), 16, 0)
	eh := b.addSection(".eh_frame", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC), buildEhframe(), 8, 0)
	// A relocation on the CIE only keeps GetRels non-nil; the FDE gets
	// none and must be dropped.
	b.addRelas(eh, Rela{Offset: 8, Type: uint32(elf.R_X86_64_NONE), Sym: 0})

	o := loadObject(ctx, "a.o", b.build(), false)

	if len(o.Fdes) != 0 {
		t.Errorf("reloc-less FDE survived: %d", len(o.Fdes))
	}
}

func TestCieDeduplication(t *testing.T) {
	ctx := newTestContext()

	mk := func() []byte {
		b := newObjBuilder()
		text := b.addSection(".text", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 32), 16, 0)
		eh := b.addSection(".eh_frame", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC), buildEhframe(), 8, 0)
		fn := b.addGlobal("fn"+string(rune('A'+len(ctx.Objs))),
			uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), text, 0, 32)
		b.addRelas(eh, Rela{Offset: 24, Type: uint32(elf.R_X86_64_PC32), Sym: fn})
		return b.build()
	}

	loadObject(ctx, "a.o", mk(), false)
	loadObject(ctx, "b.o", mk(), false)
	ResolveSymbols(ctx)

	ehOut := NewEhFrameSection()
	ctx.EhFrame = ehOut
	ehOut.UpdateShdr(ctx)

	leaders := 0
	for _, o := range ctx.Objs {
		for i := range o.Cies {
			if o.Cies[i].IsLeader {
				leaders++
			}
		}
	}
	if leaders != 1 {
		t.Errorf("leaders = %d, want 1 (identical CIEs must merge)", leaders)
	}
	// CIE (16) + 2 FDEs (16 each) + terminator (4).
	if ehOut.Shdr.Size != 16+32+4 {
		t.Errorf("eh_frame size = %d", ehOut.Shdr.Size)
	}
}
