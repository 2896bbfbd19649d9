package linker

import (
	"debug/elf"
	"testing"
)

func TestGcSections(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.GcSections = true
	ctx.Args.Entry = "main"

	b := newObjBuilder()
	textMain := b.addSection(".text.main", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)
	rodata := b.addSection(".rodata.str", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC), []byte("hi\x00"), 1, 0)
	textDead := b.addSection(".text.dead", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)

	rodataSym := b.addLocal("", uint8(elf.STT_SECTION), rodata, 0)
	b.addGlobal("main", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), textMain, 0, 16)

	// main reads the string via a PC-relative load.
	b.addRelas(textMain, Rela{Offset: 4, Type: uint32(elf.R_X86_64_PC32), Sym: rodataSym})

	o := loadObject(ctx, "a.o", b.build(), false)
	ResolveSymbols(ctx)

	GcSections(ctx)

	find := func(name string) *InputSection {
		for _, isec := range o.Sections {
			if isec != nil && isec.Name() == name {
				return isec
			}
		}
		return nil
	}

	if isec := find(".text.main"); isec == nil || !isec.IsAlive.Load() {
		t.Error(".text.main should survive")
	}
	if isec := find(".rodata.str"); isec == nil || !isec.IsAlive.Load() {
		t.Error(".rodata.str is reachable from main and should survive")
	}
	if isec := find(".text.dead"); isec != nil && isec.IsAlive.Load() {
		t.Error(".text.dead is unreachable and should be collected")
	}
	_ = textDead
}

func TestGcKeepsInitFiniAndNotes(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.GcSections = true
	ctx.Args.Entry = "main"

	b := newObjBuilder()
	text := b.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)
	initArr := b.addSection(".init_array", uint32(elf.SHT_INIT_ARRAY),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), make([]byte, 8), 8, 8)
	note := b.addSection(".note.test", uint32(elf.SHT_NOTE),
		uint64(elf.SHF_ALLOC), make([]byte, 16), 4, 0)
	b.addGlobal("main", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), text, 0, 16)

	o := loadObject(ctx, "a.o", b.build(), false)
	ResolveSymbols(ctx)
	GcSections(ctx)

	for _, want := range []uint16{initArr, note} {
		if isec := o.Sections[want]; isec == nil || !isec.IsAlive.Load() {
			t.Errorf("root-set section %d was collected", want)
		}
	}
}

func TestGcVisitsEachSectionOnce(t *testing.T) {
	// A relocation cycle must not loop the mark phase.
	ctx := newTestContext()
	ctx.Args.GcSections = true
	ctx.Args.Entry = "a"

	b := newObjBuilder()
	secA := b.addSection(".text.a", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)
	secB := b.addSection(".text.b", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)

	symA := b.addGlobal("a", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), secA, 0, 16)
	symB := b.addGlobal("b", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), secB, 0, 16)

	b.addRelas(secA, Rela{Offset: 4, Type: uint32(elf.R_X86_64_PC32), Sym: symB})
	b.addRelas(secB, Rela{Offset: 4, Type: uint32(elf.R_X86_64_PC32), Sym: symA})

	o := loadObject(ctx, "a.o", b.build(), false)
	ResolveSymbols(ctx)
	GcSections(ctx)

	for _, isec := range o.Sections {
		if isec != nil && !isec.IsAlive.Load() {
			t.Error("cycle member was collected")
		}
	}
}
