package linker

import (
	"debug/elf"
	"testing"
)

func mkChunk(name string, typ uint32, flags uint64, size, align uint64) *OutputSection {
	o := NewOutputSection(name, typ, flags, 0)
	o.Shdr.Size = size
	o.Shdr.AddrAlign = align
	o.Members = []*InputSection{{}} // non-empty so nothing prunes it
	return o
}

func TestChunkRankOrder(t *testing.T) {
	ctx := newTestContext()

	ehdr := NewOutputEhdr()
	phdr := NewOutputPhdr()
	shdr := NewOutputShdr()
	ctx.Ehdr, ctx.Phdr, ctx.Shdr = ehdr, phdr, shdr

	note := mkChunk(".note.x", uint32(elf.SHT_NOTE), uint64(elf.SHF_ALLOC), 16, 4)
	rodata := mkChunk(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), 16, 8)
	text := mkChunk(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 16, 16)
	tdata := mkChunk(".tdata", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 16, 8)
	tbss := mkChunk(".tbss", uint32(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 16, 8)
	relroData := mkChunk(".data.rel.ro", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 16, 8)
	relroBss := mkChunk(".bss.rel.ro", uint32(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 16, 8)
	data := mkChunk(".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 16, 8)
	bss := mkChunk(".bss", uint32(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 16, 8)
	debug := mkChunk(".debug_info", uint32(elf.SHT_PROGBITS), 0, 16, 1)

	want := []Chunker{ehdr, phdr, note, rodata, text, tdata, tbss,
		relroData, relroBss, data, bss, debug, shdr}

	ctx.Chunks = []Chunker{shdr, debug, bss, data, relroBss, relroData,
		tbss, tdata, text, rodata, note, phdr, ehdr}
	SortOutputChunks(ctx)

	for i := range want {
		if ctx.Chunks[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s",
				i, ctx.Chunks[i].GetName(), want[i].GetName())
		}
	}
}

func TestLayoutInvariants(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.ImageBase = 0x200000

	ehdr := NewOutputEhdr()
	ehdr.Shdr.Size = 64
	phdr := NewOutputPhdr()
	phdr.Shdr.Size = 56 * 4
	shdr := NewOutputShdr()
	ctx.Ehdr, ctx.Phdr, ctx.Shdr = ehdr, phdr, shdr

	text := mkChunk(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), 0x1234, 16)
	rodata := mkChunk(".rodata", uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC), 100, 32)
	data := mkChunk(".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 0x333, 8)
	bss := mkChunk(".bss", uint32(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 0x4000, 32)
	debug := mkChunk(".debug_info", uint32(elf.SHT_PROGBITS), 0, 77, 1)

	ctx.Chunks = []Chunker{ehdr, phdr, rodata, text, data, bss, debug, shdr}
	filesize := SetOutputSectionOffsets(ctx)

	page := ctx.PageSize()
	for _, chunk := range ctx.Chunks {
		s := chunk.GetShdr()
		if s.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		if s.AddrAlign != 0 && s.Addr%s.AddrAlign != 0 {
			t.Errorf("%s: addr %#x violates alignment %d", chunk.GetName(), s.Addr, s.AddrAlign)
		}
		if s.Type != uint32(elf.SHT_NOBITS) && s.Addr%page != s.Offset%page {
			t.Errorf("%s: addr %#x and offset %#x are not congruent mod page",
				chunk.GetName(), s.Addr, s.Offset)
		}
	}

	// Chunks in different access groups must not share a page.
	if text.Shdr.Addr/page == data.Shdr.Addr/page {
		t.Error("RX and RW chunks share a page")
	}
	// BSS occupies address space but no file space.
	if filesize < data.Shdr.Offset+data.Shdr.Size {
		t.Error("file size does not cover the last progbits chunk")
	}
	if bss.Shdr.Addr < data.Shdr.Addr+data.Shdr.Size {
		t.Error("bss overlaps data in the address space")
	}
	if debug.Shdr.Offset < data.Shdr.Offset+data.Shdr.Size {
		t.Error("non-alloc chunk overlaps the alloc image")
	}
}

func TestTlsAddresses(t *testing.T) {
	ctx := newTestContext()

	tdata := mkChunk(".tdata", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 0x100, 8)
	tbss := mkChunk(".tbss", uint32(elf.SHT_NOBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE|elf.SHF_TLS), 0x80, 8)
	data := mkChunk(".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), 16, 8)

	ctx.Chunks = []Chunker{tdata, tbss, data}
	SetOutputSectionOffsets(ctx)

	if ctx.TlsBegin != tdata.Shdr.Addr {
		t.Errorf("TlsBegin = %#x, want %#x", ctx.TlsBegin, tdata.Shdr.Addr)
	}
	if ctx.TpAddr < ctx.TlsEnd {
		t.Errorf("x86 thread pointer %#x must sit at or past the TLS template end %#x",
			ctx.TpAddr, ctx.TlsEnd)
	}
	// tbss overlays the address space after tdata without growing the image.
	if data.Shdr.Addr < tdata.Shdr.Addr+tdata.Shdr.Size {
		t.Error("data overlaps the TLS template")
	}
}
