package linker

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"
)

// End-to-end: two objects through the whole pipeline into an executable
// image, re-read through the same parser.
func TestLinkProducesValidExecutable(t *testing.T) {
	ctx := newTestContext()
	dir := t.TempDir()
	ctx.Args.Output = filepath.Join(dir, "a.out")

	start := newObjBuilder()
	text := start.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR),
		[]byte{0xb8, 0x3c, 0, 0, 0, 0x0f, 0x05, 0x90}, 16, 0)
	start.addGlobal("_start", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), text, 0, 8)

	other := newObjBuilder()
	data := other.addSection(".data", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE), []byte{1, 2, 3, 4, 5, 6, 7, 8}, 8, 0)
	other.addGlobal("counter", uint8(elf.STB_GLOBAL), uint8(elf.STT_OBJECT), data, 0, 8)

	loadObject(ctx, "start.o", start.build(), false)
	loadObject(ctx, "other.o", other.build(), false)

	Link(ctx)

	out, err := os.ReadFile(ctx.Args.Output)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}

	format, ok := GetElfFormat(out)
	if !ok || !format.Is64 {
		t.Fatal("output is not a 64-bit ELF")
	}
	ehdr := format.ReadEhdr(out)
	if ehdr.Type != uint16(elf.ET_EXEC) {
		t.Errorf("e_type = %d, want ET_EXEC", ehdr.Type)
	}
	if ehdr.Machine != uint16(elf.EM_X86_64) {
		t.Errorf("e_machine = %d", ehdr.Machine)
	}
	if ehdr.Entry == 0 {
		t.Error("entry point not assigned")
	}
	if ehdr.PhNum == 0 || ehdr.ShNum == 0 {
		t.Errorf("phnum = %d, shnum = %d", ehdr.PhNum, ehdr.ShNum)
	}

	// The program headers must keep vaddr and offset congruent modulo
	// the page size.
	for i := 0; i < int(ehdr.PhNum); i++ {
		phdr := format.ReadPhdr(out[ehdr.PhOff+uint64(i*format.PhdrSize()):])
		if phdr.Type != uint32(elf.PT_LOAD) {
			continue
		}
		if phdr.VAddr%ctx.PageSize() != phdr.Offset%ctx.PageSize() {
			t.Errorf("PT_LOAD %d: vaddr %#x and offset %#x not congruent",
				i, phdr.VAddr, phdr.Offset)
		}
	}

	// The text bytes must appear in the image at the entry point's file
	// position.
	found := false
	for i := 0; i+8 <= len(out); i++ {
		if out[i] == 0xb8 && out[i+1] == 0x3c && out[i+5] == 0x0f && out[i+6] == 0x05 {
			found = true
			break
		}
	}
	if !found {
		t.Error("text contents did not reach the output image")
	}
}
