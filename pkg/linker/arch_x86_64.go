package linker

import (
	"debug/elf"
	"encoding/binary"
)

var machineX86_64 = Machine{
	Kind:     MachineX86_64,
	Name:     "elf_x86_64",
	EMachine: uint16(elf.EM_X86_64),
	Format:   ElfFormat{Is64: true, Order: binary.LittleEndian},
	PageSize: 4096,
	IsRela:   true,

	PltHdrSize:      16,
	PltEntrySize:    16,
	PltGotEntrySize: 8,

	RelNone:      uint32(elf.R_X86_64_NONE),
	RelAbs:       uint32(elf.R_X86_64_64),
	RelCopy:      uint32(elf.R_X86_64_COPY),
	RelGlobDat:   uint32(elf.R_X86_64_GLOB_DAT),
	RelJumpSlot:  uint32(elf.R_X86_64_JMP_SLOT),
	RelRelative:  uint32(elf.R_X86_64_RELATIVE),
	RelIRelative: uint32(elf.R_X86_64_IRELATIVE),
	RelDtpMod:    uint32(elf.R_X86_64_DTPMOD64),
	RelDtpOff:    uint32(elf.R_X86_64_DTPOFF64),
	RelTpOff:     uint32(elf.R_X86_64_TPOFF64),
	RelTlsDesc:   uint32(elf.R_X86_64_TLSDESC),

	DefaultDynamicLinker: "/lib64/ld-linux-x86-64.so.2",

	ScanRelocation:   scanRelX86_64,
	ApplyRelocation:  applyRelX86_64,
	WritePltHeader:   writePltHeaderX86_64,
	WritePltEntry:    writePltEntryX86_64,
	WritePltGotEntry: writePltGotEntryX86_64,
}

func scanRelX86_64(ctx *Context, isec *InputSection, sym *Symbol, rel *Rela, idx int) {
	switch elf.R_X86_64(rel.Type) {
	case elf.R_X86_64_64:
		dispatch(ctx, isec, sym, rel, idx, absRelTable(ctx))
	case elf.R_X86_64_8, elf.R_X86_64_16, elf.R_X86_64_32, elf.R_X86_64_32S:
		dispatch(ctx, isec, sym, rel, idx, absRelSubWordTable(ctx))
	case elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32, elf.R_X86_64_PC64:
		dispatch(ctx, isec, sym, rel, idx, pcRelTable(ctx))
	case elf.R_X86_64_GOT32, elf.R_X86_64_GOT64, elf.R_X86_64_GOTPCREL,
		elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX, elf.R_X86_64_GOTPCREL64,
		elf.R_X86_64_GOTPC32, elf.R_X86_64_GOTPC64, elf.R_X86_64_GOTOFF64:
		sym.AddFlags(NeedsGot)
	case elf.R_X86_64_PLT32, elf.R_X86_64_PLTOFF64:
		if sym.IsImported {
			sym.AddFlags(NeedsPlt | NeedsDynsym)
		}
	case elf.R_X86_64_TLSGD:
		sym.AddFlags(NeedsTlsGd)
	case elf.R_X86_64_TLSLD:
		ctx.Got.AddTlsLdSymbol(ctx)
	case elf.R_X86_64_GOTTPOFF:
		sym.AddFlags(NeedsGotTp)
	case elf.R_X86_64_GOTPC32_TLSDESC:
		sym.AddFlags(NeedsTlsDesc)
	case elf.R_X86_64_TPOFF32, elf.R_X86_64_TPOFF64,
		elf.R_X86_64_DTPOFF32, elf.R_X86_64_DTPOFF64,
		elf.R_X86_64_SIZE32, elf.R_X86_64_SIZE64,
		elf.R_X86_64_TLSDESC_CALL:
		// no table entries needed
	default:
		Error(ctx, "%s: unknown relocation: %d", isec.File.GetName(), rel.Type)
	}
}

func applyRelX86_64(ctx *Context, isec *InputSection, base []byte, sym *Symbol, rel *Rela, idx int) {
	loc := base[rel.Offset:]
	S, A := isec.resolveRel(ctx, idx, rel, sym)
	P := isec.GetAddr() + rel.Offset
	G := func() uint64 { return sym.GetGotAddr(ctx) }

	w32 := func(v uint64) { le.PutUint32(loc, uint32(v)) }
	w64 := func(v uint64) { le.PutUint64(loc, v) }

	switch elf.R_X86_64(rel.Type) {
	case elf.R_X86_64_8:
		loc[0] = uint8(S + uint64(A))
	case elf.R_X86_64_16:
		le.PutUint16(loc, uint16(S+uint64(A)))
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		w32(S + uint64(A))
	case elf.R_X86_64_64:
		w64(S + uint64(A))
	case elf.R_X86_64_PC8:
		loc[0] = uint8(S + uint64(A) - P)
	case elf.R_X86_64_PC16:
		le.PutUint16(loc, uint16(S+uint64(A)-P))
	case elf.R_X86_64_PC32:
		w32(S + uint64(A) - P)
	case elf.R_X86_64_PC64:
		w64(S + uint64(A) - P)
	case elf.R_X86_64_PLT32:
		w32(S + uint64(A) - P) // S is already the PLT entry for imports
	case elf.R_X86_64_GOT32:
		w32(G() - ctx.GotPlt.Shdr.Addr + uint64(A))
	case elf.R_X86_64_GOT64:
		w64(G() - ctx.GotPlt.Shdr.Addr + uint64(A))
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		w32(G() + uint64(A) - P)
	case elf.R_X86_64_GOTPCREL64:
		w64(G() + uint64(A) - P)
	case elf.R_X86_64_GOTPC32:
		w32(ctx.GotPlt.Shdr.Addr + uint64(A) - P)
	case elf.R_X86_64_GOTPC64:
		w64(ctx.GotPlt.Shdr.Addr + uint64(A) - P)
	case elf.R_X86_64_GOTOFF64:
		w64(S + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_X86_64_PLTOFF64:
		w64(S + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_X86_64_TLSGD:
		w32(sym.GetTlsGdAddr(ctx) + uint64(A) - P)
	case elf.R_X86_64_TLSLD:
		w32(ctx.Got.GetTlsLdAddr(ctx) + uint64(A) - P)
	case elf.R_X86_64_DTPOFF32:
		w32(S + uint64(A) - ctx.TlsBegin)
	case elf.R_X86_64_DTPOFF64:
		w64(S + uint64(A) - ctx.TlsBegin)
	case elf.R_X86_64_TPOFF32:
		w32(S + uint64(A) - ctx.TpAddr)
	case elf.R_X86_64_TPOFF64:
		w64(S + uint64(A) - ctx.TpAddr)
	case elf.R_X86_64_GOTTPOFF:
		w32(sym.GetGotTpAddr(ctx) + uint64(A) - P)
	case elf.R_X86_64_GOTPC32_TLSDESC:
		w32(sym.GetTlsDescAddr(ctx) + uint64(A) - P)
	case elf.R_X86_64_SIZE32:
		w32(sym.ElfSym().Size + uint64(A))
	case elf.R_X86_64_SIZE64:
		w64(sym.ElfSym().Size + uint64(A))
	case elf.R_X86_64_TLSDESC_CALL:
		// nothing to patch
	}
}

func writePltHeaderX86_64(ctx *Context, buf []byte) {
	// push GOTPLT+8(%rip); jmp *GOTPLT+16(%rip)
	insn := []byte{
		0xff, 0x35, 0, 0, 0, 0, // push
		0xff, 0x25, 0, 0, 0, 0, // jmp
		0x0f, 0x1f, 0x40, 0x00, // nop
	}
	copy(buf, insn)
	gotplt := ctx.GotPlt.Shdr.Addr
	plt := ctx.Plt.Shdr.Addr
	le.PutUint32(buf[2:], uint32(gotplt+8-plt-6))
	le.PutUint32(buf[8:], uint32(gotplt+16-plt-12))
}

func writePltEntryX86_64(ctx *Context, buf []byte, sym *Symbol) {
	// jmp *SLOT(%rip); push INDEX; jmp PLT[0]
	insn := []byte{
		0xff, 0x25, 0, 0, 0, 0,
		0x68, 0, 0, 0, 0,
		0xe9, 0, 0, 0, 0,
	}
	copy(buf, insn)
	entryAddr := sym.GetPltAddr(ctx)
	le.PutUint32(buf[2:], uint32(sym.GetGotPltAddr(ctx)-entryAddr-6))
	le.PutUint32(buf[7:], uint32(sym.PltIdx))
	le.PutUint32(buf[12:], uint32(ctx.Plt.Shdr.Addr-entryAddr-16))
}

func writePltGotEntryX86_64(ctx *Context, buf []byte, sym *Symbol) {
	// jmp *GOT_SLOT(%rip); nop
	insn := []byte{0xff, 0x25, 0, 0, 0, 0, 0x66, 0x90}
	copy(buf, insn)
	entryAddr := ctx.PltGot.Shdr.Addr + uint64(sym.PltGotIdx)*ctx.Machine.PltGotEntrySize
	le.PutUint32(buf[2:], uint32(sym.GetGotAddr(ctx)-entryAddr-6))
}
