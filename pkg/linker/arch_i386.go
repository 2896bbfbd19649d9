package linker

import (
	"debug/elf"
	"encoding/binary"
)

var machineI386 = Machine{
	Kind:     MachineI386,
	Name:     "elf_i386",
	EMachine: uint16(elf.EM_386),
	Format:   ElfFormat{Is64: false, Order: binary.LittleEndian},
	PageSize: 4096,
	IsRela:   false,

	PltHdrSize:      16,
	PltEntrySize:    16,
	PltGotEntrySize: 8,

	RelNone:      uint32(elf.R_386_NONE),
	RelAbs:       uint32(elf.R_386_32),
	RelCopy:      uint32(elf.R_386_COPY),
	RelGlobDat:   uint32(elf.R_386_GLOB_DAT),
	RelJumpSlot:  uint32(elf.R_386_JMP_SLOT),
	RelRelative:  uint32(elf.R_386_RELATIVE),
	RelIRelative: uint32(elf.R_386_IRELATIVE),
	RelDtpMod:    uint32(elf.R_386_TLS_DTPMOD32),
	RelDtpOff:    uint32(elf.R_386_TLS_DTPOFF32),
	RelTpOff:     uint32(elf.R_386_TLS_TPOFF),
	RelTlsDesc:   uint32(elf.R_386_TLS_DESC),

	DefaultDynamicLinker: "/lib/ld-linux.so.2",

	ScanRelocation:   scanRelI386,
	ApplyRelocation:  applyRelI386,
	WritePltHeader:   writePltHeaderI386,
	WritePltEntry:    writePltEntryI386,
	WritePltGotEntry: writePltGotEntryI386,
}

func scanRelI386(ctx *Context, isec *InputSection, sym *Symbol, rel *Rela, idx int) {
	switch elf.R_386(rel.Type) {
	case elf.R_386_32:
		dispatch(ctx, isec, sym, rel, idx, absRelTable(ctx))
	case elf.R_386_8, elf.R_386_16:
		dispatch(ctx, isec, sym, rel, idx, absRelSubWordTable(ctx))
	case elf.R_386_PC8, elf.R_386_PC16, elf.R_386_PC32:
		dispatch(ctx, isec, sym, rel, idx, pcRelTable(ctx))
	case elf.R_386_GOT32, elf.R_386_GOT32X:
		sym.AddFlags(NeedsGot)
	case elf.R_386_PLT32:
		if sym.IsImported {
			sym.AddFlags(NeedsPlt | NeedsDynsym)
		}
	case elf.R_386_GOTOFF, elf.R_386_GOTPC:
		sym.AddFlags(NeedsGot)
	case elf.R_386_TLS_GD:
		sym.AddFlags(NeedsTlsGd)
	case elf.R_386_TLS_LDM:
		ctx.Got.AddTlsLdSymbol(ctx)
	case elf.R_386_TLS_IE, elf.R_386_TLS_GOTIE:
		sym.AddFlags(NeedsGotTp)
	case elf.R_386_TLS_GOTDESC, elf.R_386_TLS_DESC_CALL:
		sym.AddFlags(NeedsTlsDesc)
	case elf.R_386_TLS_LE, elf.R_386_TLS_LDO_32:
		// link-time only
	default:
		Error(ctx, "%s: unknown relocation: %d", isec.File.GetName(), rel.Type)
	}
}

func applyRelI386(ctx *Context, isec *InputSection, base []byte, sym *Symbol, rel *Rela, idx int) {
	loc := base[rel.Offset:]
	S, A := isec.resolveRel(ctx, idx, rel, sym)
	P := isec.GetAddr() + rel.Offset
	SA := S + uint64(A)

	w32 := func(v uint64) { le.PutUint32(loc, uint32(v)) }

	switch elf.R_386(rel.Type) {
	case elf.R_386_8:
		loc[0] = uint8(SA)
	case elf.R_386_16:
		le.PutUint16(loc, uint16(SA))
	case elf.R_386_32:
		w32(SA)
	case elf.R_386_PC8:
		loc[0] = uint8(SA - P)
	case elf.R_386_PC16:
		le.PutUint16(loc, uint16(SA-P))
	case elf.R_386_PC32, elf.R_386_PLT32:
		w32(SA - P)
	case elf.R_386_GOT32, elf.R_386_GOT32X:
		w32(sym.GetGotAddr(ctx) + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_386_GOTOFF:
		w32(SA - ctx.GotPlt.Shdr.Addr)
	case elf.R_386_GOTPC:
		w32(ctx.GotPlt.Shdr.Addr + uint64(A) - P)
	case elf.R_386_TLS_GD:
		w32(sym.GetTlsGdAddr(ctx) + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_386_TLS_LDM:
		w32(ctx.Got.GetTlsLdAddr(ctx) + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_386_TLS_LDO_32:
		w32(SA - ctx.TlsBegin)
	case elf.R_386_TLS_IE:
		w32(sym.GetGotTpAddr(ctx) + uint64(A))
	case elf.R_386_TLS_GOTIE:
		w32(sym.GetGotTpAddr(ctx) + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_386_TLS_LE:
		w32(SA - ctx.TpAddr)
	case elf.R_386_TLS_GOTDESC:
		w32(sym.GetTlsDescAddr(ctx) + uint64(A) - ctx.GotPlt.Shdr.Addr)
	case elf.R_386_TLS_DESC_CALL:
		// nothing to patch
	}
}

func writePltHeaderI386(ctx *Context, buf []byte) {
	// pushl GOTPLT+4; jmp *GOTPLT+8
	insn := []byte{
		0xff, 0x35, 0, 0, 0, 0,
		0xff, 0x25, 0, 0, 0, 0,
		0x90, 0x90, 0x90, 0x90,
	}
	copy(buf, insn)
	le.PutUint32(buf[2:], uint32(ctx.GotPlt.Shdr.Addr+4))
	le.PutUint32(buf[8:], uint32(ctx.GotPlt.Shdr.Addr+8))
}

func writePltEntryI386(ctx *Context, buf []byte, sym *Symbol) {
	insn := []byte{
		0xff, 0x25, 0, 0, 0, 0,
		0x68, 0, 0, 0, 0,
		0xe9, 0, 0, 0, 0,
	}
	copy(buf, insn)
	entryAddr := sym.GetPltAddr(ctx)
	le.PutUint32(buf[2:], uint32(sym.GetGotPltAddr(ctx)))
	le.PutUint32(buf[7:], uint32(sym.PltIdx)*uint32(ctx.Format().RelaSize()))
	le.PutUint32(buf[12:], uint32(ctx.Plt.Shdr.Addr-entryAddr-16))
}

func writePltGotEntryI386(ctx *Context, buf []byte, sym *Symbol) {
	insn := []byte{0xff, 0x25, 0, 0, 0, 0, 0x66, 0x90}
	copy(buf, insn)
	le.PutUint32(buf[2:], uint32(sym.GetGotAddr(ctx)))
}
