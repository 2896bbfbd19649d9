package linker

import (
	"debug/elf"
	"encoding/binary"
)

var machineArm64 = Machine{
	Kind:     MachineArm64,
	Name:     "aarch64linux",
	EMachine: uint16(elf.EM_AARCH64),
	Format:   ElfFormat{Is64: true, Order: binary.LittleEndian},
	PageSize: 65536,
	IsRela:   true,

	PltHdrSize:      32,
	PltEntrySize:    16,
	PltGotEntrySize: 16,

	RelNone:      uint32(elf.R_AARCH64_NONE),
	RelAbs:       uint32(elf.R_AARCH64_ABS64),
	RelCopy:      uint32(elf.R_AARCH64_COPY),
	RelGlobDat:   uint32(elf.R_AARCH64_GLOB_DAT),
	RelJumpSlot:  uint32(elf.R_AARCH64_JUMP_SLOT),
	RelRelative:  uint32(elf.R_AARCH64_RELATIVE),
	RelIRelative: uint32(elf.R_AARCH64_IRELATIVE),
	RelDtpMod:    uint32(elf.R_AARCH64_TLS_DTPMOD64),
	RelDtpOff:    uint32(elf.R_AARCH64_TLS_DTPREL64),
	RelTpOff:     uint32(elf.R_AARCH64_TLS_TPREL64),
	RelTlsDesc:   uint32(elf.R_AARCH64_TLSDESC),

	DefaultDynamicLinker: "/lib/ld-linux-aarch64.so.1",

	ScanRelocation:   scanRelArm64,
	ApplyRelocation:  applyRelArm64,
	WritePltHeader:   writePltHeaderArm64,
	WritePltEntry:    writePltEntryArm64,
	WritePltGotEntry: writePltGotEntryArm64,
}

func scanRelArm64(ctx *Context, isec *InputSection, sym *Symbol, rel *Rela, idx int) {
	switch elf.R_AARCH64(rel.Type) {
	case elf.R_AARCH64_ABS64:
		dispatch(ctx, isec, sym, rel, idx, absRelTable(ctx))
	case elf.R_AARCH64_ABS32, elf.R_AARCH64_ABS16:
		dispatch(ctx, isec, sym, rel, idx, absRelSubWordTable(ctx))
	case elf.R_AARCH64_PREL64, elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL16:
		dispatch(ctx, isec, sym, rel, idx, pcRelTable(ctx))
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		if sym.IsImported {
			sym.AddFlags(NeedsPlt | NeedsDynsym)
		}
	case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC,
		elf.R_AARCH64_LD64_GOTPAGE_LO15:
		sym.AddFlags(NeedsGot)
	case elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21, elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		sym.AddFlags(NeedsGotTp)
	case elf.R_AARCH64_TLSGD_ADR_PAGE21, elf.R_AARCH64_TLSGD_ADD_LO12_NC:
		sym.AddFlags(NeedsTlsGd)
	case elf.R_AARCH64_TLSDESC_ADR_PAGE21, elf.R_AARCH64_TLSDESC_LD64_LO12_NC,
		elf.R_AARCH64_TLSDESC_ADD_LO12_NC, elf.R_AARCH64_TLSDESC_CALL:
		sym.AddFlags(NeedsTlsDesc)
	case elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADD_ABS_LO12_NC,
		elf.R_AARCH64_LDST8_ABS_LO12_NC, elf.R_AARCH64_LDST16_ABS_LO12_NC,
		elf.R_AARCH64_LDST32_ABS_LO12_NC, elf.R_AARCH64_LDST64_ABS_LO12_NC,
		elf.R_AARCH64_LDST128_ABS_LO12_NC,
		elf.R_AARCH64_TLSLE_ADD_TPREL_HI12, elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC,
		elf.R_AARCH64_ADR_PREL_LO21:
		// link-time only
	default:
		Error(ctx, "%s: unknown relocation: %d", isec.File.GetName(), rel.Type)
	}
}

// AArch64 instruction field patchers.

func writeAdrImm(loc []byte, val uint64) {
	insn := le.Uint32(loc)
	immlo := uint32(val&0x3) << 29
	immhi := uint32(val>>2) & 0x7ffff << 5
	insn = insn&0x9f00001f | immlo | immhi
	le.PutUint32(loc, insn)
}

func writeImm12(loc []byte, val uint64, scale int) {
	insn := le.Uint32(loc)
	imm := uint32(val>>scale) & 0xfff
	insn = insn&0xffc003ff | imm<<10
	le.PutUint32(loc, insn)
}

func writeBranch26(loc []byte, val uint64) {
	insn := le.Uint32(loc)
	insn = insn&0xfc000000 | uint32(val>>2)&0x03ffffff
	le.PutUint32(loc, insn)
}

func applyRelArm64(ctx *Context, isec *InputSection, base []byte, sym *Symbol, rel *Rela, idx int) {
	loc := base[rel.Offset:]
	S, A := isec.resolveRel(ctx, idx, rel, sym)
	P := isec.GetAddr() + rel.Offset
	SA := S + uint64(A)

	switch elf.R_AARCH64(rel.Type) {
	case elf.R_AARCH64_ABS64:
		le.PutUint64(loc, SA)
	case elf.R_AARCH64_ABS32:
		le.PutUint32(loc, uint32(SA))
	case elf.R_AARCH64_ABS16:
		le.PutUint16(loc, uint16(SA))
	case elf.R_AARCH64_PREL64:
		le.PutUint64(loc, SA-P)
	case elf.R_AARCH64_PREL32:
		le.PutUint32(loc, uint32(SA-P))
	case elf.R_AARCH64_PREL16:
		le.PutUint16(loc, uint16(SA-P))
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		writeBranch26(loc, SA-P)
	case elf.R_AARCH64_ADR_PREL_PG_HI21:
		writeAdrImm(loc, (pageAddr(SA)-pageAddr(P))>>12)
	case elf.R_AARCH64_ADR_PREL_LO21:
		writeAdrImm(loc, SA-P)
	case elf.R_AARCH64_ADD_ABS_LO12_NC:
		writeImm12(loc, SA, 0)
	case elf.R_AARCH64_LDST8_ABS_LO12_NC:
		writeImm12(loc, SA, 0)
	case elf.R_AARCH64_LDST16_ABS_LO12_NC:
		writeImm12(loc, SA, 1)
	case elf.R_AARCH64_LDST32_ABS_LO12_NC:
		writeImm12(loc, SA, 2)
	case elf.R_AARCH64_LDST64_ABS_LO12_NC:
		writeImm12(loc, SA, 3)
	case elf.R_AARCH64_LDST128_ABS_LO12_NC:
		writeImm12(loc, SA, 4)
	case elf.R_AARCH64_ADR_GOT_PAGE:
		writeAdrImm(loc, (pageAddr(sym.GetGotAddr(ctx)+uint64(A))-pageAddr(P))>>12)
	case elf.R_AARCH64_LD64_GOT_LO12_NC:
		writeImm12(loc, sym.GetGotAddr(ctx)+uint64(A), 3)
	case elf.R_AARCH64_TLSIE_ADR_GOTTPREL_PAGE21:
		writeAdrImm(loc, (pageAddr(sym.GetGotTpAddr(ctx)+uint64(A))-pageAddr(P))>>12)
	case elf.R_AARCH64_TLSIE_LD64_GOTTPREL_LO12_NC:
		writeImm12(loc, sym.GetGotTpAddr(ctx)+uint64(A), 3)
	case elf.R_AARCH64_TLSGD_ADR_PAGE21:
		writeAdrImm(loc, (pageAddr(sym.GetTlsGdAddr(ctx)+uint64(A))-pageAddr(P))>>12)
	case elf.R_AARCH64_TLSGD_ADD_LO12_NC:
		writeImm12(loc, sym.GetTlsGdAddr(ctx)+uint64(A), 0)
	case elf.R_AARCH64_TLSDESC_ADR_PAGE21:
		writeAdrImm(loc, (pageAddr(sym.GetTlsDescAddr(ctx)+uint64(A))-pageAddr(P))>>12)
	case elf.R_AARCH64_TLSDESC_LD64_LO12_NC:
		writeImm12(loc, sym.GetTlsDescAddr(ctx)+uint64(A), 3)
	case elf.R_AARCH64_TLSDESC_ADD_LO12_NC:
		writeImm12(loc, sym.GetTlsDescAddr(ctx)+uint64(A), 0)
	case elf.R_AARCH64_TLSLE_ADD_TPREL_HI12:
		writeImm12(loc, (SA-ctx.TpAddr)>>12, 0)
	case elf.R_AARCH64_TLSLE_ADD_TPREL_LO12_NC:
		writeImm12(loc, SA-ctx.TpAddr, 0)
	case elf.R_AARCH64_TLSDESC_CALL:
		// relaxation point only
	}
}

func writePltHeaderArm64(ctx *Context, buf []byte) {
	insn := []uint32{
		0xa9bf7bf0, // stp x16, x30, [sp, #-16]!
		0x90000010, // adrp x16, GOTPLT[2]
		0xf9400211, // ldr x17, [x16, GOTPLT[2] :lo12:]
		0x91000210, // add x16, x16, GOTPLT[2] :lo12:
		0xd61f0220, // br x17
		0xd503201f, // nop
		0xd503201f, // nop
		0xd503201f, // nop
	}
	for i, ins := range insn {
		le.PutUint32(buf[i*4:], ins)
	}
	gotplt := ctx.GotPlt.Shdr.Addr + 16
	plt := ctx.Plt.Shdr.Addr
	writeAdrImm(buf[4:], (pageAddr(gotplt)-pageAddr(plt+4))>>12)
	writeImm12(buf[8:], gotplt, 3)
	writeImm12(buf[12:], gotplt, 0)
}

func writePltEntryArm64(ctx *Context, buf []byte, sym *Symbol) {
	insn := []uint32{
		0x90000010, // adrp x16, SLOT
		0xf9400211, // ldr x17, [x16, SLOT :lo12:]
		0x91000210, // add x16, x16, SLOT :lo12:
		0xd61f0220, // br x17
	}
	for i, ins := range insn {
		le.PutUint32(buf[i*4:], ins)
	}
	slot := sym.GetGotPltAddr(ctx)
	entry := sym.GetPltAddr(ctx)
	writeAdrImm(buf[0:], (pageAddr(slot)-pageAddr(entry))>>12)
	writeImm12(buf[4:], slot, 3)
	writeImm12(buf[8:], slot, 0)
}

func writePltGotEntryArm64(ctx *Context, buf []byte, sym *Symbol) {
	insn := []uint32{
		0x90000010, // adrp x16, GOT_SLOT
		0xf9400211, // ldr x17, [x16, GOT_SLOT :lo12:]
		0xd61f0220, // br x17
		0xd503201f, // nop
	}
	for i, ins := range insn {
		le.PutUint32(buf[i*4:], ins)
	}
	slot := sym.GetGotAddr(ctx)
	entry := ctx.PltGot.Shdr.Addr + uint64(sym.PltGotIdx)*ctx.Machine.PltGotEntrySize
	writeAdrImm(buf[0:], (pageAddr(slot)-pageAddr(entry))>>12)
	writeImm12(buf[4:], slot, 3)
}
