package linker

import (
	"debug/elf"
	"encoding/binary"
)

type MachineKind uint8

const (
	MachineNone MachineKind = iota
	MachineX86_64
	MachineI386
	MachineArm64
)

// Machine is the single site of architecture polymorphism: word size,
// endianness, dynamic relocation vocabulary, and the scan/apply handlers
// keyed by relocation type.
type Machine struct {
	Kind     MachineKind
	Name     string
	EMachine uint16
	Format   ElfFormat
	PageSize uint64
	IsRela   bool

	PltHdrSize      uint64
	PltEntrySize    uint64
	PltGotEntrySize uint64

	RelNone      uint32
	RelAbs       uint32 // word-size absolute, reused for dynamic relocs
	RelCopy      uint32
	RelGlobDat   uint32
	RelJumpSlot  uint32
	RelRelative  uint32
	RelIRelative uint32
	RelDtpMod    uint32
	RelDtpOff    uint32
	RelTpOff     uint32
	RelTlsDesc   uint32

	DefaultDynamicLinker string

	ScanRelocation  func(ctx *Context, isec *InputSection, sym *Symbol, rel *Rela, idx int)
	ApplyRelocation func(ctx *Context, isec *InputSection, base []byte, sym *Symbol, rel *Rela, idx int)
	WritePltHeader  func(ctx *Context, buf []byte)
	WritePltEntry   func(ctx *Context, buf []byte, sym *Symbol)
	WritePltGotEntry func(ctx *Context, buf []byte, sym *Symbol)
}

func GetMachine(kind MachineKind) *Machine {
	switch kind {
	case MachineX86_64:
		return &machineX86_64
	case MachineI386:
		return &machineI386
	case MachineArm64:
		return &machineArm64
	}
	return nil
}

func (m *Machine) String() string {
	return m.Name
}

// gotPltHdrEntries is the number of reserved words at the head of .got.plt
// (link map, resolver, and the _DYNAMIC back-pointer).
const gotPltHdrEntries = 3

// Relocation dispatch. Columns of an action table, in symbol-kind order:
// absolute, local, imported data, imported function.
type relAction uint8

const (
	actNone relAction = iota
	actError
	actCopyrel
	actPlt  // canonical PLT: the symbol address becomes its PLT entry
	actDynrel
	actBaserel
)

func symActionKind(sym *Symbol) int {
	switch {
	case sym.IsAbs():
		return 0
	case !sym.IsImported:
		return 1
	case sym.GetType() != uint8(elf.STT_FUNC):
		return 2
	default:
		return 3
	}
}

// dispatch applies the action matrix for one relocation, setting the
// needs-flags on the symbol and the dynrel/baserel bits on the section.
func dispatch(ctx *Context, isec *InputSection, sym *Symbol, rel *Rela,
	idx int, table [4]relAction) {
	switch table[symActionKind(sym)] {
	case actNone:
	case actError:
		Error(ctx, "%s: relocation against symbol `%s' can not be used when making a shared object; recompile with -fPIC",
			isec.File.GetName(), DisplayName(ctx, sym.Name))
	case actCopyrel:
		sym.AddFlags(NeedsCopyrel | NeedsDynsym)
	case actPlt:
		sym.AddFlags(NeedsPlt | NeedsDynsym)
	case actDynrel:
		sym.AddFlags(NeedsDynsym)
		isec.NeedsDynrel.Set(idx)
	case actBaserel:
		isec.NeedsBaserel.Set(idx)
	}
}

// Action tables shared by the per-arch scanners.

// Word-size absolute relocation (e.g. R_X86_64_64).
func absRelTable(ctx *Context) [4]relAction {
	if ctx.Args.Pic {
		return [4]relAction{actNone, actBaserel, actDynrel, actDynrel}
	}
	return [4]relAction{actNone, actNone, actCopyrel, actPlt}
}

// Sub-word absolute relocation (e.g. R_X86_64_32). Cannot be expressed as
// a dynamic relocation.
func absRelSubWordTable(ctx *Context) [4]relAction {
	if ctx.Args.Pic {
		return [4]relAction{actNone, actError, actError, actError}
	}
	return [4]relAction{actNone, actNone, actCopyrel, actPlt}
}

// PC-relative relocation (e.g. R_X86_64_PC32).
func pcRelTable(ctx *Context) [4]relAction {
	if ctx.Args.Pic {
		return [4]relAction{actError, actNone, actError, actError}
	}
	return [4]relAction{actNone, actNone, actCopyrel, actPlt}
}

var pageMask = ^uint64(0xfff)

func pageAddr(v uint64) uint64 {
	return v & pageMask
}

var le = binary.LittleEndian
