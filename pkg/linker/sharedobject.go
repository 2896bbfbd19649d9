package linker

import (
	"debug/elf"
	"path/filepath"
	"strings"
)

// SharedObject is the parsed view of an input DSO: only its dynamic symbol
// table, version tables and soname matter to the link.
type SharedObject struct {
	InputFile
	Soname       string
	AsNeeded     bool
	VersionNames []string
	Versyms      []uint16
	DtNeeded     []string
}

func NewSharedObject(ctx *Context, mf *MappedFile, asNeeded bool) *SharedObject {
	so := &SharedObject{InputFile: NewInputFile(ctx, mf)}
	so.AsNeeded = asNeeded
	so.IsAliveFlag.Store(!asNeeded)
	return so
}

func (so *SharedObject) IsDso() bool {
	return true
}

func (so *SharedObject) Parse(ctx *Context) {
	symtabSec := so.FindSection(uint32(elf.SHT_DYNSYM))
	if symtabSec == nil {
		return
	}
	so.FirstGlobal = int(symtabSec.Info)
	so.FillUpElfSyms(ctx, symtabSec)
	so.SymbolStrtab = so.GetBytesFromIdx(ctx, int64(symtabSec.Link))

	so.readDynamic(ctx)
	so.readVersions(ctx)
	if so.Soname == "" {
		so.Soname = filepath.Base(so.GetName())
	}

	// Symbol slots only for the defined globals plus undefs we may need to
	// chase for liveness.
	so.Symbols = make([]*Symbol, len(so.ElfSyms))
	for i := so.FirstGlobal; i < len(so.ElfSyms); i++ {
		esym := &so.ElfSyms[i]
		name := ElfGetName(so.SymbolStrtab, esym.Name)
		if i < len(so.Versyms) && so.Versyms[i]&VERSYM_HIDDEN != 0 {
			// Non-default versioned definitions are only reachable via
			// explicit version references; keep them out of the namespace.
			name = name + "@" + so.VersionName(so.Versyms[i]&^VERSYM_HIDDEN)
		}
		so.Symbols[i] = GetSymbolByName(ctx, name)
	}
}

func (so *SharedObject) readDynamic(ctx *Context) {
	dynSec := so.FindSection(uint32(elf.SHT_DYNAMIC))
	if dynSec == nil {
		return
	}
	strtab := so.GetBytesFromIdx(ctx, int64(dynSec.Link))
	for _, dyn := range so.Format.ReadDyns(so.GetBytesFromShdr(ctx, dynSec)) {
		switch dyn.Tag {
		case int64(elf.DT_SONAME):
			so.Soname = ElfGetName(strtab, uint32(dyn.Val))
		case int64(elf.DT_NEEDED):
			so.DtNeeded = append(so.DtNeeded, ElfGetName(strtab, uint32(dyn.Val)))
		}
	}
}

// readVersions loads SHT_GNU_versym and the VERDEF names so imported
// symbols can request the right version at runtime.
func (so *SharedObject) readVersions(ctx *Context) {
	versymSec := so.FindSection(uint32(elf.SHT_GNU_VERSYM))
	if versymSec != nil {
		data := so.GetBytesFromShdr(ctx, versymSec)
		c := &cursor{data: data, ord: so.Format.Order}
		so.Versyms = make([]uint16, 0, len(data)/2)
		for len(data)-c.off >= 2 {
			so.Versyms = append(so.Versyms, c.u16())
		}
	}

	verdefSec := so.FindSection(uint32(elf.SHT_GNU_VERDEF))
	if verdefSec == nil {
		return
	}
	data := so.GetBytesFromShdr(ctx, verdefSec)
	strtab := so.GetBytesFromIdx(ctx, int64(verdefSec.Link))

	so.VersionNames = make([]string, verdefSec.Info+1)
	off := 0
	for i := uint32(0); i < verdefSec.Info; i++ {
		c := &cursor{data: data[off:], ord: so.Format.Order}
		c.skip(2) // vd_version
		c.skip(2) // vd_flags
		ndx := c.u16()
		c.skip(2) // vd_cnt
		c.skip(4) // vd_hash
		aux := c.u32()
		next := c.u32()
		ac := &cursor{data: data[off+int(aux):], ord: so.Format.Order}
		nameOff := ac.u32()
		if int(ndx) < len(so.VersionNames) {
			so.VersionNames[ndx] = ElfGetName(strtab, nameOff)
		}
		if next == 0 {
			break
		}
		off += int(next)
	}
}

func (so *SharedObject) VersionName(idx uint16) string {
	if int(idx) < len(so.VersionNames) {
		return so.VersionNames[idx]
	}
	return ""
}

// ResolveSymbols enters DSO definitions at the shared-object tiers (3
// and 4).
func (so *SharedObject) ResolveSymbols(ctx *Context) {
	for i := so.FirstGlobal; i < len(so.ElfSyms); i++ {
		esym := &so.ElfSyms[i]
		if esym.IsUndef() || esym.IsCommon() {
			continue
		}
		sym := so.Symbols[i]
		sym.Mu.Lock()
		if GetRank(so, esym, false) < sym.currentRank() {
			sym.File = so
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
			sym.IsWeak = esym.IsWeak()
			sym.IsImported = true
			if i < len(so.Versyms) {
				sym.VerIdx = so.Versyms[i] &^ VERSYM_HIDDEN
			}
			sym.SetOutputChunk(nil)
			if sym.Traced {
				Trace(ctx, "%s: shared definition of %s", so.GetName(), sym.Name)
			}
		}
		sym.Mu.Unlock()
		sym.MergeVisibility(esym.Visibility())
	}
}

// MarkLiveObjects: undefined references from a needed DSO also pull in
// archive members.
func (so *SharedObject) MarkLiveObjects(ctx *Context, feeder func(InputFiler)) {
	for i := so.FirstGlobal; i < len(so.ElfSyms); i++ {
		esym := &so.ElfSyms[i]
		if !esym.IsUndef() || esym.IsUndefWeak() {
			continue
		}
		sym := so.Symbols[i]
		if sym.File == nil || sym.File.Alive() {
			continue
		}
		if f, ok := sym.File.(*ObjectFile); ok {
			if f.IsAliveFlag.CompareAndSwap(false, true) {
				feeder(f)
			}
		}
	}
}

func (so *SharedObject) ClearSymbols() {
	for _, sym := range so.Symbols {
		if sym != nil && sym.File == so {
			sym.Clear()
		}
	}
}

// IsReadonly reports whether value lies in a read-only segment of the DSO;
// COPYREL targets in such ranges land in .bss.rel.ro.
func (so *SharedObject) IsReadonly(value uint64) bool {
	ehdr := so.GetEhdr()
	for i := uint64(0); i < uint64(ehdr.PhNum); i++ {
		off := ehdr.PhOff + i*uint64(so.Format.PhdrSize())
		phdr := so.Format.ReadPhdr(so.Mf.Contents[off:])
		if phdr.Type == uint32(elf.PT_LOAD) && phdr.Flags&uint32(elf.PF_W) == 0 &&
			phdr.VAddr <= value && value < phdr.VAddr+phdr.MemSize {
			return true
		}
	}
	return false
}

// matchesExcludeLibs reports whether the archive an input file came from
// (the base name before any "(member)" suffix) is listed in --exclude-libs,
// or whether the list holds ALL.
func matchesExcludeLibs(name string, set map[string]bool) bool {
	if len(set) == 0 {
		return false
	}
	base := filepath.Base(name)
	if i := strings.Index(base, "("); i >= 0 {
		base = base[:i]
	}
	return set["ALL"] || set[base]
}
