package linker

import (
	"debug/elf"
	"math"
	"strings"
	"sync/atomic"

	"github.com/wheatman/mold/pkg/utils"
)

// ComdatGroup deduplicates section groups across objects. Owner holds the
// minimum file priority seen; everyone else kills their members.
type ComdatGroup struct {
	Owner atomic.Uint32
}

func insertComdatGroup(ctx *Context, signature string) *ComdatGroup {
	group, _ := ctx.ComdatGroups.LoadOrCompute(signature, func() *ComdatGroup {
		g := &ComdatGroup{}
		g.Owner.Store(math.MaxUint32)
		return g
	})
	return group
}

type comdatGroupRef struct {
	Group   *ComdatGroup
	Members []uint32
}

type ObjectFile struct {
	InputFile
	SymtabSec      *Shdr
	SymtabShndxSec []uint32

	Sections          []*InputSection
	MergeableSections []*MergeableSection
	ComdatGroups      []comdatGroupRef

	Cies []CieRecord
	Fdes []FdeRecord

	Features uint32 // merged GNU_PROPERTY_X86_FEATURE_1_AND bits

	// symtab emission bookkeeping, filled by ComputeSymtab
	LocalSymtabIdx  uint64
	GlobalSymtabIdx uint64
	NumLocalSymtab  uint64
	NumGlobalSymtab uint64
	StrtabOffset    uint64
	StrtabSize      uint64
}

func NewObjectFile(ctx *Context, mf *MappedFile, inArchive bool) *ObjectFile {
	o := &ObjectFile{InputFile: NewInputFile(ctx, mf)}
	o.IsInArchive = inArchive
	o.IsAliveFlag.Store(!inArchive)
	return o
}

func (o *ObjectFile) IsDso() bool {
	return false
}

func (o *ObjectFile) Parse(ctx *Context) {
	o.SymtabSec = o.FindSection(uint32(elf.SHT_SYMTAB))
	if o.SymtabSec != nil {
		o.FirstGlobal = int(o.SymtabSec.Info)
		o.FillUpElfSyms(ctx, o.SymtabSec)
		o.SymbolStrtab = o.GetBytesFromIdx(ctx, int64(o.SymtabSec.Link))
	}

	o.InitializeSections(ctx)
	o.InitializeSymbols(ctx)
	o.InitializeMergeableSections(ctx)
	o.InitializeEhframe(ctx)
}

func (o *ObjectFile) InitializeSections(ctx *Context) {
	o.Sections = make([]*InputSection, len(o.ElfSections))

	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		switch elf.SectionType(shdr.Type) {
		case elf.SHT_SYMTAB, elf.SHT_STRTAB, elf.SHT_REL, elf.SHT_RELA, elf.SHT_NULL:
			// handled elsewhere
		case elf.SHT_GROUP:
			o.readSectionGroup(ctx, shdr)
		case elf.SectionType(elf.SHT_SYMTAB_SHNDX):
			o.fillUpSymtabShndxSec(ctx, shdr)
		default:
			if shdr.Flags&SHF_EXCLUDE != 0 {
				continue
			}
			name := o.SectionName(shdr)
			if name == ".note.gnu.property" {
				o.readNoteGnuProperty(ctx, shdr)
			}
			o.Sections[i] = NewInputSection(ctx, name, o, uint32(i))
			if name == ".eh_frame" {
				o.Sections[i].IsEhframe = true
			}
		}
	}

	// Attach each relocation table to its target section.
	for i := 0; i < len(o.ElfSections); i++ {
		shdr := &o.ElfSections[i]
		if shdr.Type != uint32(elf.SHT_RELA) && shdr.Type != uint32(elf.SHT_REL) {
			continue
		}
		if shdr.Info >= uint32(len(o.Sections)) {
			Fatal(ctx, "%s: invalid relocated section index: %d", o.GetName(), shdr.Info)
		}
		if target := o.Sections[shdr.Info]; target != nil {
			utils.Assert(target.RelsecIdx == math.MaxUint32)
			target.RelsecIdx = uint32(i)
		}
	}
}

// readSectionGroup records a comdat group. The first word must be
// GRP_COMDAT; the signature comes from the symbol named by sh_info.
// Member indices are read with the file's byte order and compared as
// native integers.
func (o *ObjectFile) readSectionGroup(ctx *Context, shdr *Shdr) {
	data := o.GetBytesFromShdr(ctx, shdr)
	if len(data) < 4 {
		Fatal(ctx, "%s: empty SHT_GROUP", o.GetName())
	}
	c := &cursor{data: data, ord: o.Format.Order}
	if c.u32() != GRP_COMDAT {
		Fatal(ctx, "%s: unsupported SHT_GROUP format", o.GetName())
	}

	symtab := o.FindSection(uint32(elf.SHT_SYMTAB))
	if symtab == nil {
		Fatal(ctx, "%s: SHT_GROUP without symbol table", o.GetName())
	}
	esym := o.Format.ReadSym(o.GetBytesFromShdr(ctx, symtab)[int(shdr.Info)*o.Format.SymSize():])
	strtab := o.GetBytesFromIdx(ctx, int64(symtab.Link))
	signature := ElfGetName(strtab, esym.Name)

	members := make([]uint32, 0, len(data)/4-1)
	for len(data)-c.off >= 4 {
		members = append(members, c.u32())
	}

	group := insertComdatGroup(ctx, signature)
	o.ComdatGroups = append(o.ComdatGroups, comdatGroupRef{group, members})
}

func (o *ObjectFile) fillUpSymtabShndxSec(ctx *Context, s *Shdr) {
	data := o.GetBytesFromShdr(ctx, s)
	c := &cursor{data: data, ord: o.Format.Order}
	o.SymtabShndxSec = make([]uint32, 0, len(data)/4)
	for len(data)-c.off >= 4 {
		o.SymtabShndxSec = append(o.SymtabShndxSec, c.u32())
	}
}

// readNoteGnuProperty keeps the ORed GNU_PROPERTY_X86_FEATURE_1_AND bits.
func (o *ObjectFile) readNoteGnuProperty(ctx *Context, shdr *Shdr) {
	data := o.GetBytesFromShdr(ctx, shdr)
	c := &cursor{data: data, ord: o.Format.Order}
	for len(data)-c.off >= 12 {
		namesz := c.u32()
		descsz := c.u32()
		typ := c.u32()
		name := c.need(int(utils.AlignTo(uint64(namesz), 4)))
		descEnd := c.off + int(utils.AlignTo(uint64(descsz), 4))
		if typ == NT_GNU_PROPERTY_TYPE_0 &&
			utils.CStringView(name) == "GNU" {
			for c.off+8 <= descEnd {
				prType := c.u32()
				prSize := c.u32()
				if prType == GNU_PROPERTY_X86_FEATURE_1_AND && prSize == 4 {
					o.Features |= c.u32()
					c.skip(int(utils.AlignTo(uint64(prSize), 8)) - 4)
				} else {
					c.skip(int(utils.AlignTo(uint64(prSize), 8)))
				}
			}
		}
		c.off = descEnd
	}
}

func (o *ObjectFile) GetShndx(esym *Sym, idx int) int64 {
	utils.Assert(idx >= 0 && idx < len(o.ElfSyms))
	if uint32(esym.Shndx) == uint32(elf.SHN_XINDEX) {
		return int64(o.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

func (o *ObjectFile) GetSection(esym *Sym, idx int) *InputSection {
	return o.Sections[o.GetShndx(esym, idx)]
}

// symbolTargetName applies the --wrap rewrite and strips version suffixes
// from undefined references.
func symbolTargetName(ctx *Context, name string, esym *Sym) string {
	if esym.IsUndef() {
		if base, ok := strings.CutPrefix(name, "__real_"); ok && ctx.Args.Wrap[base] {
			name = base
		} else if ctx.Args.Wrap[name] {
			name = "__wrap_" + name
		}
	}
	// Undefined references bind by bare name; the wanted version is
	// recorded separately.
	if i := strings.Index(name, "@"); i > 0 && esym.IsUndef() {
		name = name[:i]
	}
	return name
}

func (o *ObjectFile) InitializeSymbols(ctx *Context) {
	if o.SymtabSec == nil {
		return
	}

	o.LocalSymbols = make([]Symbol, o.FirstGlobal)
	for i := range o.LocalSymbols {
		o.LocalSymbols[i] = *NewSymbol("")
	}
	if len(o.LocalSymbols) > 0 {
		o.LocalSymbols[0].File = o
	}

	for i := 1; i < o.FirstGlobal; i++ {
		esym := &o.ElfSyms[i]
		sym := &o.LocalSymbols[i]
		sym.Name = ElfGetName(o.SymbolStrtab, esym.Name)
		sym.File = o
		sym.Value = esym.Val
		sym.SymIdx = int32(i)
		if !esym.IsAbs() {
			sym.SetInputSection(o.Sections[o.GetShndx(esym, i)])
		}
	}

	o.Symbols = make([]*Symbol, len(o.ElfSyms))
	for i := 0; i < o.FirstGlobal; i++ {
		o.Symbols[i] = &o.LocalSymbols[i]
	}
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		name := ElfGetName(o.SymbolStrtab, esym.Name)
		o.Symbols[i] = GetSymbolByName(ctx, symbolTargetName(ctx, name, esym))
	}
}

// ResolveSymbols installs this file's definitions into the global symbols
// wherever it outranks the current winner. Archive members that are
// not yet extracted advertise lazy candidacy through their higher tier.
func (o *ObjectFile) ResolveSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if esym.IsUndef() {
			continue
		}
		sym := o.Symbols[i]

		var isec *InputSection
		if !esym.IsAbs() && !esym.IsCommon() {
			isec = o.GetSection(esym, i)
			if isec == nil {
				continue
			}
		}

		sym.Mu.Lock()
		if GetRank(o, esym, !o.Alive()) < sym.currentRank() {
			sym.File = o
			sym.Value = esym.Val
			sym.SymIdx = int32(i)
			sym.IsWeak = esym.IsWeak()
			sym.IsImported = false
			if isec != nil {
				sym.SetInputSection(isec)
			} else {
				sym.SetOutputChunk(nil)
			}
			if sym.Traced {
				Trace(ctx, "%s: definition of %s", o.GetName(), sym.Name)
			}
		}
		sym.Mu.Unlock()
		sym.MergeVisibility(esym.Visibility())
	}
}

// MarkLiveObjects walks this live object's undefined references; an
// archive member owning a referenced symbol is flipped alive exactly once
// and fed back to the driver queue.
func (o *ObjectFile) MarkLiveObjects(ctx *Context, feeder func(InputFiler)) {
	utils.Assert(o.Alive())

	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsUndef() || esym.IsUndefWeak() {
			continue
		}
		sym := o.Symbols[i]
		if sym.File == nil {
			continue
		}
		if sym.Traced {
			Trace(ctx, "%s: reference to %s", o.GetName(), sym.Name)
		}
		if !sym.File.Alive() {
			if f, ok := sym.File.(*ObjectFile); ok {
				if f.IsAliveFlag.CompareAndSwap(false, true) {
					feeder(f)
				}
			} else {
				sym.File.SetAlive()
				feeder(sym.File)
			}
		}
	}
}

func (o *ObjectFile) ClearSymbols() {
	for _, sym := range o.Symbols[o.FirstGlobal:] {
		if sym.File == o {
			sym.Clear()
		}
	}
}

// ResolveComdatGroups CAS-mins this file's priority into each group owner.
func (o *ObjectFile) ResolveComdatGroups() {
	for _, ref := range o.ComdatGroups {
		for {
			cur := ref.Group.Owner.Load()
			if cur <= o.Priority || ref.Group.Owner.CompareAndSwap(cur, o.Priority) {
				break
			}
		}
	}
}

// EliminateDuplicateComdatGroups kills group members in losing objects.
func (o *ObjectFile) EliminateDuplicateComdatGroups(ctx *Context) {
	for _, ref := range o.ComdatGroups {
		if ref.Group.Owner.Load() == o.Priority {
			continue
		}
		for _, shndx := range ref.Members {
			if int(shndx) < len(o.Sections) && o.Sections[shndx] != nil {
				o.Sections[shndx].Kill()
				o.Sections[shndx] = nil
			}
		}
	}
}

// ConvertCommonSymbols turns surviving common definitions into .common
// NOBITS sections of this file.
func (o *ObjectFile) ConvertCommonSymbols(ctx *Context) {
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsCommon() {
			continue
		}
		sym := o.Symbols[i]
		if sym.File != o {
			if ctx.Args.WarnCommon {
				Warn(ctx, "%s: multiple common symbols: %s", o.GetName(), sym.Name)
			}
			continue
		}

		shdr := Shdr{
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Size:      esym.Size,
			AddrAlign: esym.Val, // st_value of a common is its alignment
		}
		if shdr.AddrAlign == 0 {
			shdr.AddrAlign = 1
		}
		shndx := uint32(len(o.ElfSections))
		o.ElfSections = append(o.ElfSections, shdr)

		isec := &InputSection{
			File:      o,
			Shndx:     shndx,
			ShSize:    shdr.Size,
			P2Align:   toP2Align(shdr.AddrAlign),
			Offset:    math.MaxUint64,
			RelsecIdx: math.MaxUint32,
		}
		isec.IsAlive.Store(true)
		isec.OutputSection = GetOutputSection(ctx, ".common", uint64(shdr.Type), shdr.Flags)
		o.Sections = append(o.Sections, isec)

		sym.Mu.Lock()
		sym.SetInputSection(isec)
		sym.Value = 0
		sym.Mu.Unlock()
	}
}

// InitializeMergeableSections splits SHF_MERGE sections. A mergeable
// section with relocations attached is left whole.
func (o *ObjectFile) InitializeMergeableSections(ctx *Context) {
	o.MergeableSections = make([]*MergeableSection, len(o.Sections))
	for i, isec := range o.Sections {
		if isec == nil || !isec.IsAlive.Load() {
			continue
		}
		shdr := isec.Shdr()
		if shdr.Flags&uint64(elf.SHF_MERGE) == 0 || shdr.EntSize == 0 ||
			isec.ShSize == 0 || isec.RelsecIdx != math.MaxUint32 {
			continue
		}
		o.MergeableSections[i] = splitSection(ctx, isec)
		isec.IsAlive.Store(false)
	}
}

// RegisterSectionPieces interns every piece and redirects symbols and
// relocations that point into mergeable sections onto their fragments.
func (o *ObjectFile) RegisterSectionPieces(ctx *Context) {
	for _, m := range o.MergeableSections {
		if m == nil {
			continue
		}
		m.Fragments = make([]*SectionFragment, 0, len(m.Strs))
		for i := range m.Strs {
			frag := m.Parent.Insert(m.Strs[i], uint32(m.P2Align))
			if !ctx.Args.GcSections {
				frag.IsAlive.Store(true)
			}
			m.Fragments = append(m.Fragments, frag)
		}
		m.Strs = nil
	}

	// Non-section symbols defined inside a mergeable section move onto
	// their fragment; the residual offset becomes the symbol value.
	for i := 1; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() {
			continue
		}
		sym := o.Symbols[i]
		if sym.File != o && i >= o.FirstGlobal {
			continue
		}
		m := o.MergeableSections[o.GetShndx(esym, i)]
		if m == nil {
			continue
		}
		frag, fragOffset := m.GetFragment(esym.Val)
		if frag == nil {
			Fatal(ctx, "%s: bad symbol value: %d", o.GetName(), esym.Val)
		}
		sym.SetSectionFragment(frag)
		sym.Value = fragOffset
	}

	// STT_SECTION relocations into mergeable sections resolve by binary
	// search over the piece offsets; the residual addend rides along.
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive.Load() {
			continue
		}
		rels := isec.GetRels(ctx)
		for idx := range rels {
			rel := &rels[idx]
			if int(rel.Sym) >= len(o.ElfSyms) {
				continue
			}
			esym := &o.ElfSyms[rel.Sym]
			if esym.Type() != uint8(elf.STT_SECTION) {
				continue
			}
			m := o.MergeableSections[o.GetShndx(esym, int(rel.Sym))]
			if m == nil {
				continue
			}
			frag, fragOffset := m.GetFragment(esym.Val + uint64(rel.Addend))
			if frag == nil {
				Fatal(ctx, "%s: bad relocation at %d", o.GetName(), rel.Sym)
			}
			isec.RelFragments = append(isec.RelFragments,
				FragmentRef{Idx: int32(idx), Frag: frag, Addend: int64(fragOffset)})
		}
	}
}

// ClaimUnresolvedSymbols settles references that no file defined: weak
// undefs become absolute zero, the rest follow --unresolved-symbols, and
// anything still open when linking dynamically becomes an import.
func (o *ObjectFile) ClaimUnresolvedSymbols(ctx *Context) {
	if !o.Alive() {
		return
	}
	for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
		esym := &o.ElfSyms[i]
		if !esym.IsUndef() {
			continue
		}
		sym := o.Symbols[i]
		sym.Mu.Lock()
		if sym.File != nil && (!sym.ElfSym().IsUndef() || sym.File.GetPriority() <= o.Priority) {
			sym.Mu.Unlock()
			continue
		}

		report := func() {
			switch ctx.Args.UnresolvedSymbols {
			case UnresolvedError:
				Error(ctx, "undefined symbol: %s: %s", o.GetName(), DisplayName(ctx, sym.Name))
			case UnresolvedWarn:
				Warn(ctx, "undefined symbol: %s: %s", o.GetName(), DisplayName(ctx, sym.Name))
			}
		}

		if esym.IsUndefWeak() {
			if ctx.Args.Shared && sym.Visibility() != STV_HIDDEN {
				sym.IsImported = true
			}
			sym.File = o
			sym.SymIdx = int32(i)
			sym.Value = 0
			sym.SetOutputChunk(nil)
		} else if !ctx.Args.Static && sym.Visibility() != STV_HIDDEN &&
			(ctx.Args.Shared || len(ctx.Dsos) > 0) && ctx.Args.UnresolvedSymbols != UnresolvedError {
			sym.File = o
			sym.SymIdx = int32(i)
			sym.Value = 0
			sym.IsImported = true
			sym.SetOutputChunk(nil)
			sym.AddFlags(NeedsDynsym)
			report()
		} else {
			report()
		}
		sym.Mu.Unlock()
	}
}

func (o *ObjectFile) ScanRelocations(ctx *Context) {
	for _, isec := range o.Sections {
		if isec != nil && isec.IsAlive.Load() &&
			isec.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			isec.ScanRelocations(ctx)
		}
	}
	for _, fde := range o.Fdes {
		if !fde.IsAlive {
			continue
		}
		for j := 1; j < len(fde.Rels); j++ {
			rel := &fde.Rels[j]
			sym := o.Symbols[rel.Sym]
			if sym != nil && sym.File != nil && sym.IsImported {
				sym.AddFlags(NeedsDynsym | NeedsPlt)
			}
		}
	}
}
