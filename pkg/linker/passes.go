package linker

import (
	"debug/elf"
	"math"
	"sort"
	"strings"

	"github.com/wheatman/mold/pkg/utils"
)

// ResolveSymbols runs the resolver passes: install definitions,
// chase archive members to a fixpoint, then drop everything that never
// came alive.
func ResolveSymbols(ctx *Context) {
	t := NewTimer("resolve_symbols")
	defer t.Stop()

	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ResolveSymbols(ctx) })
	ParallelForEach(ctx.Dsos, func(so *SharedObject) { so.ResolveSymbols(ctx) })

	MarkLiveObjects(ctx)

	// Definitions claimed by files that never became live are cleared so
	// the archive tier stops shadowing real candidates.
	ParallelForEach(ctx.Objs, func(o *ObjectFile) {
		if !o.Alive() {
			o.ClearSymbols()
		}
	})
	ParallelForEach(ctx.Dsos, func(so *SharedObject) {
		if !so.Alive() {
			so.ClearSymbols()
		}
	})

	ctx.Objs = utils.RemoveIf(ctx.Objs, func(o *ObjectFile) bool { return !o.Alive() })
	ctx.Dsos = utils.RemoveIf(ctx.Dsos, func(so *SharedObject) bool { return !so.Alive() })

	// Re-resolve: winners may have been cleared along with dead files.
	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ResolveSymbols(ctx) })
	ParallelForEach(ctx.Dsos, func(so *SharedObject) { so.ResolveSymbols(ctx) })
}

// MarkLiveObjects propagates liveness through undefined references using a
// feeder queue until fixpoint.
func MarkLiveObjects(ctx *Context) {
	roots := make([]InputFiler, 0, len(ctx.Objs)+len(ctx.Dsos))
	for _, o := range ctx.Objs {
		if o.Alive() {
			roots = append(roots, o)
		}
	}
	for _, so := range ctx.Dsos {
		if so.Alive() {
			roots = append(roots, so)
		}
	}

	for len(roots) > 0 {
		file := roots[0]
		roots = roots[1:]
		feeder := func(f InputFiler) { roots = append(roots, f) }
		switch f := file.(type) {
		case *ObjectFile:
			f.MarkLiveObjects(ctx, feeder)
		case *SharedObject:
			f.MarkLiveObjects(ctx, feeder)
		}
	}
}

func RegisterSectionPieces(ctx *Context) {
	t := NewTimer("register_section_pieces")
	defer t.Stop()

	// Merge the per-section cardinality sketches, then presize each
	// fragment interner before the parallel inserts hit it.
	for _, o := range ctx.Objs {
		for _, m := range o.MergeableSections {
			if m != nil {
				m.Parent.Estimator.Merge(m.Estimator)
			}
		}
	}
	for _, osec := range ctx.MergedSections {
		osec.Presize()
	}

	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.RegisterSectionPieces(ctx) })
}

func EliminateComdats(ctx *Context) {
	t := NewTimer("eliminate_comdats")
	defer t.Stop()

	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ResolveComdatGroups() })
	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.EliminateDuplicateComdatGroups(ctx) })
}

func ConvertCommonSymbols(ctx *Context) {
	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ConvertCommonSymbols(ctx) })
}

// AddCommentString records the linker version (and the command line under
// MOLD_DEBUG) in .comment.
func AddCommentString(ctx *Context, str string) {
	osec := GetMergedSectionInstance(ctx, ".comment", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_MERGE|elf.SHF_STRINGS))
	if osec.Map == nil {
		osec.Presize()
	}
	frag := osec.Insert(str+"\x00", 1)
	frag.IsAlive.Store(true)
	ctx.Comment = osec
}

func CheckDuplicateSymbols(ctx *Context) {
	t := NewTimer("check_duplicate_symbols")
	defer t.Stop()

	ParallelForEach(ctx.Objs, func(o *ObjectFile) {
		for i := o.FirstGlobal; i < len(o.ElfSyms); i++ {
			esym := &o.ElfSyms[i]
			sym := o.Symbols[i]
			if sym.File == o || sym.File == nil ||
				esym.IsUndef() || esym.IsCommon() || esym.IsWeak() {
				continue
			}
			if !esym.IsAbs() {
				isec := o.GetSection(esym, i)
				if isec == nil || !isec.IsAlive.Load() {
					continue
				}
			}
			if sym.IsWeak || sym.File.IsDso() {
				continue
			}
			Error(ctx, "duplicate symbol: %s: %s: %s", o.GetName(),
				sym.File.GetName(), DisplayName(ctx, sym.Name))
		}
	})
}

func ClaimUnresolvedSymbols(ctx *Context) {
	t := NewTimer("claim_unresolved_symbols")
	defer t.Stop()
	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ClaimUnresolvedSymbols(ctx) })
}

// CreateSyntheticSections registers every synthesizer chunk.
func CreateSyntheticSections(ctx *Context) {
	push := func(chunk Chunker) Chunker {
		ctx.Chunks = append(ctx.Chunks, chunk)
		return chunk
	}

	ctx.Ehdr = push(NewOutputEhdr()).(*OutputEhdr)
	ctx.Phdr = push(NewOutputPhdr()).(*OutputPhdr)
	ctx.Shdr = push(NewOutputShdr()).(*OutputShdr)
	ctx.Got = push(NewGotSection()).(*GotSection)
	ctx.GotPlt = push(NewGotPltSection()).(*GotPltSection)
	ctx.RelDyn = push(NewRelDynSection()).(*RelDynSection)
	ctx.RelPlt = push(NewRelPltSection()).(*RelPltSection)
	ctx.Strtab = push(NewStrtabSection()).(*StrtabSection)
	ctx.Shstrtab = push(NewShstrtabSection()).(*ShstrtabSection)
	ctx.Plt = push(NewPltSection()).(*PltSection)
	ctx.PltGot = push(NewPltGotSection()).(*PltGotSection)
	ctx.Symtab = push(NewSymtabSection()).(*SymtabSection)
	ctx.Dynsym = push(NewDynsymSection()).(*DynsymSection)
	ctx.Dynstr = push(NewDynstrSection()).(*DynstrSection)
	ctx.EhFrame = push(NewEhFrameSection()).(*EhFrameSection)
	ctx.Dynbss = push(NewDynbssSection(false)).(*DynbssSection)
	ctx.DynbssRelro = push(NewDynbssSection(true)).(*DynbssSection)

	isDynamic := !ctx.Args.Static && (ctx.Args.Shared || len(ctx.Dsos) > 0)
	if isDynamic {
		ctx.Dynamic = push(NewDynamicSection()).(*DynamicSection)
		ctx.Versym = push(NewVersymSection()).(*VersymSection)
		ctx.Verneed = push(NewVerneedSection()).(*VerneedSection)
		if !ctx.Args.Shared {
			ctx.Interp = push(NewInterpSection()).(*InterpSection)
		}
	}
	if ctx.Args.HashStyle&HashSysv != 0 && isDynamic {
		ctx.Hash = push(NewHashSection()).(*HashSection)
	}
	if ctx.Args.HashStyle&HashGnu != 0 && isDynamic {
		ctx.GnuHash = push(NewGnuHashSection()).(*GnuHashSection)
	}
	if ctx.Args.EhFrameHdr {
		ctx.EhFrameHdr = push(NewEhFrameHdrSection()).(*EhFrameHdrSection)
	}
	if ctx.Args.BuildId.Kind != BuildIdNone {
		ctx.Buildid = push(NewBuildIdSection()).(*BuildIdSection)
	}
	ctx.NoteProperty = push(NewNotePropertySection()).(*NotePropertySection)
}

// ScanRels runs the per-section relocation scan, then serializes the
// needs-flags into table slots in a canonical symbol order.
func ScanRels(ctx *Context) {
	t := NewTimer("scan_rels")
	defer t.Stop()

	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ScanRelocations(ctx) })
	Checkpoint(ctx)

	var syms []*Symbol
	for _, o := range ctx.Objs {
		for i := o.FirstGlobal; i < len(o.Symbols); i++ {
			sym := o.Symbols[i]
			if sym.File == o && sym.Flags.Load() != 0 {
				syms = append(syms, sym)
			}
		}
	}
	for _, so := range ctx.Dsos {
		for i := so.FirstGlobal; i < len(so.Symbols); i++ {
			sym := so.Symbols[i]
			if sym != nil && sym.File == so && sym.Flags.Load() != 0 {
				syms = append(syms, sym)
			}
		}
	}

	sort.SliceStable(syms, func(i, j int) bool {
		if a, b := syms[i].File.GetPriority(), syms[j].File.GetPriority(); a != b {
			return a < b
		}
		return syms[i].SymIdx < syms[j].SymIdx
	})

	for _, sym := range syms {
		flags := sym.Flags.Load()

		if flags&NeedsDynsym != 0 {
			ctx.Dynsym.AddSymbol(ctx, sym)
		}
		if flags&NeedsGot != 0 {
			ctx.Got.AddGotSymbol(ctx, sym)
		}
		if flags&NeedsPlt != 0 {
			if flags&NeedsGot != 0 {
				// The address already lives in .got; the stub indirects
				// through it so .plt and .got never alias.
				ctx.PltGot.AddSymbol(ctx, sym)
			} else {
				ctx.Plt.AddSymbol(ctx, sym)
				ctx.Dynsym.AddSymbol(ctx, sym)
			}
		}
		if flags&NeedsGotTp != 0 {
			ctx.Got.AddGotTpSymbol(ctx, sym)
		}
		if flags&NeedsTlsGd != 0 {
			ctx.Got.AddTlsGdSymbol(ctx, sym)
		}
		if flags&NeedsTlsDesc != 0 {
			ctx.Got.AddTlsDescSymbol(ctx, sym)
		}
		if flags&NeedsCopyrel != 0 && sym.File != nil && sym.File.IsDso() {
			addCopyrelSymbol(ctx, sym)
		}

		sym.Flags.Store(0)
	}
}

// addCopyrelSymbol reserves executable bss for a dylib global and
// redirects every alias at the same address in the same dylib to the copy.
func addCopyrelSymbol(ctx *Context, sym *Symbol) {
	if sym.HasCopyrel {
		return
	}
	so := sym.File.(*SharedObject)
	readonly := so.IsReadonly(sym.ElfSym().Val)
	sym.CopyrelReadonly = readonly
	target := ctx.Dynbss
	if readonly {
		target = ctx.DynbssRelro
	}

	value := sym.ElfSym().Val
	target.AddSymbol(ctx, sym)

	for i := so.FirstGlobal; i < len(so.Symbols); i++ {
		alias := so.Symbols[i]
		if alias == nil || alias == sym || alias.File != so {
			continue
		}
		if so.ElfSyms[i].Val != value || so.ElfSyms[i].IsUndef() {
			continue
		}
		alias.Mu.Lock()
		alias.HasCopyrel = true
		alias.CopyrelReadonly = readonly
		alias.Value = sym.Value
		alias.IsImported = false
		alias.Mu.Unlock()
		alias.AddFlags(NeedsDynsym)
		ctx.Dynsym.AddSymbol(ctx, alias)
	}
}

func ComputeMergedSectionSizes(ctx *Context) {
	t := NewTimer("compute_merged_section_sizes")
	defer t.Stop()
	ParallelForEach(ctx.MergedSections, func(osec *MergedSection) {
		osec.AssignOffsets()
	})
}

// BinSections distributes the surviving input sections into their output
// sections through per-file bins merged serially to avoid write
// contention.
func BinSections(ctx *Context) {
	t := NewTimer("bin_sections")
	defer t.Stop()

	group := make([][][]*InputSection, len(ctx.Objs))
	ParallelFor(0, len(ctx.Objs), func(fi int) {
		bins := make([][]*InputSection, len(ctx.OutputSections))
		for _, isec := range ctx.Objs[fi].Sections {
			if isec == nil || !isec.IsAlive.Load() {
				continue
			}
			if (ctx.Args.StripDebug || ctx.Args.StripAll) &&
				isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 &&
				strings.HasPrefix(isec.Name(), ".debug") {
				continue
			}
			idx := isec.OutputSection.Idx
			bins[idx] = append(bins[idx], isec)
		}
		group[fi] = bins
	})

	for _, osec := range ctx.OutputSections {
		osec.Members = osec.Members[:0]
	}
	for _, bins := range group {
		for idx, members := range bins {
			ctx.OutputSections[idx].Members = append(ctx.OutputSections[idx].Members, members...)
		}
	}
}

// CollectOutputSections returns the regular chunks that have contents.
func CollectOutputSections(ctx *Context) []Chunker {
	osecs := make([]Chunker, 0)
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 {
			osecs = append(osecs, osec)
		}
	}
	for _, osec := range ctx.MergedSections {
		if osec.Shdr.Size > 0 {
			osecs = append(osecs, osec)
		}
	}
	return osecs
}

// ComputeSectionSizes lays members inside each output section.
func ComputeSectionSizes(ctx *Context) {
	t := NewTimer("compute_section_sizes")
	defer t.Stop()

	ParallelForEach(ctx.OutputSections, func(osec *OutputSection) {
		offset := uint64(0)
		p2align := uint8(0)
		for _, isec := range osec.Members {
			offset = utils.AlignTo(offset, uint64(1)<<isec.P2Align)
			isec.Offset = offset
			offset += isec.ShSize
			if p2align < isec.P2Align {
				p2align = isec.P2Align
			}
		}
		osec.Shdr.Size = offset
		osec.Shdr.AddrAlign = uint64(1) << p2align
	})
}

// SortInitFini orders .init_array/.fini_array members by their priority
// suffix.
func SortInitFini(ctx *Context) {
	prio := func(isec *InputSection) int {
		name := isec.Name()
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			n := 0
			digits := name[i+1:]
			for j := 0; j < len(digits); j++ {
				if digits[j] < '0' || digits[j] > '9' {
					return 65536
				}
				n = n*10 + int(digits[j]-'0')
			}
			if len(digits) > 0 {
				return n
			}
		}
		return 65536
	}
	for _, osec := range ctx.OutputSections {
		if osec.Name == ".init_array" || osec.Name == ".fini_array" ||
			osec.Name == ".preinit_array" {
			sort.SliceStable(osec.Members, func(i, j int) bool {
				return prio(osec.Members[i]) < prio(osec.Members[j])
			})
		}
	}
}

// chunkRank yields the output order: headers, .interp, notes, read-only
// data and code, TLS, RELRO, writable data, bss, non-alloc, section header.
func chunkRank(ctx *Context, chunk Chunker) int32 {
	typ := chunk.GetShdr().Type
	flags := chunk.GetShdr().Flags

	if chunk == Chunker(ctx.Ehdr) {
		return 0
	}
	if chunk == Chunker(ctx.Phdr) {
		return 1
	}
	if chunk == Chunker(ctx.Interp) && ctx.Interp != nil {
		return 2
	}
	if chunk == Chunker(ctx.Shdr) {
		return math.MaxInt32
	}
	if flags&uint64(elf.SHF_ALLOC) == 0 {
		return math.MaxInt32 - 1
	}
	if typ == uint32(elf.SHT_NOTE) {
		return 3
	}

	b2i := func(b bool) int32 {
		if b {
			return 1
		}
		return 0
	}
	writable := b2i(flags&uint64(elf.SHF_WRITE) != 0)
	exec := b2i(flags&uint64(elf.SHF_EXECINSTR) != 0)
	tls := b2i(flags&uint64(elf.SHF_TLS) != 0)
	relro := b2i(isRelro(ctx, chunk))
	isBss := b2i(typ == uint32(elf.SHT_NOBITS))

	// ro data | ro code | rw tls data | rw tls bss | rw relro data |
	// rw relro bss | rw data | rw bss
	return 1<<9 | writable<<8 | exec<<7 | (1-tls)<<6 | (1-relro)<<5 | isBss<<4
}

func SortOutputChunks(ctx *Context) {
	sort.SliceStable(ctx.Chunks, func(i, j int) bool {
		return chunkRank(ctx, ctx.Chunks[i]) < chunkRank(ctx, ctx.Chunks[j])
	})
}

// assignShndx numbers the emitted sections.
func assignShndx(ctx *Context) {
	shndx := int64(1)
	for _, chunk := range ctx.Chunks {
		if chunk.IsHeader() || chunk.GetName() == "" {
			continue
		}
		chunk.SetShndx(shndx)
		shndx++
	}
}

// updateAllShdrs runs every chunk's UpdateShdr in dependency order: the
// .dynamic entries feed .dynstr, and the string and header tables go last
// since everyone else feeds them.
func updateAllShdrs(ctx *Context) {
	if ctx.Dynamic != nil {
		ctx.Dynamic.UpdateShdr(ctx)
	}
	skip := map[Chunker]bool{
		ctx.Shstrtab: true, ctx.Shdr: true, ctx.Ehdr: true, ctx.Phdr: true,
	}
	if ctx.Dynamic != nil {
		skip[ctx.Dynamic] = true
	}
	if ctx.Dynstr != nil {
		skip[ctx.Dynstr] = true
	}
	for _, chunk := range ctx.Chunks {
		if !skip[chunk] {
			chunk.UpdateShdr(ctx)
		}
	}
	if ctx.Dynstr != nil {
		ctx.Dynstr.UpdateShdr(ctx)
	}
	ctx.Shstrtab.UpdateShdr(ctx)
	ctx.Phdr.UpdateShdr(ctx)
	ctx.Ehdr.UpdateShdr(ctx)
	ctx.Shdr.UpdateShdr(ctx)
}

// removeEmptyChunks drops synthetic sections that ended up with nothing in
// them so they do not clutter the output.
func removeEmptyChunks(ctx *Context) {
	ctx.Chunks = utils.RemoveIf(ctx.Chunks, func(chunk Chunker) bool {
		if chunk.IsHeader() {
			return false
		}
		if chunk == Chunker(ctx.Symtab) || chunk == Chunker(ctx.Strtab) ||
			chunk == Chunker(ctx.Shstrtab) {
			return false
		}
		return chunk.GetShdr().Size == 0
	})
}

// SetOutputSectionOffsets assigns virtual addresses and file offsets
// so that vaddr and offset stay congruent modulo the page size; BSS takes
// no file space, TLS bss takes no address space, and access-bit changes
// force a page break.
func SetOutputSectionOffsets(ctx *Context) uint64 {
	t := NewTimer("osec_offset")
	defer t.Stop()

	addr := ctx.Args.ImageBase
	var prevFlags uint32
	first := true

	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		if isTbss(chunk) {
			// tbss owns TLS-template address space only.
			shdr.Addr = addr
			continue
		}
		flags := toPhdrFlags(chunk)
		if !first && flags != prevFlags {
			addr = utils.AlignTo(addr, ctx.PageSize())
		}
		prevFlags = flags
		first = false

		addr = utils.AlignTo(addr, shdr.AddrAlign)
		shdr.Addr = addr
		addr += shdr.Size
	}

	// File offsets track the virtual addresses congruently.
	fileoff := uint64(0)
	i := 0
	for i < len(ctx.Chunks) {
		shdr := ctx.Chunks[i].GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			break
		}
		if shdr.Type == uint32(elf.SHT_NOBITS) {
			shdr.Offset = fileoff
			i++
			continue
		}
		if shdr.Addr%ctx.PageSize() >= fileoff%ctx.PageSize() {
			fileoff = fileoff - fileoff%ctx.PageSize() + shdr.Addr%ctx.PageSize()
		} else {
			fileoff = utils.AlignTo(fileoff, ctx.PageSize()) + shdr.Addr%ctx.PageSize()
		}
		shdr.Offset = fileoff
		fileoff += shdr.Size
		i++
	}
	for ; i < len(ctx.Chunks); i++ {
		shdr := ctx.Chunks[i].GetShdr()
		fileoff = utils.AlignTo(fileoff, max64(shdr.AddrAlign, 1))
		shdr.Offset = fileoff
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			fileoff += shdr.Size
		}
	}

	setTlsAddresses(ctx)
	return fileoff
}

// setTlsAddresses records the PT_TLS range and the thread pointer the
// TPOFF formulas are relative to.
func setTlsAddresses(ctx *Context) {
	ctx.TlsBegin = 0
	ctx.TlsEnd = 0
	var align uint64 = 1
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_TLS) == 0 {
			continue
		}
		if ctx.TlsBegin == 0 {
			ctx.TlsBegin = shdr.Addr
		}
		if end := shdr.Addr + shdr.Size; end > ctx.TlsEnd {
			ctx.TlsEnd = end
		}
		align = max64(align, shdr.AddrAlign)
	}
	if ctx.TlsBegin == 0 {
		return
	}
	switch ctx.Machine.Kind {
	case MachineArm64:
		// TP sits before the TLS template.
		ctx.TpAddr = ctx.TlsBegin - 16
	default:
		// x86 family: TP points just past the template.
		ctx.TpAddr = utils.AlignTo(ctx.TlsEnd, align)
	}
}

// FixSyntheticSymbols defines the linker-provided symbols against their
// final chunks.
func FixSyntheticSymbols(ctx *Context) {
	define := func(name string, chunk Chunker, value uint64) {
		sym := GetSymbolByName(ctx, name)
		sym.Mu.Lock()
		if sym.File == nil || sym.File == InputFiler(internalFile(ctx)) {
			sym.File = internalFile(ctx)
			sym.SymIdx = 0
			sym.Value = value
			sym.SetOutputChunk(chunk)
		}
		sym.Mu.Unlock()
	}
	defineStart := func(name string, chunk Chunker) { define(name, chunk, 0) }
	defineEnd := func(name string, chunk Chunker) {
		define(name, chunk, chunk.GetShdr().Size)
	}

	var lastAlloc, lastText, lastData Chunker
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		lastAlloc = chunk
		if shdr.Flags&uint64(elf.SHF_EXECINSTR) != 0 {
			lastText = chunk
		}
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			lastData = chunk
		}
	}

	define("__ehdr_start", ctx.Ehdr, 0)
	define("__executable_start", ctx.Ehdr, 0)
	if ctx.Dynamic != nil {
		defineStart("_DYNAMIC", ctx.Dynamic)
	}
	switch ctx.Machine.Kind {
	case MachineArm64:
		defineStart("_GLOBAL_OFFSET_TABLE_", ctx.Got)
	default:
		defineStart("_GLOBAL_OFFSET_TABLE_", ctx.GotPlt)
	}
	if ctx.EhFrameHdr != nil {
		defineStart("__GNU_EH_FRAME_HDR", ctx.EhFrameHdr)
	}
	if lastText != nil {
		defineEnd("_etext", lastText)
		defineEnd("etext", lastText)
	}
	if lastData != nil {
		defineEnd("_edata", lastData)
		defineEnd("edata", lastData)
	}
	if lastAlloc != nil {
		defineEnd("_end", lastAlloc)
		defineEnd("end", lastAlloc)
	}
	for _, osec := range ctx.OutputSections {
		if len(osec.Members) > 0 && IsCIdentifier(osec.Name) {
			defineStart("__start_"+osec.Name, osec)
			defineEnd("__stop_"+osec.Name, osec)
		}
	}
	if bss := findOutputSection(ctx, ".bss"); bss != nil {
		defineStart("__bss_start", bss)
	} else {
		defineStart("__bss_start", ctx.Dynbss)
	}
}

func internalFile(ctx *Context) *ObjectFile {
	if ctx.internalObj == nil {
		o := &ObjectFile{}
		o.Mf = &MappedFile{Name: "<internal>"}
		o.ElfSyms = []Sym{{Info: uint8(elf.STB_GLOBAL) << 4, Shndx: uint16(elf.SHN_ABS)}}
		o.IsAliveFlag.Store(true)
		ctx.internalObj = o
	}
	return ctx.internalObj
}

// CompressDebugSections swaps non-alloc .debug_* chunks for compressed
// copies after their contents are final.
func CompressDebugSections(ctx *Context, filesize uint64) uint64 {
	if ctx.Args.CompressDebugSections == CompressNone {
		return filesize
	}
	t := NewTimer("compress_debug_sections")
	defer t.Stop()

	for i, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if shdr.Flags&uint64(elf.SHF_ALLOC) != 0 || shdr.Size == 0 ||
			!strings.HasPrefix(chunk.GetName(), ".debug") {
			continue
		}
		c := NewCompressedSection(ctx, chunk)
		c.SetShndx(chunk.GetShndx())
		ctx.Chunks[i] = c
	}

	ctx.Shstrtab.UpdateShdr(ctx)
	ctx.Shdr.UpdateShdr(ctx)
	ctx.Ehdr.UpdateShdr(ctx)
	return SetOutputSectionOffsets(ctx)
}

// Link runs the whole pipeline after argument parsing.
func Link(ctx *Context) {
	total := NewTimer("total")
	defer total.Stop()

	CreateSyntheticSections(ctx)
	ResolveSymbols(ctx)
	Checkpoint(ctx)

	EliminateComdats(ctx)
	InitializeMergedSections(ctx)
	ConvertCommonSymbols(ctx)
	ApplyExcludeLibs(ctx)
	ApplyVersionScript(ctx)
	ComputeImportExport(ctx)

	AddCommentString(ctx, "mold "+Version)
	if len(ctx.CmdLine) > 0 {
		AddCommentString(ctx, strings.Join(ctx.CmdLine, " "))
	}

	if ctx.Args.GcSections {
		GcSections(ctx)
	}

	CheckDuplicateSymbols(ctx)
	Checkpoint(ctx)
	ClaimUnresolvedSymbols(ctx)

	ScanRels(ctx)
	Checkpoint(ctx)

	ComputeMergedSectionSizes(ctx)
	BinSections(ctx)
	SortInitFini(ctx)
	ctx.Chunks = append(ctx.Chunks, CollectOutputSections(ctx)...)

	ComputeSectionSizes(ctx)
	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.ComputeSymtab(ctx) })

	ctx.Dynsym.Finalize(ctx)
	if ctx.Verneed != nil {
		ctx.Verneed.Finalize(ctx)
	}

	SortOutputChunks(ctx)
	assignShndx(ctx)
	updateAllShdrs(ctx)
	removeEmptyChunks(ctx)
	assignShndx(ctx)
	updateAllShdrs(ctx)

	filesize := SetOutputSectionOffsets(ctx)
	// Addresses moved; regenerate the header-sized chunks once more.
	updateAllShdrs(ctx)
	filesize = SetOutputSectionOffsets(ctx)

	FixSyntheticSymbols(ctx)
	filesize = CompressDebugSections(ctx, filesize)
	Checkpoint(ctx)

	WriteOutput(ctx, filesize)
}

// InitializeMergedSections runs the splitter registration phase.
func InitializeMergedSections(ctx *Context) {
	RegisterSectionPieces(ctx)
}

const Version = "1.0.0"
