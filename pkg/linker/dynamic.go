package linker

import (
	"debug/elf"
	"sort"

	"github.com/wheatman/mold/pkg/utils"
)

// DynstrSection is the dynamic string table.
type DynstrSection struct {
	Chunk
	buf     []byte
	offsets map[string]uint32
}

func NewDynstrSection() *DynstrSection {
	d := &DynstrSection{Chunk: NewChunk(), offsets: map[string]uint32{}}
	d.Name = ".dynstr"
	d.Shdr.Type = uint32(elf.SHT_STRTAB)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.buf = []byte{0}
	return d
}

func (d *DynstrSection) AddString(s string) uint32 {
	if off, ok := d.offsets[s]; ok {
		return off
	}
	off := uint32(len(d.buf))
	d.offsets[s] = off
	d.buf = append(d.buf, s...)
	d.buf = append(d.buf, 0)
	return off
}

func (d *DynstrSection) UpdateShdr(ctx *Context) {
	d.Shdr.Size = uint64(len(d.buf))
}

func (d *DynstrSection) WriteTo(ctx *Context) {
	copy(ctx.Buf[d.Shdr.Offset:], d.buf)
}

// DynsymSection is the dynamic symbol table. Collection is unordered;
// Finalize fixes the canonical order: the null entry, unhashed entries
// (imports), then the GNU-hash-sorted exports.
type DynsymSection struct {
	Chunk
	Symbols  []*Symbol
	NameOffs []uint32
	SymNdx   uint32 // first hashed symbol
	finalized bool
}

func NewDynsymSection() *DynsymSection {
	d := &DynsymSection{Chunk: NewChunk()}
	d.Name = ".dynsym"
	d.Shdr.Type = uint32(elf.SHT_DYNSYM)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC)
	d.Shdr.Info = 1
	return d
}

func (d *DynsymSection) AddSymbol(ctx *Context, sym *Symbol) {
	if sym.DynsymIdx != -1 {
		return
	}
	sym.DynsymIdx = 0 // placeholder until Finalize
	d.Symbols = append(d.Symbols, sym)
}

func (d *DynsymSection) Finalize(ctx *Context) {
	utils.Assert(!d.finalized)
	d.finalized = true

	isHashed := func(s *Symbol) bool {
		return !s.IsImported && s.File != nil
	}
	numHashed := 0
	for _, s := range d.Symbols {
		if isHashed(s) {
			numHashed++
		}
	}
	nbuckets := gnuHashBuckets(numHashed)
	sort.SliceStable(d.Symbols, func(i, j int) bool {
		x, y := d.Symbols[i], d.Symbols[j]
		if isHashed(x) != isHashed(y) {
			return !isHashed(x)
		}
		if !isHashed(x) {
			return false
		}
		return GnuHash(x.Name)%uint32(nbuckets) < GnuHash(y.Name)%uint32(nbuckets)
	})

	d.SymNdx = 1
	d.NameOffs = make([]uint32, len(d.Symbols))
	for i, sym := range d.Symbols {
		sym.DynsymIdx = int32(i + 1)
		d.NameOffs[i] = ctx.Dynstr.AddString(sym.Name)
		if !isHashed(sym) {
			d.SymNdx = uint32(i + 2)
		}
	}
}

func (d *DynsymSection) UpdateShdr(ctx *Context) {
	format := ctx.Format()
	d.Shdr.Size = uint64((len(d.Symbols) + 1) * format.SymSize())
	d.Shdr.EntSize = uint64(format.SymSize())
	d.Shdr.AddrAlign = uint64(format.WordSize())
	d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
}

func (d *DynsymSection) WriteTo(ctx *Context) {
	format := ctx.Format()
	base := ctx.Buf[d.Shdr.Offset:]
	format.WriteSym(base, Sym{})

	for i, sym := range d.Symbols {
		esym := Sym{Name: d.NameOffs[i]}
		esym.Info = sym.GetType()
		bind := uint8(elf.STB_GLOBAL)
		if sym.IsWeak {
			bind = uint8(elf.STB_WEAK)
		}
		esym.Info |= bind << 4
		esym.Other = sym.Visibility()

		switch {
		case sym.HasCopyrel:
			if sym.CopyrelReadonly {
				esym.Shndx = uint16(ctx.DynbssRelro.Shndx)
			} else {
				esym.Shndx = uint16(ctx.Dynbss.Shndx)
			}
			esym.Val = sym.GetAddr(ctx)
		case sym.IsImported || sym.File == nil:
			esym.Shndx = uint16(elf.SHN_UNDEF)
		case sym.InputSection != nil:
			esym.Shndx = uint16(sym.InputSection.OutputSection.Shndx)
			esym.Val = sym.GetAddr(ctx)
		case sym.SectionFragment != nil:
			esym.Shndx = uint16(sym.SectionFragment.OutputSection.Shndx)
			esym.Val = sym.GetAddr(ctx)
		case sym.OutputChunk != nil:
			esym.Shndx = uint16(sym.OutputChunk.GetShndx())
			esym.Val = sym.GetAddr(ctx)
		default:
			esym.Shndx = uint16(elf.SHN_ABS)
			esym.Val = sym.Value
		}
		if sym.File != nil && !sym.IsImported {
			esym.Size = sym.ElfSym().Size
		}
		format.WriteSym(base[(i+1)*format.SymSize():], esym)
	}
}

func gnuHashBuckets(nsyms int) int {
	n := nsyms / 8
	if n < 1 {
		n = 1
	}
	return n
}

// HashSection is the SysV .hash table.
type HashSection struct {
	Chunk
}

func NewHashSection() *HashSection {
	h := &HashSection{Chunk: NewChunk()}
	h.Name = ".hash"
	h.Shdr.Type = uint32(elf.SHT_HASH)
	h.Shdr.Flags = uint64(elf.SHF_ALLOC)
	h.Shdr.EntSize = 4
	h.Shdr.AddrAlign = 4
	return h
}

func (h *HashSection) UpdateShdr(ctx *Context) {
	n := len(ctx.Dynsym.Symbols) + 1
	h.Shdr.Size = uint64(8 + n*4 + n*4)
	h.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func (h *HashSection) WriteTo(ctx *Context) {
	ord := ctx.Format().Order
	base := ctx.Buf[h.Shdr.Offset:]
	n := uint32(len(ctx.Dynsym.Symbols) + 1)

	ord.PutUint32(base, n)      // nbuckets
	ord.PutUint32(base[4:], n)  // nchains
	buckets := base[8:]
	chains := base[8+n*4:]

	for _, sym := range ctx.Dynsym.Symbols {
		i := ElfHash(sym.Name) % n
		idx := uint32(sym.DynsymIdx)
		ord.PutUint32(chains[idx*4:], ord.Uint32(buckets[i*4:]))
		ord.PutUint32(buckets[i*4:], idx)
	}
}

// GnuHashSection is the DJB-hashed lookup table with a bloom filter.
type GnuHashSection struct {
	Chunk
}

const (
	gnuBloomShift = 26
)

func NewGnuHashSection() *GnuHashSection {
	g := &GnuHashSection{Chunk: NewChunk()}
	g.Name = ".gnu.hash"
	g.Shdr.Type = uint32(elf.SHT_GNU_HASH)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC)
	return g
}

func (g *GnuHashSection) numHashed(ctx *Context) int {
	return len(ctx.Dynsym.Symbols) + 1 - int(ctx.Dynsym.SymNdx)
}

func (g *GnuHashSection) UpdateShdr(ctx *Context) {
	format := ctx.Format()
	nhashed := g.numHashed(ctx)
	nbuckets := gnuHashBuckets(nhashed)
	g.Shdr.Size = uint64(16 + format.WordSize() + nbuckets*4 + nhashed*4)
	g.Shdr.AddrAlign = uint64(format.WordSize())
	g.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func (g *GnuHashSection) WriteTo(ctx *Context) {
	format := ctx.Format()
	ord := format.Order
	base := ctx.Buf[g.Shdr.Offset:]

	nhashed := g.numHashed(ctx)
	nbuckets := uint32(gnuHashBuckets(nhashed))

	ord.PutUint32(base, nbuckets)
	ord.PutUint32(base[4:], ctx.Dynsym.SymNdx)
	ord.PutUint32(base[8:], 1) // one bloom word
	ord.PutUint32(base[12:], gnuBloomShift)

	bloom := base[16:]
	buckets := base[16+format.WordSize():]
	chain := base[16+format.WordSize()+int(nbuckets)*4:]

	hashed := ctx.Dynsym.Symbols[ctx.Dynsym.SymNdx-1:]

	var bloomWord uint64
	bits := uint32(format.WordSize() * 8)
	for _, sym := range hashed {
		h := GnuHash(sym.Name)
		bloomWord |= 1 << (h % bits)
		bloomWord |= 1 << ((h >> gnuBloomShift) % bits)
	}
	format.WriteWord(bloom, bloomWord)

	for i, sym := range hashed {
		h := GnuHash(sym.Name)
		b := h % nbuckets
		if ord.Uint32(buckets[b*4:]) == 0 {
			ord.PutUint32(buckets[b*4:], uint32(sym.DynsymIdx))
		}
		val := h &^ 1
		// The last entry of each bucket chain has the stop bit.
		if i+1 == len(hashed) || GnuHash(hashed[i+1].Name)%nbuckets != b {
			val |= 1
		}
		ord.PutUint32(chain[i*4:], val)
	}
}

// VersymSection is the per-dynsym version index array.
type VersymSection struct {
	Chunk
}

func NewVersymSection() *VersymSection {
	v := &VersymSection{Chunk: NewChunk()}
	v.Name = ".gnu.version"
	v.Shdr.Type = uint32(elf.SHT_GNU_VERSYM)
	v.Shdr.Flags = uint64(elf.SHF_ALLOC)
	v.Shdr.EntSize = 2
	v.Shdr.AddrAlign = 2
	return v
}

func (v *VersymSection) UpdateShdr(ctx *Context) {
	v.Shdr.Size = uint64(len(ctx.Dynsym.Symbols)+1) * 2
	v.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

func (v *VersymSection) WriteTo(ctx *Context) {
	ord := ctx.Format().Order
	base := ctx.Buf[v.Shdr.Offset:]
	ord.PutUint16(base, VER_NDX_LOCAL)
	for i, sym := range ctx.Dynsym.Symbols {
		ord.PutUint16(base[(i+1)*2:], sym.VerIdx)
	}
}

// VerneedSection records the versions we import, grouped per DSO.
type VerneedSection struct {
	Chunk
	contents []byte
	numVerneed int
}

func NewVerneedSection() *VerneedSection {
	v := &VerneedSection{Chunk: NewChunk()}
	v.Name = ".gnu.version_r"
	v.Shdr.Type = uint32(elf.SHT_GNU_VERNEED)
	v.Shdr.Flags = uint64(elf.SHF_ALLOC)
	v.Shdr.AddrAlign = 4
	return v
}

// Finalize renumbers imported versioned symbols (first index after the
// reserved ones) and serializes the Verneed/Vernaux chains.
func (v *VerneedSection) Finalize(ctx *Context) {
	type need struct {
		soname  string
		version string
		idx     uint16
	}
	var needs []need
	nextIdx := uint16(VER_NDX_GLOBAL + 1)

	for _, sym := range ctx.Dynsym.Symbols {
		if !sym.IsImported || sym.File == nil || !sym.File.IsDso() {
			if sym.VerIdx == 0 {
				sym.VerIdx = VER_NDX_GLOBAL
			}
			continue
		}
		so := sym.File.(*SharedObject)
		verName := so.VersionName(sym.VerIdx)
		if sym.VerIdx <= VER_NDX_GLOBAL || verName == "" {
			sym.VerIdx = VER_NDX_GLOBAL
			continue
		}
		found := false
		for _, n := range needs {
			if n.soname == so.Soname && n.version == verName {
				sym.VerIdx = n.idx
				found = true
				break
			}
		}
		if !found {
			needs = append(needs, need{so.Soname, verName, nextIdx})
			sym.VerIdx = nextIdx
			nextIdx++
		}
	}

	// Serialize, one Verneed per soname.
	ord := ctx.Format().Order
	bySoname := map[string][]need{}
	var order []string
	for _, n := range needs {
		if _, ok := bySoname[n.soname]; !ok {
			order = append(order, n.soname)
		}
		bySoname[n.soname] = append(bySoname[n.soname], n)
	}
	v.numVerneed = len(order)

	var buf []byte
	for vi, soname := range order {
		ns := bySoname[soname]
		vn := make([]byte, 16)
		ord.PutUint16(vn[0:], 1) // vn_version
		ord.PutUint16(vn[2:], uint16(len(ns)))
		ord.PutUint32(vn[4:], ctx.Dynstr.AddString(soname))
		ord.PutUint32(vn[8:], 16) // vn_aux
		if vi+1 < len(order) {
			ord.PutUint32(vn[12:], uint32(16+16*len(ns)))
		}
		buf = append(buf, vn...)
		for ai, n := range ns {
			aux := make([]byte, 16)
			ord.PutUint32(aux[0:], ElfHash(n.version))
			ord.PutUint16(aux[6:], n.idx)
			ord.PutUint32(aux[8:], ctx.Dynstr.AddString(n.version))
			if ai+1 < len(ns) {
				ord.PutUint32(aux[12:], 16)
			}
			buf = append(buf, aux...)
		}
	}
	v.contents = buf
}

func (v *VerneedSection) UpdateShdr(ctx *Context) {
	v.Shdr.Size = uint64(len(v.contents))
	v.Shdr.Link = uint32(ctx.Dynstr.Shndx)
	v.Shdr.Info = uint32(v.numVerneed)
}

func (v *VerneedSection) WriteTo(ctx *Context) {
	copy(ctx.Buf[v.Shdr.Offset:], v.contents)
}

// InterpSection holds the dynamic loader path.
type InterpSection struct {
	Chunk
}

func NewInterpSection() *InterpSection {
	i := &InterpSection{Chunk: NewChunk()}
	i.Name = ".interp"
	i.Shdr.Type = uint32(elf.SHT_PROGBITS)
	i.Shdr.Flags = uint64(elf.SHF_ALLOC)
	return i
}

func (i *InterpSection) path(ctx *Context) string {
	if ctx.Args.DynamicLinker != "" {
		return ctx.Args.DynamicLinker
	}
	return ctx.Machine.DefaultDynamicLinker
}

func (i *InterpSection) UpdateShdr(ctx *Context) {
	i.Shdr.Size = uint64(len(i.path(ctx)) + 1)
}

func (i *InterpSection) WriteTo(ctx *Context) {
	copy(ctx.Buf[i.Shdr.Offset:], i.path(ctx))
}

// DynamicSection is .dynamic.
type DynamicSection struct {
	Chunk
}

func NewDynamicSection() *DynamicSection {
	d := &DynamicSection{Chunk: NewChunk()}
	d.Name = ".dynamic"
	d.Shdr.Type = uint32(elf.SHT_DYNAMIC)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	return d
}

func (d *DynamicSection) entries(ctx *Context) []Dyn {
	var dyns []Dyn
	add := func(tag int64, val uint64) {
		dyns = append(dyns, Dyn{Tag: tag, Val: val})
	}

	for _, so := range ctx.Dsos {
		if so.Alive() {
			add(int64(elf.DT_NEEDED), uint64(ctx.Dynstr.AddString(so.Soname)))
		}
	}
	for _, rpath := range ctx.Args.Rpaths {
		add(int64(elf.DT_RUNPATH), uint64(ctx.Dynstr.AddString(rpath)))
	}
	if ctx.Args.Soname != "" {
		add(int64(elf.DT_SONAME), uint64(ctx.Dynstr.AddString(ctx.Args.Soname)))
	}

	if ctx.RelDyn.Shdr.Size > 0 {
		add(int64(elf.DT_RELA), ctx.RelDyn.Shdr.Addr)
		add(int64(elf.DT_RELASZ), ctx.RelDyn.Shdr.Size)
		add(int64(elf.DT_RELAENT), uint64(ctx.Format().RelaSize()))
	}
	if ctx.RelPlt.Shdr.Size > 0 {
		add(int64(elf.DT_JMPREL), ctx.RelPlt.Shdr.Addr)
		add(int64(elf.DT_PLTRELSZ), ctx.RelPlt.Shdr.Size)
		add(int64(elf.DT_PLTREL), uint64(elf.DT_RELA))
	}
	if ctx.GotPlt.Shdr.Size > 0 {
		add(int64(elf.DT_PLTGOT), ctx.GotPlt.Shdr.Addr)
	}
	if ctx.Hash != nil {
		add(int64(elf.DT_HASH), ctx.Hash.Shdr.Addr)
	}
	if ctx.GnuHash != nil {
		add(DT_GNU_HASH, ctx.GnuHash.Shdr.Addr)
	}
	add(int64(elf.DT_SYMTAB), ctx.Dynsym.Shdr.Addr)
	add(int64(elf.DT_SYMENT), uint64(ctx.Format().SymSize()))
	add(int64(elf.DT_STRTAB), ctx.Dynstr.Shdr.Addr)
	add(int64(elf.DT_STRSZ), ctx.Dynstr.Shdr.Size)

	if osec := findOutputSection(ctx, ".init_array"); osec != nil {
		add(int64(elf.DT_INIT_ARRAY), osec.Shdr.Addr)
		add(int64(elf.DT_INIT_ARRAYSZ), osec.Shdr.Size)
	}
	if osec := findOutputSection(ctx, ".fini_array"); osec != nil {
		add(int64(elf.DT_FINI_ARRAY), osec.Shdr.Addr)
		add(int64(elf.DT_FINI_ARRAYSZ), osec.Shdr.Size)
	}
	if sym := GetSymbolByName(ctx, "_init"); sym.File != nil && !sym.IsImported {
		add(int64(elf.DT_INIT), sym.GetAddr(ctx))
	}
	if sym := GetSymbolByName(ctx, "_fini"); sym.File != nil && !sym.IsImported {
		add(int64(elf.DT_FINI), sym.GetAddr(ctx))
	}

	if ctx.Versym != nil && ctx.Versym.Shdr.Size > 0 {
		add(DT_VERSYM, ctx.Versym.Shdr.Addr)
	}
	if ctx.Verneed != nil && ctx.Verneed.Shdr.Size > 0 {
		add(DT_VERNEED, ctx.Verneed.Shdr.Addr)
		add(DT_VERNEEDNUM, uint64(ctx.Verneed.Shdr.Info))
	}

	if !ctx.Args.Shared {
		add(int64(elf.DT_DEBUG), 0)
	}

	var flags, flags1 uint64
	if ctx.Args.ZNow {
		flags |= uint64(elf.DF_BIND_NOW)
		flags1 |= DF_1_NOW
	}
	if ctx.Args.ZNodelete {
		flags1 |= DF_1_NODELETE
	}
	if ctx.Args.Static {
		flags |= uint64(elf.DF_STATIC_TLS)
	}
	if flags != 0 {
		add(int64(elf.DT_FLAGS), flags)
	}
	if flags1 != 0 {
		add(DT_FLAGS_1, flags1)
	}

	add(int64(elf.DT_NULL), 0)
	return dyns
}

func (d *DynamicSection) UpdateShdr(ctx *Context) {
	if ctx.Args.Static {
		return
	}
	d.Shdr.Size = uint64(len(d.entries(ctx)) * ctx.Format().DynSize())
	d.Shdr.EntSize = uint64(ctx.Format().DynSize())
	d.Shdr.AddrAlign = uint64(ctx.Format().WordSize())
	d.Shdr.Link = uint32(ctx.Dynstr.Shndx)
}

func (d *DynamicSection) WriteTo(ctx *Context) {
	base := ctx.Buf[d.Shdr.Offset:]
	sz := ctx.Format().DynSize()
	for i, dyn := range d.entries(ctx) {
		ctx.Format().WriteDyn(base[i*sz:], dyn)
	}
}

func findOutputSection(ctx *Context, name string) *OutputSection {
	for _, osec := range ctx.OutputSections {
		if osec.Name == name && len(osec.Members) > 0 {
			return osec
		}
	}
	return nil
}
