package linker

import (
	"debug/elf"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// CieRecord is one Common Information Entry of an input .eh_frame.
// Identical CIEs across all files collapse into a single emitted copy.
type CieRecord struct {
	File     *ObjectFile
	Input    *InputSection
	Offset   uint64 // within the input .eh_frame
	Contents []byte
	Rels     []Rela

	IsLeader     bool
	LeaderOffset uint64 // output offset of the copy that survives
}

// FdeRecord is one Frame Description Entry. An FDE belongs to exactly one
// CIE of the same file and covers exactly one text section.
type FdeRecord struct {
	File     *ObjectFile
	Offset   uint64
	Contents []byte
	Rels     []Rela
	CieIdx   int32
	IsAlive  bool

	OutputOffset uint64
}

// CoveredSection returns the text section the FDE describes, via its first
// relocation (the PC-relative function pointer at offset 8).
func (fde *FdeRecord) CoveredSection() *InputSection {
	idx := int(fde.Rels[0].Sym)
	if idx >= len(fde.File.ElfSyms) {
		return nil
	}
	esym := &fde.File.ElfSyms[idx]
	if esym.IsAbs() || esym.IsUndef() || esym.IsCommon() {
		return nil
	}
	shndx := fde.File.GetShndx(esym, idx)
	if shndx < 0 || shndx >= int64(len(fde.File.Sections)) {
		return nil
	}
	return fde.File.Sections[shndx]
}

// InitializeEhframe splits .eh_frame into CIE and FDE records and
// takes the section itself out of the regular binning.
func (o *ObjectFile) InitializeEhframe(ctx *Context) {
	for _, isec := range o.Sections {
		if isec == nil || !isec.IsAlive.Load() || !isec.IsEhframe {
			continue
		}
		o.parseEhframe(ctx, isec)
		isec.IsAlive.Store(false)
	}
	o.attachFdes(ctx)
}

func (o *ObjectFile) parseEhframe(ctx *Context, isec *InputSection) {
	data := isec.Contents
	rels := isec.GetRels(ctx)

	// Relocation offsets must be strictly increasing.
	for i := 1; i < len(rels); i++ {
		if rels[i].Offset <= rels[i-1].Offset {
			Fatal(ctx, "%s: %s: relocations are not sorted", o.GetName(), isec.Name())
		}
	}

	relIdx := 0
	offset := uint64(0)

	for len(data) > 0 {
		if len(data) < 4 {
			Fatal(ctx, "%s: .eh_frame: truncated record", o.GetName())
		}
		size := uint64(o.Format.Order.Uint32(data))
		if size == 0 {
			// Zero-length terminator; trailing data after it is ignored.
			break
		}
		recLen := size + 4
		if recLen > uint64(len(data)) {
			Fatal(ctx, "%s: .eh_frame: broken record length", o.GetName())
		}

		begin := relIdx
		for relIdx < len(rels) && rels[relIdx].Offset < offset+recLen {
			relIdx++
		}
		recRels := rels[begin:relIdx]
		contents := data[:recLen]

		id := o.Format.Order.Uint32(data[4:])
		if id == 0 {
			o.Cies = append(o.Cies, CieRecord{
				File: o, Input: isec, Offset: offset,
				Contents: contents, Rels: recRels,
			})
		} else {
			if len(recRels) == 0 {
				// An FDE with no relocations is dead from birth; the
				// object went through `ld -r`.
				data = data[recLen:]
				offset += recLen
				continue
			}
			if recRels[0].Offset != offset+8 {
				Fatal(ctx, "%s: .eh_frame: FDE's first relocation should refer its function", o.GetName())
			}
			ciePos := offset + 4 - uint64(id)
			cieIdx := int32(-1)
			for j := range o.Cies {
				if o.Cies[j].Offset == ciePos && o.Cies[j].Input == isec {
					cieIdx = int32(j)
					break
				}
			}
			if cieIdx < 0 {
				Fatal(ctx, "%s: .eh_frame: bad CIE pointer", o.GetName())
			}
			o.Fdes = append(o.Fdes, FdeRecord{
				File: o, Offset: offset, Contents: contents,
				Rels: recRels, CieIdx: cieIdx, IsAlive: true,
			})
		}

		data = data[recLen:]
		offset += recLen
	}
}

// attachFdes stably groups FDEs by their covered section and records the
// [FdeBegin, FdeEnd) range on each.
func (o *ObjectFile) attachFdes(ctx *Context) {
	if len(o.Fdes) == 0 {
		return
	}
	sort.SliceStable(o.Fdes, func(i, j int) bool {
		a := o.Fdes[i].CoveredSection()
		b := o.Fdes[j].CoveredSection()
		ai, bi := uint32(0), uint32(0)
		if a != nil {
			ai = a.Shndx
		}
		if b != nil {
			bi = b.Shndx
		}
		return ai < bi
	})

	for i := 0; i < len(o.Fdes); {
		isec := o.Fdes[i].CoveredSection()
		j := i + 1
		for j < len(o.Fdes) && o.Fdes[j].CoveredSection() == isec {
			j++
		}
		if isec != nil {
			isec.FdeBegin = uint32(i)
			isec.FdeEnd = uint32(j)
		} else {
			for k := i; k < j; k++ {
				o.Fdes[k].IsAlive = false
			}
		}
		i = j
	}
}

// GetFdes returns the FDE records attached to a section.
func (i *InputSection) GetFdes() []FdeRecord {
	if i.FdeBegin == i.FdeEnd {
		return nil
	}
	return i.File.Fdes[i.FdeBegin:i.FdeEnd]
}

// EhFrameSection re-emits the deduplicated CIEs and the live FDEs.
type EhFrameSection struct {
	Chunk
	NumFdes int
}

func NewEhFrameSection() *EhFrameSection {
	e := &EhFrameSection{Chunk: NewChunk()}
	e.Name = ".eh_frame"
	e.Shdr.Type = uint32(elf.SHT_PROGBITS)
	e.Shdr.Flags = uint64(elf.SHF_ALLOC)
	e.Shdr.AddrAlign = 8
	return e
}

func cieKey(cie *CieRecord) uint64 {
	h := xxhash.New()
	h.Write(cie.Contents)
	for _, rel := range cie.Rels {
		sym := cie.File.Symbols[rel.Sym]
		if sym != nil {
			h.WriteString(sym.Name)
		}
		var tmp [8]byte
		le.PutUint32(tmp[:4], rel.Type)
		le.PutUint32(tmp[4:], uint32(rel.Offset-cie.Offset))
		h.Write(tmp[:])
	}
	return h.Sum64()
}

// UpdateShdr lays out the output .eh_frame: unique CIEs first-come, live
// FDEs after their leaders, a terminator at the end.
func (e *EhFrameSection) UpdateShdr(ctx *Context) {
	offset := uint64(0)
	leaders := make(map[uint64]uint64)

	for _, obj := range ctx.Objs {
		for idx := range obj.Cies {
			cie := &obj.Cies[idx]
			key := cieKey(cie)
			if pos, ok := leaders[key]; ok {
				cie.IsLeader = false
				cie.LeaderOffset = pos
				continue
			}
			cie.IsLeader = true
			cie.LeaderOffset = offset
			leaders[key] = offset
			offset += uint64(len(cie.Contents))
		}
	}

	e.NumFdes = 0
	for _, obj := range ctx.Objs {
		for idx := range obj.Fdes {
			fde := &obj.Fdes[idx]
			isec := fde.CoveredSection()
			if !fde.IsAlive || isec == nil || !isec.IsAlive.Load() {
				fde.IsAlive = false
				continue
			}
			fde.OutputOffset = offset
			offset += uint64(len(fde.Contents))
			e.NumFdes++
		}
	}

	e.Shdr.Size = offset + 4 // zero terminator
}

func (e *EhFrameSection) WriteTo(ctx *Context) {
	base := ctx.Buf[e.Shdr.Offset:]

	apply := func(contents []byte, recOffset uint64, outOffset uint64, rels []Rela, file *ObjectFile) {
		copy(base[outOffset:], contents)
		for _, rel := range rels {
			sym := file.Symbols[rel.Sym]
			if sym == nil || sym.File == nil {
				continue
			}
			loc := base[outOffset+(rel.Offset-recOffset):]
			S := sym.GetAddr(ctx)
			A := rel.Addend
			P := e.Shdr.Addr + outOffset + (rel.Offset - recOffset)
			if rel.Type == ctx.Machine.RelAbs {
				ctx.Format().WriteWord(loc, S+uint64(A))
			} else {
				// The remaining eh_frame relocations are 32-bit
				// PC-relative regardless of arch.
				ctx.Format().Order.PutUint32(loc, uint32(S+uint64(A)-P))
			}
		}
	}

	ParallelForEach(ctx.Objs, func(obj *ObjectFile) {
		for idx := range obj.Cies {
			cie := &obj.Cies[idx]
			if cie.IsLeader {
				apply(cie.Contents, cie.Offset, cie.LeaderOffset, cie.Rels, obj)
			}
		}
		for idx := range obj.Fdes {
			fde := &obj.Fdes[idx]
			if !fde.IsAlive {
				continue
			}
			apply(fde.Contents, fde.Offset, fde.OutputOffset, fde.Rels, obj)
			// Rewrite the CIE pointer to the deduplicated copy.
			cie := &obj.Cies[fde.CieIdx]
			ctx.Format().Order.PutUint32(base[fde.OutputOffset+4:],
				uint32(fde.OutputOffset+4-cie.LeaderOffset))
		}
	})

	// Terminator
	ctx.Format().Order.PutUint32(base[e.Shdr.Size-4:], 0)
}

// EhFrameHdrSection is the runtime binary-search table over the FDEs.
type EhFrameHdrSection struct {
	Chunk
}

const ehFrameHdrSize = 12

func NewEhFrameHdrSection() *EhFrameHdrSection {
	e := &EhFrameHdrSection{Chunk: NewChunk()}
	e.Name = ".eh_frame_hdr"
	e.Shdr.Type = uint32(elf.SHT_PROGBITS)
	e.Shdr.Flags = uint64(elf.SHF_ALLOC)
	e.Shdr.AddrAlign = 4
	return e
}

func (e *EhFrameHdrSection) UpdateShdr(ctx *Context) {
	e.Shdr.Size = ehFrameHdrSize + uint64(ctx.EhFrame.NumFdes)*8
}

func (e *EhFrameHdrSection) WriteTo(ctx *Context) {
	base := ctx.Buf[e.Shdr.Offset:]
	ord := ctx.Format().Order

	base[0] = 1          // version
	base[1] = 0x1b       // eh_frame_ptr: pcrel | sdata4
	base[2] = 0x03       // fde_count: udata4
	base[3] = 0x3b       // table: datarel | sdata4
	ord.PutUint32(base[4:], uint32(ctx.EhFrame.Shdr.Addr-(e.Shdr.Addr+4)))
	ord.PutUint32(base[8:], uint32(ctx.EhFrame.NumFdes))

	type entry struct{ pc, fde uint32 }
	entries := make([]entry, 0, ctx.EhFrame.NumFdes)

	var mu = make(chan []entry, len(ctx.Objs))
	ParallelForEach(ctx.Objs, func(obj *ObjectFile) {
		var local []entry
		for idx := range obj.Fdes {
			fde := &obj.Fdes[idx]
			if !fde.IsAlive {
				continue
			}
			sym := obj.Symbols[fde.Rels[0].Sym]
			pc := sym.GetAddr(ctx) + uint64(fde.Rels[0].Addend)
			local = append(local, entry{
				pc:  uint32(pc - e.Shdr.Addr),
				fde: uint32(ctx.EhFrame.Shdr.Addr + fde.OutputOffset - e.Shdr.Addr),
			})
		}
		mu <- local
	})
	close(mu)
	for local := range mu {
		entries = append(entries, local...)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].pc < entries[j].pc })
	for i, ent := range entries {
		ord.PutUint32(base[ehFrameHdrSize+i*8:], ent.pc)
		ord.PutUint32(base[ehFrameHdrSize+i*8+4:], ent.fde)
	}
}
