package linker

import (
	"debug/elf"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/wheatman/mold/pkg/utils"
)

// FragmentRef resolves one relocation that points into a mergeable section
// to the interned fragment plus the residual addend.
type FragmentRef struct {
	Idx    int32 // relocation index within the section
	Frag   *SectionFragment
	Addend int64
}

// InputSection is the linker view of one section of one object file.
type InputSection struct {
	File     *ObjectFile
	Contents []byte
	Shndx    uint32
	ShSize   uint64

	IsAlive   atomic.Bool
	IsVisited atomic.Bool // GC mark bit
	IsEhframe bool
	Killed    bool

	P2Align uint8
	Offset  uint64
	OutputSection *OutputSection

	RelsecIdx uint32
	rels      []Rela
	relsOnce  sync.Once

	RelFragments []FragmentRef
	NeedsDynrel  utils.BitVector
	NeedsBaserel utils.BitVector
	RelDynOffset uint64

	// FDEs attached to this section, as [FdeBegin, FdeEnd) over File.Fdes.
	FdeBegin uint32
	FdeEnd   uint32
}

func NewInputSection(ctx *Context, name string, file *ObjectFile, shndx uint32) *InputSection {
	s := &InputSection{
		File:      file,
		Shndx:     shndx,
		Offset:    math.MaxUint64,
		RelsecIdx: math.MaxUint32,
	}
	s.IsAlive.Store(true)

	shdr := s.Shdr()
	if shdr.Flags&uint64(elf.SHF_COMPRESSED) != 0 || hasZdebugPrefix(name) {
		s.Contents, s.ShSize, s.P2Align = decompressSection(ctx, file, shdr, name)
	} else {
		s.Contents = file.GetBytesFromShdr(ctx, shdr)
		s.ShSize = shdr.Size
		s.P2Align = toP2Align(shdr.AddrAlign)
	}

	s.OutputSection = GetOutputSection(ctx, name, uint64(shdr.Type), shdr.Flags)
	return s
}

func toP2Align(align uint64) uint8 {
	if align == 0 {
		return 0
	}
	if !utils.IsPowerOfTwo(align) {
		utils.Fatal("sh_addralign is not a power of two")
	}
	return uint8(bits.TrailingZeros64(align))
}

func (i *InputSection) Shdr() *Shdr {
	utils.Assert(i.Shndx < uint32(len(i.File.ElfSections)))
	return &i.File.ElfSections[i.Shndx]
}

func (i *InputSection) Name() string {
	return ElfGetName(i.File.ShStrtab, i.Shdr().Name)
}

func (i *InputSection) GetAddr() uint64 {
	return i.OutputSection.Shdr.Addr + i.Offset
}

func (i *InputSection) Kill() {
	i.IsAlive.Store(false)
	i.Killed = true
}

// GetRels parses the attached relocation section on first use. For SHT_REL
// input the implicit addend is read out of the relocated field so that the
// apply formulas see a uniform Rela view.
func (i *InputSection) GetRels(ctx *Context) []Rela {
	if i.RelsecIdx == math.MaxUint32 {
		return nil
	}
	i.relsOnce.Do(func() {
		shdr := &i.File.ElfSections[i.RelsecIdx]
		isRela := shdr.Type == uint32(elf.SHT_RELA)
		bs := i.File.GetBytesFromShdr(ctx, shdr)
		rels := i.File.Format.ReadRelas(bs, isRela)
		if !isRela {
			for idx := range rels {
				r := &rels[idx]
				if r.Offset+4 <= uint64(len(i.Contents)) {
					r.Addend = int64(int32(i.File.Format.Order.Uint32(i.Contents[r.Offset:])))
				}
			}
		}
		i.rels = rels
	})
	return i.rels
}

// FindFragmentRef returns the fragment a relocation was redirected to, if
// any. RelFragments is sorted by relocation index.
func (i *InputSection) FindFragmentRef(idx int) *FragmentRef {
	lo, hi := 0, len(i.RelFragments)
	for lo < hi {
		mid := (lo + hi) / 2
		if int(i.RelFragments[mid].Idx) < idx {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(i.RelFragments) && int(i.RelFragments[lo].Idx) == idx {
		return &i.RelFragments[lo]
	}
	return nil
}

// ScanRelocations classifies every relocation and accumulates needs-flags
// on the referenced symbols.
func (i *InputSection) ScanRelocations(ctx *Context) {
	rels := i.GetRels(ctx)
	i.NeedsDynrel = utils.NewBitVector(len(rels))
	i.NeedsBaserel = utils.NewBitVector(len(rels))

	for idx := range rels {
		rel := &rels[idx]
		if rel.Type == ctx.Machine.RelNone {
			continue
		}
		sym := i.File.Symbols[rel.Sym]
		if sym == nil || sym.File == nil {
			continue
		}
		if sym.Traced {
			Trace(ctx, "%s: scan %s against %s", i.File.GetName(),
				i.Name(), sym.Name)
		}
		ctx.Machine.ScanRelocation(ctx, i, sym, rel, idx)
	}
}

// NumDynRels counts the dynamic relocations this section will emit.
func (i *InputSection) NumDynRels() int {
	return i.NeedsDynrel.Count() + i.NeedsBaserel.Count()
}

func (i *InputSection) WriteTo(ctx *Context, buf []byte) {
	if i.Shdr().Type == uint32(elf.SHT_NOBITS) || i.ShSize == 0 {
		return
	}
	copy(buf, i.Contents)
	if i.Shdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
		i.ApplyRelocAlloc(ctx, buf)
	} else {
		i.ApplyRelocNonAlloc(ctx, buf)
	}
}

// resolveRel computes (S, A) for one relocation, honoring fragment
// redirection.
func (i *InputSection) resolveRel(ctx *Context, idx int, rel *Rela, sym *Symbol) (uint64, int64) {
	if ref := i.FindFragmentRef(idx); ref != nil {
		return ref.Frag.GetAddr(), ref.Addend
	}
	return sym.GetAddr(ctx), rel.Addend
}

// ApplyRelocAlloc patches an allocated section against final addresses and
// emits the dynamic/base relocations recorded by the scanner.
func (i *InputSection) ApplyRelocAlloc(ctx *Context, base []byte) {
	rels := i.GetRels(ctx)
	dynSlot := 0

	for idx := range rels {
		rel := &rels[idx]
		if rel.Type == ctx.Machine.RelNone {
			continue
		}
		sym := i.File.Symbols[rel.Sym]
		if sym == nil || sym.File == nil {
			continue
		}

		if i.NeedsDynrel.Get(idx) {
			i.emitDynRel(ctx, dynSlot, Rela{
				Offset: i.GetAddr() + rel.Offset,
				Type:   ctx.Machine.RelAbs,
				Sym:    uint32(sym.DynsymIdx),
				Addend: rel.Addend,
			})
			dynSlot++
			continue
		}
		if i.NeedsBaserel.Get(idx) {
			S, A := i.resolveRel(ctx, idx, rel, sym)
			i.emitDynRel(ctx, dynSlot, Rela{
				Offset: i.GetAddr() + rel.Offset,
				Type:   ctx.Machine.RelRelative,
				Addend: int64(S) + A,
			})
			dynSlot++
			// The field still gets the link-time value.
		}
		ctx.Machine.ApplyRelocation(ctx, i, base, sym, rel, idx)
	}
}

// ApplyRelocNonAlloc handles debug and other non-allocated sections: only
// absolute relocations are meaningful there.
func (i *InputSection) ApplyRelocNonAlloc(ctx *Context, base []byte) {
	rels := i.GetRels(ctx)
	format := ctx.Format()

	for idx := range rels {
		rel := &rels[idx]
		if rel.Type == ctx.Machine.RelNone || rel.Offset >= i.ShSize {
			continue
		}
		sym := i.File.Symbols[rel.Sym]
		if sym == nil || sym.File == nil {
			continue
		}
		S, A := i.resolveRel(ctx, idx, rel, sym)
		loc := base[rel.Offset:]
		switch rel.Type {
		case ctx.Machine.RelAbs:
			format.WriteWord(loc, S+uint64(A))
		}
	}
}

func (i *InputSection) emitDynRel(ctx *Context, slot int, r Rela) {
	off := ctx.RelDyn.Shdr.Offset + i.RelDynOffset + uint64(slot*ctx.Format().RelaSize())
	ctx.Format().WriteRela(ctx.Buf[off:], r)
	ctx.RelDyn.NumWritten.Add(1)
}

func hasZdebugPrefix(name string) bool {
	return len(name) >= 7 && name[:7] == ".zdebug"
}
