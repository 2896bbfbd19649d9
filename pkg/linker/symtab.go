package linker

import (
	"debug/elf"
	"strings"
)

// SymtabSection emits .symtab: per-file local symbols first, then the
// globals each file won. Sizing is computed per file in parallel; the
// write is one pass per file into pre-assigned ranges.
type SymtabSection struct {
	Chunk
}

func NewSymtabSection() *SymtabSection {
	s := &SymtabSection{Chunk: NewChunk()}
	s.Name = ".symtab"
	s.Shdr.Type = uint32(elf.SHT_SYMTAB)
	return s
}

// keepsSymbol applies the strip/discard/retain surface.
func keepsSymbol(ctx *Context, sym *Symbol, local bool) bool {
	if ctx.Args.StripAll {
		return false
	}
	if sym.Name == "" || !sym.IsAlive() {
		return false
	}
	if len(ctx.Args.RetainSymbolsFile) > 0 {
		return ctx.Args.RetainSymbolsFile[sym.Name]
	}
	if local {
		if ctx.Args.DiscardAll {
			return false
		}
		if ctx.Args.DiscardLocals && strings.HasPrefix(sym.Name, ".L") {
			return false
		}
	}
	return true
}

// ComputeSymtab sizes one object's contribution.
func (o *ObjectFile) ComputeSymtab(ctx *Context) {
	o.NumLocalSymtab = 0
	o.NumGlobalSymtab = 0
	o.StrtabSize = 0

	for i := 1; i < o.FirstGlobal && i < len(o.Symbols); i++ {
		sym := o.Symbols[i]
		if keepsSymbol(ctx, sym, true) {
			o.NumLocalSymtab++
			o.StrtabSize += uint64(len(sym.Name)) + 1
		}
	}
	for i := o.FirstGlobal; i < len(o.Symbols); i++ {
		sym := o.Symbols[i]
		if sym.File == o && keepsSymbol(ctx, sym, false) {
			o.NumGlobalSymtab++
			o.StrtabSize += uint64(len(sym.Name)) + 1
		}
	}
}

func (s *SymtabSection) UpdateShdr(ctx *Context) {
	format := ctx.Format()

	nlocal := uint64(1) // null entry
	for _, o := range ctx.Objs {
		o.LocalSymtabIdx = nlocal
		nlocal += o.NumLocalSymtab
	}
	nglobal := nlocal
	strtab := uint64(1)
	for _, o := range ctx.Objs {
		o.GlobalSymtabIdx = nglobal
		nglobal += o.NumGlobalSymtab
		o.StrtabOffset = strtab
		strtab += o.StrtabSize
	}

	s.Shdr.Info = uint32(nlocal) // first global
	s.Shdr.Size = nglobal * uint64(format.SymSize())
	s.Shdr.EntSize = uint64(format.SymSize())
	s.Shdr.AddrAlign = uint64(format.WordSize())
	s.Shdr.Link = uint32(ctx.Strtab.Shndx)
	ctx.Strtab.Shdr.Size = strtab
}

func (s *SymtabSection) WriteTo(ctx *Context) {
	format := ctx.Format()
	base := ctx.Buf[s.Shdr.Offset:]
	strtabBase := ctx.Buf[ctx.Strtab.Shdr.Offset:]
	format.WriteSym(base, Sym{})

	ParallelForEach(ctx.Objs, func(o *ObjectFile) {
		symIdx := o.LocalSymtabIdx
		strOff := o.StrtabOffset

		write := func(sym *Symbol, idx uint64) uint64 {
			esym := *sym.ElfSym()
			esym.Name = uint32(strOff)
			esym.Val = sym.GetAddr(ctx)
			switch {
			case sym.SectionFragment != nil:
				esym.Shndx = uint16(sym.SectionFragment.OutputSection.Shndx)
			case sym.InputSection != nil:
				esym.Shndx = uint16(sym.InputSection.OutputSection.Shndx)
			case sym.OutputChunk != nil:
				esym.Shndx = uint16(sym.OutputChunk.GetShndx())
			case sym.HasCopyrel || sym.IsImported:
				esym.Shndx = uint16(elf.SHN_UNDEF)
				esym.Val = 0
			default:
				esym.Shndx = uint16(elf.SHN_ABS)
			}
			format.WriteSym(base[idx*uint64(format.SymSize()):], esym)
			copy(strtabBase[strOff:], sym.Name)
			strOff += uint64(len(sym.Name)) + 1
			return idx + 1
		}

		for i := 1; i < o.FirstGlobal && i < len(o.Symbols); i++ {
			if keepsSymbol(ctx, o.Symbols[i], true) {
				symIdx = write(o.Symbols[i], symIdx)
			}
		}
		symIdx = o.GlobalSymtabIdx
		for i := o.FirstGlobal; i < len(o.Symbols); i++ {
			sym := o.Symbols[i]
			if sym.File == o && keepsSymbol(ctx, sym, false) {
				symIdx = write(sym, symIdx)
			}
		}
	})
}

// StrtabSection is .strtab; its size is fixed by SymtabSection.
type StrtabSection struct {
	Chunk
}

func NewStrtabSection() *StrtabSection {
	s := &StrtabSection{Chunk: NewChunk()}
	s.Name = ".strtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	s.Shdr.Size = 1
	return s
}

// ShstrtabSection names every emitted section.
type ShstrtabSection struct {
	Chunk
	offsets map[string]uint32
}

func NewShstrtabSection() *ShstrtabSection {
	s := &ShstrtabSection{Chunk: NewChunk(), offsets: map[string]uint32{}}
	s.Name = ".shstrtab"
	s.Shdr.Type = uint32(elf.SHT_STRTAB)
	return s
}

func (s *ShstrtabSection) UpdateShdr(ctx *Context) {
	s.offsets = map[string]uint32{"": 0}
	size := uint32(1)
	for _, chunk := range ctx.Chunks {
		name := chunk.GetName()
		if name == "" || chunk.IsHeader() {
			continue
		}
		if _, ok := s.offsets[name]; !ok {
			s.offsets[name] = size
			size += uint32(len(name)) + 1
		}
	}
	s.Shdr.Size = uint64(size)
}

func (s *ShstrtabSection) NameOffset(name string) uint32 {
	return s.offsets[name]
}

func (s *ShstrtabSection) WriteTo(ctx *Context) {
	base := ctx.Buf[s.Shdr.Offset:]
	for name, off := range s.offsets {
		copy(base[off:], name)
	}
}
