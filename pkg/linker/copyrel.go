package linker

import (
	"debug/elf"

	"github.com/wheatman/mold/pkg/utils"
)

// DynbssSection is the bump area for copy-relocated dylib globals: .bss
// for writable targets, .bss.rel.ro when the variable lives in a read-only
// segment of its DSO.
type DynbssSection struct {
	Chunk
	Symbols      []*Symbol
	RelDynOffset uint64
}

func NewDynbssSection(relro bool) *DynbssSection {
	d := &DynbssSection{Chunk: NewChunk()}
	if relro {
		d.Name = ".bss.rel.ro"
	} else {
		d.Name = ".bss"
	}
	d.Shdr.Type = uint32(elf.SHT_NOBITS)
	d.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	return d
}

// AddSymbol reserves load-time space for one copy-relocated symbol.
// Aliases of the same dylib slot (same file, same value) are redirected
// when the serializer sees them.
func (d *DynbssSection) AddSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.IsImported && !sym.HasCopyrel)

	esym := sym.ElfSym()
	align := uint64(1)
	if esym.Size > 0 {
		align = uint64(1) << toP2Align(utils.NextPowerOfTwo(min64(esym.Size, 64)))
	}
	d.Shdr.Size = utils.AlignTo(d.Shdr.Size, align)
	if d.Shdr.AddrAlign < align {
		d.Shdr.AddrAlign = align
	}

	sym.HasCopyrel = true
	sym.Value = d.Shdr.Size
	sym.IsImported = false // the copy is now the definition
	d.Shdr.Size += esym.Size
	d.Symbols = append(d.Symbols, sym)
	sym.AddFlags(NeedsDynsym)
}

func (d *DynbssSection) WriteTo(ctx *Context) {
	// NOBITS: only the R_COPY relocations materialize.
	w := newDynRelWriter(ctx, d.RelDynOffset)
	for _, sym := range d.Symbols {
		w.emit(Rela{
			Offset: d.Shdr.Addr + sym.Value,
			Type:   ctx.Machine.RelCopy,
			Sym:    uint32(sym.DynsymIdx),
		})
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
