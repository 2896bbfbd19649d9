package linker

import (
	"debug/elf"
	"sync/atomic"

	"github.com/wheatman/mold/pkg/utils"
)

// GotSection owns .got: regular GOT slots plus the TLS entry families.
// Slot allocation is the serial step after relocation scanning; writing
// happens against final addresses and spills the matching dynamic
// relocations.
type GotSection struct {
	Chunk
	GotSyms     []*Symbol
	GotTpSyms   []*Symbol
	TlsGdSyms   []*Symbol
	TlsDescSyms []*Symbol
	TlsLdIdx    int32

	numEntries   uint32
	RelDynOffset uint64
}

func NewGotSection() *GotSection {
	g := &GotSection{Chunk: NewChunk(), TlsLdIdx: -1}
	g.Name = ".got"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	return g
}

func (g *GotSection) AddGotSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.GotIdx == -1)
	sym.GotIdx = int32(g.numEntries)
	g.numEntries++
	g.GotSyms = append(g.GotSyms, sym)
}

func (g *GotSection) AddGotTpSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.GotTpIdx == -1)
	sym.GotTpIdx = int32(g.numEntries)
	g.numEntries++
	g.GotTpSyms = append(g.GotTpSyms, sym)
}

func (g *GotSection) AddTlsGdSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.TlsGdIdx == -1)
	sym.TlsGdIdx = int32(g.numEntries)
	g.numEntries += 2
	g.TlsGdSyms = append(g.TlsGdSyms, sym)
}

func (g *GotSection) AddTlsDescSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.TlsDescIdx == -1)
	sym.TlsDescIdx = int32(g.numEntries)
	g.numEntries += 2
	g.TlsDescSyms = append(g.TlsDescSyms, sym)
}

func (g *GotSection) AddTlsLdSymbol(ctx *Context) {
	if g.TlsLdIdx == -1 {
		g.TlsLdIdx = int32(g.numEntries)
		g.numEntries += 2
	}
}

func (g *GotSection) GetTlsLdAddr(ctx *Context) uint64 {
	utils.Assert(g.TlsLdIdx != -1)
	return g.Shdr.Addr + uint64(g.TlsLdIdx)*uint64(ctx.Format().WordSize())
}

// NumDynRels counts the dynamic relocations the GOT will spill.
func (g *GotSection) NumDynRels(ctx *Context) int {
	n := 0
	for _, sym := range g.GotSyms {
		if sym.IsImported || ctx.Args.Pic {
			n++
		}
	}
	for _, sym := range g.GotTpSyms {
		if sym.IsImported {
			n++
		}
	}
	for _, sym := range g.TlsGdSyms {
		if sym.IsImported || ctx.Args.Shared {
			n += 2
		}
	}
	n += len(g.TlsDescSyms)
	if g.TlsLdIdx != -1 && ctx.Args.Shared {
		n++
	}
	return n
}

func (g *GotSection) UpdateShdr(ctx *Context) {
	g.Shdr.Size = uint64(g.numEntries) * uint64(ctx.Format().WordSize())
	g.Shdr.AddrAlign = uint64(ctx.Format().WordSize())
}

func (g *GotSection) WriteTo(ctx *Context) {
	format := ctx.Format()
	ws := uint64(format.WordSize())
	base := ctx.Buf[g.Shdr.Offset:]
	slot := func(idx int32) []byte { return base[uint64(idx)*ws:] }

	dynrel := newDynRelWriter(ctx, g.RelDynOffset)

	for _, sym := range g.GotSyms {
		switch {
		case sym.IsImported:
			dynrel.emit(Rela{Offset: sym.GetGotAddr(ctx), Type: ctx.Machine.RelGlobDat,
				Sym: uint32(sym.DynsymIdx)})
		case ctx.Args.Pic:
			format.WriteWord(slot(sym.GotIdx), sym.GetAddr(ctx))
			dynrel.emit(Rela{Offset: sym.GetGotAddr(ctx), Type: ctx.Machine.RelRelative,
				Addend: int64(sym.GetAddr(ctx))})
		default:
			format.WriteWord(slot(sym.GotIdx), sym.GetAddr(ctx))
		}
	}

	for _, sym := range g.GotTpSyms {
		if sym.IsImported {
			dynrel.emit(Rela{Offset: sym.GetGotTpAddr(ctx), Type: ctx.Machine.RelTpOff,
				Sym: uint32(sym.DynsymIdx)})
		} else {
			format.WriteWord(slot(sym.GotTpIdx), sym.GetAddr(ctx)-ctx.TpAddr)
		}
	}

	for _, sym := range g.TlsGdSyms {
		if sym.IsImported || ctx.Args.Shared {
			dynrel.emit(Rela{Offset: sym.GetTlsGdAddr(ctx), Type: ctx.Machine.RelDtpMod,
				Sym: uint32(sym.DynsymIdx)})
			dynrel.emit(Rela{Offset: sym.GetTlsGdAddr(ctx) + ws, Type: ctx.Machine.RelDtpOff,
				Sym: uint32(sym.DynsymIdx)})
		} else {
			// The main executable is always module 1.
			format.WriteWord(slot(sym.TlsGdIdx), 1)
			format.WriteWord(slot(sym.TlsGdIdx+1), sym.GetAddr(ctx)-ctx.TlsBegin)
		}
	}

	for _, sym := range g.TlsDescSyms {
		dynrel.emit(Rela{Offset: sym.GetTlsDescAddr(ctx), Type: ctx.Machine.RelTlsDesc,
			Sym: uint32(sym.DynsymIdx), Addend: int64(sym.Value)})
	}

	if g.TlsLdIdx != -1 {
		if ctx.Args.Shared {
			dynrel.emit(Rela{Offset: g.GetTlsLdAddr(ctx), Type: ctx.Machine.RelDtpMod})
		} else {
			format.WriteWord(slot(g.TlsLdIdx), 1)
		}
	}
}

// dynRelWriter appends Rela records into the .rela.dyn image.
type dynRelWriter struct {
	ctx  *Context
	off  uint64
}

func newDynRelWriter(ctx *Context, off uint64) *dynRelWriter {
	return &dynRelWriter{ctx: ctx, off: off}
}

func (w *dynRelWriter) emit(r Rela) {
	format := w.ctx.Format()
	pos := w.ctx.RelDyn.Shdr.Offset + w.off
	format.WriteRela(w.ctx.Buf[pos:], r)
	w.off += uint64(format.RelaSize())
	w.ctx.RelDyn.NumWritten.Add(1)
}

// GotPltSection is .got.plt: three reserved words then one slot per PLT
// symbol, pre-pointing into the lazy-resolution stubs.
type GotPltSection struct {
	Chunk
}

func NewGotPltSection() *GotPltSection {
	g := &GotPltSection{Chunk: NewChunk()}
	g.Name = ".got.plt"
	g.Shdr.Type = uint32(elf.SHT_PROGBITS)
	g.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_WRITE)
	return g
}

func (g *GotPltSection) UpdateShdr(ctx *Context) {
	g.Shdr.Size = uint64(gotPltHdrEntries+len(ctx.Plt.Symbols)) * uint64(ctx.Format().WordSize())
	g.Shdr.AddrAlign = uint64(ctx.Format().WordSize())
}

func (g *GotPltSection) WriteTo(ctx *Context) {
	format := ctx.Format()
	ws := uint64(format.WordSize())
	base := ctx.Buf[g.Shdr.Offset:]

	// Slot 0 holds the address of .dynamic; the loader fills 1 and 2.
	if ctx.Dynamic != nil {
		format.WriteWord(base, ctx.Dynamic.Shdr.Addr)
	}

	for i, sym := range ctx.Plt.Symbols {
		val := sym.GetPltAddr(ctx)
		if ctx.Machine.Kind != MachineArm64 {
			val += 6 // skip the jmp, land on the lazy push
		} else {
			val = ctx.Plt.Shdr.Addr
		}
		format.WriteWord(base[uint64(gotPltHdrEntries+i)*ws:], val)
	}
}

// PltSection is the lazy-binding stub table.
type PltSection struct {
	Chunk
	Symbols []*Symbol
}

func NewPltSection() *PltSection {
	p := &PltSection{Chunk: NewChunk()}
	p.Name = ".plt"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = 16
	return p
}

func (p *PltSection) AddSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.PltIdx == -1)
	sym.PltIdx = int32(len(p.Symbols))
	p.Symbols = append(p.Symbols, sym)
	sym.AddFlags(NeedsDynsym)
}

func (p *PltSection) UpdateShdr(ctx *Context) {
	if len(p.Symbols) == 0 {
		p.Shdr.Size = 0
		return
	}
	p.Shdr.Size = ctx.Machine.PltHdrSize + uint64(len(p.Symbols))*ctx.Machine.PltEntrySize
}

func (p *PltSection) WriteTo(ctx *Context) {
	if len(p.Symbols) == 0 {
		return
	}
	base := ctx.Buf[p.Shdr.Offset:]
	ctx.Machine.WritePltHeader(ctx, base)
	for _, sym := range p.Symbols {
		off := ctx.Machine.PltHdrSize + uint64(sym.PltIdx)*ctx.Machine.PltEntrySize
		ctx.Machine.WritePltEntry(ctx, base[off:], sym)
	}
}

// PltGotSection holds the stubs for symbols that already have a regular
// GOT slot; they jump through .got and need no .got.plt slot or
// JUMP_SLOT relocation.
type PltGotSection struct {
	Chunk
	Symbols []*Symbol
}

func NewPltGotSection() *PltGotSection {
	p := &PltGotSection{Chunk: NewChunk()}
	p.Name = ".plt.got"
	p.Shdr.Type = uint32(elf.SHT_PROGBITS)
	p.Shdr.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
	p.Shdr.AddrAlign = 8
	return p
}

func (p *PltGotSection) AddSymbol(ctx *Context, sym *Symbol) {
	utils.Assert(sym.PltGotIdx == -1)
	sym.PltGotIdx = int32(len(p.Symbols))
	p.Symbols = append(p.Symbols, sym)
}

func (p *PltGotSection) UpdateShdr(ctx *Context) {
	p.Shdr.Size = uint64(len(p.Symbols)) * ctx.Machine.PltGotEntrySize
}

func (p *PltGotSection) WriteTo(ctx *Context) {
	base := ctx.Buf[p.Shdr.Offset:]
	for _, sym := range p.Symbols {
		off := uint64(sym.PltGotIdx) * ctx.Machine.PltGotEntrySize
		ctx.Machine.WritePltGotEntry(ctx, base[off:], sym)
	}
}

// RelDynSection aggregates every dynamic relocation except JUMP_SLOTs:
// scanner-driven section relocs, GOT spills, and COPYRELs.
type RelDynSection struct {
	Chunk
	NumWritten atomic.Int64
}

func NewRelDynSection() *RelDynSection {
	r := &RelDynSection{Chunk: NewChunk()}
	r.Name = ".rela.dyn"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	return r
}

func (r *RelDynSection) UpdateShdr(ctx *Context) {
	format := ctx.Format()
	sz := uint64(format.RelaSize())

	// Stable slot ranges per producer: GOT spills, then the copy
	// relocations, then each input section's contributions.
	off := uint64(0)
	ctx.Got.RelDynOffset = off
	off += uint64(ctx.Got.NumDynRels(ctx)) * sz
	ctx.Dynbss.RelDynOffset = off
	off += uint64(len(ctx.Dynbss.Symbols)) * sz
	ctx.DynbssRelro.RelDynOffset = off
	off += uint64(len(ctx.DynbssRelro.Symbols)) * sz

	for _, file := range ctx.Objs {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive.Load() {
				continue
			}
			if cnt := isec.NumDynRels(); cnt > 0 {
				isec.RelDynOffset = off
				off += uint64(cnt) * sz
			}
		}
	}

	r.Shdr.Size = off
	r.Shdr.AddrAlign = uint64(format.WordSize())
	r.Shdr.EntSize = uint64(format.RelaSize())
	r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
}

// RelPltSection carries the JUMP_SLOT relocations, one per PLT symbol.
type RelPltSection struct {
	Chunk
}

func NewRelPltSection() *RelPltSection {
	r := &RelPltSection{Chunk: NewChunk()}
	r.Name = ".rela.plt"
	r.Shdr.Type = uint32(elf.SHT_RELA)
	r.Shdr.Flags = uint64(elf.SHF_ALLOC)
	return r
}

func (r *RelPltSection) UpdateShdr(ctx *Context) {
	format := ctx.Format()
	r.Shdr.Size = uint64(len(ctx.Plt.Symbols) * format.RelaSize())
	r.Shdr.AddrAlign = uint64(format.WordSize())
	r.Shdr.EntSize = uint64(format.RelaSize())
	r.Shdr.Link = uint32(ctx.Dynsym.Shndx)
	r.Shdr.Info = uint32(ctx.GotPlt.Shndx)
}

func (r *RelPltSection) WriteTo(ctx *Context) {
	format := ctx.Format()
	base := ctx.Buf[r.Shdr.Offset:]
	ws := uint64(format.WordSize())
	for i, sym := range ctx.Plt.Symbols {
		gotpltAddr := ctx.GotPlt.Shdr.Addr + uint64(gotPltHdrEntries+i)*ws
		format.WriteRela(base[i*format.RelaSize():], Rela{
			Offset: gotpltAddr,
			Type:   ctx.Machine.RelJumpSlot,
			Sym:    uint32(sym.DynsymIdx),
		})
	}
}
