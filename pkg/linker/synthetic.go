package linker

import (
	"debug/elf"
)

// OutputEhdr is the ELF header chunk.
type OutputEhdr struct {
	Chunk
}

func NewOutputEhdr() *OutputEhdr {
	o := &OutputEhdr{Chunk: NewChunk()}
	o.Name = ""
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputEhdr) IsHeader() bool { return true }

func (o *OutputEhdr) UpdateShdr(ctx *Context) {
	o.Shdr.Size = uint64(ctx.Format().EhdrSize())
}

func getEntryAddr(ctx *Context) uint64 {
	if ctx.Args.Entry != "" {
		if sym := GetSymbolByName(ctx, ctx.Args.Entry); sym.File != nil && !sym.IsImported {
			return sym.GetAddr(ctx)
		}
	}
	for _, osec := range ctx.OutputSections {
		if osec.Name == ".text" && len(osec.Members) > 0 {
			return osec.Shdr.Addr
		}
	}
	return 0
}

func (o *OutputEhdr) WriteTo(ctx *Context) {
	format := ctx.Format()
	var e Ehdr
	WriteMagic(e.Ident[:])
	if format.Is64 {
		e.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	} else {
		e.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS32)
	}
	if format.Order == le {
		e.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	} else {
		e.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2MSB)
	}
	e.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)

	if ctx.Args.Shared || ctx.Args.Pic {
		e.Type = uint16(elf.ET_DYN)
	} else {
		e.Type = uint16(elf.ET_EXEC)
	}
	e.Machine = ctx.Machine.EMachine
	e.Version = uint32(elf.EV_CURRENT)
	e.Entry = getEntryAddr(ctx)
	e.PhOff = ctx.Phdr.Shdr.Offset
	e.ShOff = ctx.Shdr.Shdr.Offset
	e.EhSize = uint16(format.EhdrSize())
	e.PhEntSize = uint16(format.PhdrSize())
	e.PhNum = uint16(ctx.Phdr.Shdr.Size / uint64(format.PhdrSize()))
	e.ShEntSize = uint16(format.ShdrSize())
	e.ShNum = uint16(ctx.Shdr.Shdr.Size / uint64(format.ShdrSize()))
	e.ShStrndx = uint16(ctx.Shstrtab.Shndx)

	format.WriteEhdr(ctx.Buf[o.Shdr.Offset:], e)
}

// OutputShdr is the section header table chunk.
type OutputShdr struct {
	Chunk
}

func NewOutputShdr() *OutputShdr {
	o := &OutputShdr{Chunk: NewChunk()}
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputShdr) IsHeader() bool { return true }

func (o *OutputShdr) UpdateShdr(ctx *Context) {
	n := int64(0)
	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() > n {
			n = chunk.GetShndx()
		}
	}
	o.Shdr.Size = uint64(n+1) * uint64(ctx.Format().ShdrSize())
}

func (o *OutputShdr) WriteTo(ctx *Context) {
	format := ctx.Format()
	base := ctx.Buf[o.Shdr.Offset:]
	format.WriteShdr(base, Shdr{})
	for _, chunk := range ctx.Chunks {
		if chunk.GetShndx() <= 0 {
			continue
		}
		shdr := *chunk.GetShdr()
		shdr.Name = ctx.Shstrtab.NameOffset(chunk.GetName())
		format.WriteShdr(base[chunk.GetShndx()*int64(format.ShdrSize()):], shdr)
	}
}

// OutputPhdr is the program header table chunk.
type OutputPhdr struct {
	Chunk
	phdrs []Phdr
}

func NewOutputPhdr() *OutputPhdr {
	o := &OutputPhdr{Chunk: NewChunk()}
	o.Shdr.Flags = uint64(elf.SHF_ALLOC)
	o.Shdr.AddrAlign = 8
	return o
}

func (o *OutputPhdr) IsHeader() bool { return true }

func toPhdrFlags(chunk Chunker) uint32 {
	flags := uint32(elf.PF_R)
	if chunk.GetShdr().Flags&uint64(elf.SHF_WRITE) != 0 {
		flags |= uint32(elf.PF_W)
	}
	if chunk.GetShdr().Flags&uint64(elf.SHF_EXECINSTR) != 0 {
		flags |= uint32(elf.PF_X)
	}
	return flags
}

// isRelro identifies the chunks the PT_GNU_RELRO segment covers.
func isRelro(ctx *Context, chunk Chunker) bool {
	shdr := chunk.GetShdr()
	if shdr.Flags&uint64(elf.SHF_WRITE) == 0 {
		return false
	}
	if shdr.Flags&uint64(elf.SHF_TLS) != 0 {
		return true
	}
	name := chunk.GetName()
	switch {
	case chunk == Chunker(ctx.Dynamic), chunk == Chunker(ctx.Got),
		chunk == Chunker(ctx.DynbssRelro):
		return true
	case name == ".data.rel.ro", name == ".bss.rel.ro",
		name == ".init_array", name == ".fini_array", name == ".preinit_array",
		name == ".ctors", name == ".dtors":
		return true
	case shdr.Type == uint32(elf.SHT_INIT_ARRAY),
		shdr.Type == uint32(elf.SHT_FINI_ARRAY),
		shdr.Type == uint32(elf.SHT_PREINIT_ARRAY):
		return true
	}
	return false
}

func (o *OutputPhdr) createPhdrs(ctx *Context) []Phdr {
	var vec []Phdr
	isDynamic := !ctx.Args.Static && (ctx.Args.Shared || len(ctx.Dsos) > 0)

	define := func(typ uint32, flags uint32, align uint64, chunk Chunker) {
		shdr := chunk.GetShdr()
		p := Phdr{Type: typ, Flags: flags, Align: align,
			Offset: shdr.Offset, VAddr: shdr.Addr, PAddr: shdr.Addr,
			FileSize: shdr.Size, MemSize: shdr.Size}
		if shdr.Type == uint32(elf.SHT_NOBITS) {
			p.FileSize = 0
		}
		vec = append(vec, p)
	}
	push := func(typ uint32, flags uint32, align uint64, chunk Chunker) {
		shdr := chunk.GetShdr()
		p := &vec[len(vec)-1]
		p.Align = max64(p.Align, align)
		if shdr.Type != uint32(elf.SHT_NOBITS) {
			p.FileSize = shdr.Addr + shdr.Size - p.VAddr
		}
		p.MemSize = shdr.Addr + shdr.Size - p.VAddr
	}

	// PT_PHDR precedes everything when a dynamic loader will look at us.
	if isDynamic || ctx.Args.Pic {
		define(uint32(elf.PT_PHDR), uint32(elf.PF_R), 8, ctx.Phdr)
	}
	if ctx.Interp != nil && ctx.Interp.Shdr.Size > 0 {
		define(uint32(elf.PT_INTERP), uint32(elf.PF_R), 1, ctx.Interp)
	}

	// PT_LOAD runs: consecutive alloc chunks of equal access bits.
	var loadChunks []Chunker
	for _, chunk := range ctx.Chunks {
		if chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			loadChunks = append(loadChunks, chunk)
		}
	}
	for i := 0; i < len(loadChunks); {
		first := loadChunks[i]
		flags := toPhdrFlags(first)
		define(uint32(elf.PT_LOAD), flags, ctx.PageSize(), first)
		i++
		for i < len(loadChunks) && toPhdrFlags(loadChunks[i]) == flags &&
			!isTbss(loadChunks[i]) {
			push(uint32(elf.PT_LOAD), flags, 1, loadChunks[i])
			i++
		}
		// Trailing tbss occupies no address range of its own.
		for i < len(loadChunks) && isTbss(loadChunks[i]) {
			i++
		}
	}

	if ctx.Dynamic != nil && ctx.Dynamic.Shdr.Size > 0 {
		define(uint32(elf.PT_DYNAMIC), uint32(elf.PF_R|elf.PF_W),
			uint64(ctx.Format().WordSize()), ctx.Dynamic)
	}

	// One PT_NOTE per run of alloc notes.
	for i := 0; i < len(ctx.Chunks); {
		chunk := ctx.Chunks[i]
		if chunk.GetShdr().Type == uint32(elf.SHT_NOTE) &&
			chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
			define(uint32(elf.PT_NOTE), uint32(elf.PF_R), 4, chunk)
			i++
			for i < len(ctx.Chunks) &&
				ctx.Chunks[i].GetShdr().Type == uint32(elf.SHT_NOTE) &&
				ctx.Chunks[i].GetShdr().Flags&uint64(elf.SHF_ALLOC) != 0 {
				push(uint32(elf.PT_NOTE), uint32(elf.PF_R), 4, ctx.Chunks[i])
				i++
			}
			continue
		}
		i++
	}

	// PT_TLS over the tdata/tbss run.
	for i := 0; i < len(ctx.Chunks); i++ {
		if ctx.Chunks[i].GetShdr().Flags&uint64(elf.SHF_TLS) == 0 {
			continue
		}
		define(uint32(elf.PT_TLS), uint32(elf.PF_R),
			ctx.Chunks[i].GetShdr().AddrAlign, ctx.Chunks[i])
		i++
		for i < len(ctx.Chunks) && ctx.Chunks[i].GetShdr().Flags&uint64(elf.SHF_TLS) != 0 {
			push(uint32(elf.PT_TLS), uint32(elf.PF_R), 1, ctx.Chunks[i])
			i++
		}
		break
	}

	if ctx.Args.EhFrameHdr && ctx.EhFrameHdr != nil && ctx.EhFrameHdr.Shdr.Size > 0 {
		define(uint32(elf.PT_GNU_EH_FRAME), uint32(elf.PF_R), 4, ctx.EhFrameHdr)
	}

	// PT_GNU_STACK is writable by default, executable only on request.
	stackFlags := uint32(elf.PF_R | elf.PF_W)
	if ctx.Args.ZExecstack {
		stackFlags |= uint32(elf.PF_X)
	}
	vec = append(vec, Phdr{Type: uint32(elf.PT_GNU_STACK), Flags: stackFlags, Align: 1})

	if ctx.Args.ZRelro {
		started := false
		for _, chunk := range ctx.Chunks {
			if chunk.GetShdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
				continue
			}
			if isRelro(ctx, chunk) {
				if !started {
					define(uint32(elf.PT_GNU_RELRO), uint32(elf.PF_R), 1, chunk)
					started = true
				} else {
					push(uint32(elf.PT_GNU_RELRO), uint32(elf.PF_R), 1, chunk)
				}
			} else if started {
				break
			}
		}
	}

	return vec
}

func (o *OutputPhdr) UpdateShdr(ctx *Context) {
	o.phdrs = o.createPhdrs(ctx)
	o.Shdr.Size = uint64(len(o.phdrs) * ctx.Format().PhdrSize())
}

func (o *OutputPhdr) WriteTo(ctx *Context) {
	// Regenerate against final addresses.
	o.phdrs = o.createPhdrs(ctx)
	base := ctx.Buf[o.Shdr.Offset:]
	for i, p := range o.phdrs {
		ctx.Format().WritePhdr(base[i*ctx.Format().PhdrSize():], p)
	}
}

func isTbss(chunk Chunker) bool {
	shdr := chunk.GetShdr()
	return shdr.Type == uint32(elf.SHT_NOBITS) && shdr.Flags&uint64(elf.SHF_TLS) != 0
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// NotePropertySection re-emits the intersection of the input
// .note.gnu.property feature bits.
type NotePropertySection struct {
	Chunk
	features uint32
}

func NewNotePropertySection() *NotePropertySection {
	n := &NotePropertySection{Chunk: NewChunk()}
	n.Name = ".note.gnu.property"
	n.Shdr.Type = uint32(elf.SHT_NOTE)
	n.Shdr.Flags = uint64(elf.SHF_ALLOC)
	n.Shdr.AddrAlign = 8
	return n
}

func (n *NotePropertySection) UpdateShdr(ctx *Context) {
	n.features = ^uint32(0)
	for _, obj := range ctx.Objs {
		n.features &= obj.Features
	}
	if n.features == ^uint32(0) || n.features == 0 {
		n.features = 0
		n.Shdr.Size = 0
		return
	}
	n.Shdr.Size = 32
}

func (n *NotePropertySection) WriteTo(ctx *Context) {
	if n.features == 0 {
		return
	}
	ord := ctx.Format().Order
	base := ctx.Buf[n.Shdr.Offset:]
	ord.PutUint32(base[0:], 4)  // namesz "GNU\0"
	ord.PutUint32(base[4:], 16) // descsz
	ord.PutUint32(base[8:], NT_GNU_PROPERTY_TYPE_0)
	copy(base[12:], "GNU\x00")
	ord.PutUint32(base[16:], GNU_PROPERTY_X86_FEATURE_1_AND)
	ord.PutUint32(base[20:], 4)
	ord.PutUint32(base[24:], n.features)
}

// BuildIdSection reserves the note; the digest itself is filled by the
// writer once the whole image is on disk.
type BuildIdSection struct {
	Chunk
}

func NewBuildIdSection() *BuildIdSection {
	b := &BuildIdSection{Chunk: NewChunk()}
	b.Name = ".note.gnu.build-id"
	b.Shdr.Type = uint32(elf.SHT_NOTE)
	b.Shdr.Flags = uint64(elf.SHF_ALLOC)
	b.Shdr.AddrAlign = 4
	return b
}

func (b *BuildIdSection) UpdateShdr(ctx *Context) {
	b.Shdr.Size = 16 + uint64(ctx.Args.BuildId.Size())
}

func (b *BuildIdSection) WriteTo(ctx *Context) {
	ord := ctx.Format().Order
	base := ctx.Buf[b.Shdr.Offset:]
	ord.PutUint32(base[0:], 4)
	ord.PutUint32(base[4:], uint32(ctx.Args.BuildId.Size()))
	ord.PutUint32(base[8:], NT_GNU_BUILD_ID)
	copy(base[12:], "GNU\x00")
	// Digest written by the final build-id pass.
}
