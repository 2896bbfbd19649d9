package linker

import (
	"debug/elf"
	"sync/atomic"

	"github.com/wheatman/mold/pkg/utils"
)

// InputFile is the parsed view of a MappedFile, shared by ObjectFile and
// SharedObject. Priority is the monotonic load-order index; resolution
// ties break on it.
type InputFile struct {
	Mf          *MappedFile
	Format      ElfFormat
	ElfSections []Shdr
	ShStrtab    []byte

	ElfSyms      []Sym
	FirstGlobal  int
	SymbolStrtab []byte

	Priority    uint32
	IsAliveFlag atomic.Bool
	IsInArchive bool

	Symbols      []*Symbol
	LocalSymbols []Symbol
}

func NewInputFile(ctx *Context, mf *MappedFile) InputFile {
	f := InputFile{Mf: mf, Priority: ctx.FileIndex.Add(1)}

	format, ok := GetElfFormat(mf.Contents)
	if !ok {
		Fatal(ctx, "%s: not an ELF file", mf.Name)
	}
	f.Format = format

	if uint64(len(mf.Contents)) < uint64(format.EhdrSize()) {
		Fatal(ctx, "%s: file too small", mf.Name)
	}

	ehdr := format.ReadEhdr(mf.Contents)
	if uint64(len(mf.Contents)) < ehdr.ShOff+uint64(format.ShdrSize()) {
		Fatal(ctx, "%s: section header out of range", mf.Name)
	}

	shdrs := mf.Contents[ehdr.ShOff:]
	shdr0 := format.ReadShdr(shdrs)

	// e_shnum is 16 bits; a zero count redirects through section 0's
	// sh_size. Same scheme for e_shstrndx via sh_link.
	numSections := uint64(ehdr.ShNum)
	if numSections == 0 {
		numSections = shdr0.Size
	}

	f.ElfSections = make([]Shdr, 0, numSections)
	f.ElfSections = append(f.ElfSections, shdr0)
	for i := uint64(1); i < numSections; i++ {
		f.ElfSections = append(f.ElfSections,
			format.ReadShdr(shdrs[i*uint64(format.ShdrSize()):]))
	}

	shstrndx := uint64(ehdr.ShStrndx)
	if ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrndx = uint64(shdr0.Link)
	}
	f.ShStrtab = f.GetBytesFromIdx(ctx, int64(shstrndx))
	return f
}

func (f *InputFile) GetName() string {
	return f.Mf.Name
}

func (f *InputFile) GetPriority() uint32 {
	return f.Priority
}

func (f *InputFile) Alive() bool {
	return f.IsAliveFlag.Load()
}

func (f *InputFile) SetAlive() {
	f.IsAliveFlag.Store(true)
}

func (f *InputFile) GetSymbols() []*Symbol {
	return f.Symbols
}

func (f *InputFile) ElfSymAt(idx int32) *Sym {
	utils.Assert(int(idx) < len(f.ElfSyms))
	return &f.ElfSyms[idx]
}

func (f *InputFile) GetEhdr() Ehdr {
	return f.Format.ReadEhdr(f.Mf.Contents)
}

func (f *InputFile) GetBytesFromShdr(ctx *Context, s *Shdr) []byte {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil
	}
	end := s.Offset + s.Size
	if uint64(len(f.Mf.Contents)) < end {
		Fatal(ctx, "%s: section contents out of range: %d", f.Mf.Name, s.Offset)
	}
	return f.Mf.Contents[s.Offset:end]
}

func (f *InputFile) GetBytesFromIdx(ctx *Context, idx int64) []byte {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		Fatal(ctx, "%s: section index out of range: %d", f.Mf.Name, idx)
	}
	return f.GetBytesFromShdr(ctx, &f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(ctx *Context, s *Shdr) {
	f.ElfSyms = f.Format.ReadSyms(f.GetBytesFromShdr(ctx, s))
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		if f.ElfSections[i].Type == ty {
			return &f.ElfSections[i]
		}
	}
	return nil
}

func (f *InputFile) SectionName(shdr *Shdr) string {
	return ElfGetName(f.ShStrtab, shdr.Name)
}
