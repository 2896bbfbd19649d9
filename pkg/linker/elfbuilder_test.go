package linker

import (
	"debug/elf"
	"encoding/binary"

	"github.com/wheatman/mold/pkg/utils"
)

// objBuilder assembles minimal relocatable objects in memory for tests,
// through the same codecs the parser uses.
type objBuilder struct {
	format   ElfFormat
	sections []builderSec
	locals   []builderSym
	globals  []builderSym
	groups   []builderGroup
}

type builderSec struct {
	name      string
	typ       uint32
	flags     uint64
	addralign uint64
	entsize   uint64
	data      []byte
	rels      []Rela
}

type builderSym struct {
	name  string
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

type builderGroup struct {
	signature string // must name a global symbol added via addGlobal
	members   []uint16
}

func newObjBuilder() *objBuilder {
	return &objBuilder{format: ElfFormat{Is64: true, Order: binary.LittleEndian}}
}

// addSection returns the final section index (user sections start at 1).
func (b *objBuilder) addSection(name string, typ uint32, flags uint64,
	data []byte, addralign, entsize uint64) uint16 {
	b.sections = append(b.sections, builderSec{
		name: name, typ: typ, flags: flags, data: data,
		addralign: addralign, entsize: entsize,
	})
	return uint16(len(b.sections))
}

func (b *objBuilder) addRelas(secIdx uint16, rels ...Rela) {
	sec := &b.sections[secIdx-1]
	sec.rels = append(sec.rels, rels...)
}

func (b *objBuilder) addLocal(name string, typ uint8, shndx uint16, value uint64) uint32 {
	b.locals = append(b.locals, builderSym{
		name: name, info: typ & 0xf, shndx: shndx, value: value,
	})
	return uint32(len(b.locals)) // slot 0 is the null symbol
}

func (b *objBuilder) addGlobal(name string, bind, typ uint8, shndx uint16,
	value, size uint64) uint32 {
	b.globals = append(b.globals, builderSym{
		name: name, info: bind<<4 | typ&0xf, shndx: shndx, value: value, size: size,
	})
	return uint32(1 + len(b.locals) + len(b.globals) - 1)
}

func (b *objBuilder) addUndef(name string, bind uint8) uint32 {
	return b.addGlobal(name, bind, uint8(elf.STT_NOTYPE), uint16(elf.SHN_UNDEF), 0, 0)
}

func (b *objBuilder) addGroup(signature string, members ...uint16) {
	b.groups = append(b.groups, builderGroup{signature, members})
}

func (b *objBuilder) symIndexOf(name string) uint32 {
	for i, s := range b.globals {
		if s.name == name {
			return uint32(1 + len(b.locals) + i)
		}
	}
	utils.Fatal("unknown test symbol: " + name)
	return 0
}

// build serializes the object: ehdr, section contents, then the headers.
func (b *objBuilder) build() []byte {
	f := b.format

	type rec struct {
		shdr Shdr
		data []byte
		name string
	}
	var recs []rec
	recs = append(recs, rec{}) // SHT_NULL

	for _, sec := range b.sections {
		recs = append(recs, rec{
			shdr: Shdr{
				Type: sec.typ, Flags: sec.flags,
				AddrAlign: sec.addralign, EntSize: sec.entsize,
				Size: uint64(len(sec.data)),
			},
			data: sec.data,
			name: sec.name,
		})
	}

	// Group sections reference the symtab, which is appended after them;
	// compute the final indices up front.
	symtabIdx := len(recs) + len(b.groups) + countRels(b.sections)

	for _, g := range b.groups {
		data := make([]byte, 4+4*len(g.members))
		f.Order.PutUint32(data, GRP_COMDAT)
		for i, m := range g.members {
			f.Order.PutUint32(data[4+4*i:], uint32(m))
		}
		recs = append(recs, rec{
			shdr: Shdr{
				Type: uint32(elf.SHT_GROUP), Link: uint32(symtabIdx),
				Info:      b.symIndexOf(g.signature),
				AddrAlign: 4, EntSize: 4, Size: uint64(len(data)),
			},
			data: data,
			name: ".group",
		})
	}

	for idx, sec := range b.sections {
		if len(sec.rels) == 0 {
			continue
		}
		data := make([]byte, len(sec.rels)*f.RelaSize())
		for i, r := range sec.rels {
			f.WriteRela(data[i*f.RelaSize():], r)
		}
		recs = append(recs, rec{
			shdr: Shdr{
				Type: uint32(elf.SHT_RELA), Link: uint32(symtabIdx),
				Info: uint32(idx + 1), AddrAlign: 8,
				EntSize: uint64(f.RelaSize()), Size: uint64(len(data)),
			},
			data: data,
			name: ".rela" + sec.name,
		})
	}

	// .symtab / .strtab
	strtab := []byte{0}
	addStr := func(s string) uint32 {
		if s == "" {
			return 0
		}
		off := uint32(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}

	allSyms := make([]Sym, 0, 1+len(b.locals)+len(b.globals))
	allSyms = append(allSyms, Sym{})
	for _, s := range append(append([]builderSym{}, b.locals...), b.globals...) {
		allSyms = append(allSyms, Sym{
			Name: addStr(s.name), Info: s.info, Other: s.other,
			Shndx: s.shndx, Val: s.value, Size: s.size,
		})
	}
	symData := make([]byte, len(allSyms)*f.SymSize())
	for i, s := range allSyms {
		f.WriteSym(symData[i*f.SymSize():], s)
	}

	recs = append(recs, rec{
		shdr: Shdr{
			Type: uint32(elf.SHT_SYMTAB), Link: uint32(symtabIdx + 1),
			Info: uint32(1 + len(b.locals)), AddrAlign: 8,
			EntSize: uint64(f.SymSize()), Size: uint64(len(symData)),
		},
		data: symData,
		name: ".symtab",
	})
	recs = append(recs, rec{
		shdr: Shdr{Type: uint32(elf.SHT_STRTAB), AddrAlign: 1, Size: uint64(len(strtab))},
		data: strtab,
		name: ".strtab",
	})

	// .shstrtab
	shstrtab := []byte{0}
	nameOffs := make([]uint32, len(recs)+1)
	for i := range recs {
		if recs[i].name == "" {
			continue
		}
		nameOffs[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, recs[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOffs[len(recs)] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)
	recs = append(recs, rec{
		shdr: Shdr{Type: uint32(elf.SHT_STRTAB), AddrAlign: 1, Size: uint64(len(shstrtab))},
		data: shstrtab,
		name: ".shstrtab",
	})

	// Lay contents out after the ELF header, headers at the end.
	offset := uint64(f.EhdrSize())
	for i := range recs {
		if len(recs[i].data) == 0 {
			continue
		}
		offset = utils.AlignTo(offset, max64(recs[i].shdr.AddrAlign, 1))
		recs[i].shdr.Offset = offset
		offset += uint64(len(recs[i].data))
	}
	shoff := utils.AlignTo(offset, 8)

	out := make([]byte, shoff+uint64(len(recs)*f.ShdrSize()))

	ehdr := Ehdr{
		Type: uint16(elf.ET_REL), Machine: uint16(elf.EM_X86_64),
		Version: 1, ShOff: shoff,
		EhSize:    uint16(f.EhdrSize()),
		ShEntSize: uint16(f.ShdrSize()),
		ShNum:     uint16(len(recs)),
		ShStrndx:  uint16(len(recs) - 1),
	}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	f.WriteEhdr(out, ehdr)

	for i := range recs {
		recs[i].shdr.Name = nameOffs[i]
		copy(out[recs[i].shdr.Offset:], recs[i].data)
		f.WriteShdr(out[shoff+uint64(i*f.ShdrSize()):], recs[i].shdr)
	}
	return out
}

func countRels(secs []builderSec) int {
	n := 0
	for _, sec := range secs {
		if len(sec.rels) > 0 {
			n++
		}
	}
	return n
}

// Test harness helpers.

func newTestContext() *Context {
	ctx := NewContext()
	ctx.Args.Emulation = MachineX86_64
	ctx.Machine = GetMachine(MachineX86_64)
	return ctx
}

func loadObject(ctx *Context, name string, contents []byte, inArchive bool) *ObjectFile {
	mf := &MappedFile{Name: name, Contents: contents}
	o := NewObjectFile(ctx, mf, inArchive)
	ctx.Objs = append(ctx.Objs, o)
	o.Parse(ctx)
	return o
}
