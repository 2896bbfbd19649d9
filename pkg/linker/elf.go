package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/wheatman/mold/pkg/utils"
)

const (
	EhdrSize64 = 64
	ShdrSize64 = 64
	PhdrSize64 = 56
	SymSize64  = 24
	RelaSize64 = 24

	EhdrSize32 = 52
	ShdrSize32 = 40
	PhdrSize32 = 32
	SymSize32  = 16
	RelaSize32 = 12
	RelSize32  = 8
)

const (
	SHF_EXCLUDE   uint64 = 0x80000000
	GRP_COMDAT    uint32 = 1
	STV_INTERNAL  uint8  = 1
	STV_HIDDEN    uint8  = 2
	STV_PROTECTED uint8  = 3

	VER_NDX_LOCAL  uint16 = 0
	VER_NDX_GLOBAL uint16 = 1
	VERSYM_HIDDEN  uint16 = 0x8000

	GNU_PROPERTY_X86_FEATURE_1_AND uint32 = 0xc0000002

	NT_GNU_BUILD_ID        uint32 = 3
	NT_GNU_PROPERTY_TYPE_0 uint32 = 5

	DT_GNU_HASH   int64 = 0x6ffffef5
	DT_VERSYM     int64 = 0x6ffffff0
	DT_VERNEED    int64 = 0x6ffffffe
	DT_VERNEEDNUM int64 = 0x6fffffff
	DT_FLAGS_1    int64 = 0x6ffffffb

	DF_1_NOW      uint64 = 0x1
	DF_1_NODELETE uint64 = 0x8
	DF_1_PIE      uint64 = 0x08000000
)

// ElfFormat captures the class and byte order of one ELF file. Every
// multi-byte field is read and written through it; host-native struct
// overlays are never used for endian-sensitive data.
type ElfFormat struct {
	Is64  bool
	Order binary.ByteOrder
}

func (f ElfFormat) EhdrSize() int {
	if f.Is64 {
		return EhdrSize64
	}
	return EhdrSize32
}

func (f ElfFormat) ShdrSize() int {
	if f.Is64 {
		return ShdrSize64
	}
	return ShdrSize32
}

func (f ElfFormat) PhdrSize() int {
	if f.Is64 {
		return PhdrSize64
	}
	return PhdrSize32
}

func (f ElfFormat) SymSize() int {
	if f.Is64 {
		return SymSize64
	}
	return SymSize32
}

func (f ElfFormat) RelaSize() int {
	if f.Is64 {
		return RelaSize64
	}
	return RelaSize32
}

func (f ElfFormat) DynSize() int {
	if f.Is64 {
		return 16
	}
	return 8
}

func (f ElfFormat) WordSize() int {
	if f.Is64 {
		return 8
	}
	return 4
}

// cursor is a bounds-checked sequential field reader over a byte range.
type cursor struct {
	data []byte
	off  int
	ord  binary.ByteOrder
}

func (c *cursor) need(n int) []byte {
	if c.off+n > len(c.data) {
		utils.Fatal("file is truncated")
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8   { return c.need(1)[0] }
func (c *cursor) u16() uint16 { return c.ord.Uint16(c.need(2)) }
func (c *cursor) u32() uint32 { return c.ord.Uint32(c.need(4)) }
func (c *cursor) u64() uint64 { return c.ord.Uint64(c.need(8)) }
func (c *cursor) skip(n int)  { c.need(n) }

func (c *cursor) word(is64 bool) uint64 {
	if is64 {
		return c.u64()
	}
	return uint64(c.u32())
}

// Internal header records use 64-bit widths regardless of the input class.

type Ehdr struct {
	Ident     [16]uint8
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrndx  uint16
}

type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

type Phdr struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Val   uint64
	Size  uint64
}

type Rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

type Chdr struct {
	Type      uint32
	Size      uint64
	AddrAlign uint64
}

type Dyn struct {
	Tag int64
	Val uint64
}

func CheckMagic(contents []byte) bool {
	return bytes.HasPrefix(contents, []byte("\177ELF"))
}

func WriteMagic(buf []byte) {
	copy(buf, "\177ELF")
}

// GetElfFormat decodes e_ident. ok is false for non-ELF input or an ident
// we do not understand.
func GetElfFormat(contents []byte) (ElfFormat, bool) {
	if len(contents) < 16 || !CheckMagic(contents) {
		return ElfFormat{}, false
	}
	f := ElfFormat{}
	switch elf.Class(contents[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		f.Is64 = true
	case elf.ELFCLASS32:
		f.Is64 = false
	default:
		return ElfFormat{}, false
	}
	switch elf.Data(contents[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		f.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		f.Order = binary.BigEndian
	default:
		return ElfFormat{}, false
	}
	return f, true
}

func (f ElfFormat) ReadEhdr(data []byte) Ehdr {
	c := &cursor{data: data, ord: f.Order}
	var e Ehdr
	copy(e.Ident[:], c.need(16))
	e.Type = c.u16()
	e.Machine = c.u16()
	e.Version = c.u32()
	e.Entry = c.word(f.Is64)
	e.PhOff = c.word(f.Is64)
	e.ShOff = c.word(f.Is64)
	e.Flags = c.u32()
	e.EhSize = c.u16()
	e.PhEntSize = c.u16()
	e.PhNum = c.u16()
	e.ShEntSize = c.u16()
	e.ShNum = c.u16()
	e.ShStrndx = c.u16()
	return e
}

func (f ElfFormat) WriteEhdr(buf []byte, e Ehdr) {
	copy(buf, e.Ident[:])
	o := f.Order
	o.PutUint16(buf[16:], e.Type)
	o.PutUint16(buf[18:], e.Machine)
	o.PutUint32(buf[20:], e.Version)
	if f.Is64 {
		o.PutUint64(buf[24:], e.Entry)
		o.PutUint64(buf[32:], e.PhOff)
		o.PutUint64(buf[40:], e.ShOff)
		o.PutUint32(buf[48:], e.Flags)
		o.PutUint16(buf[52:], e.EhSize)
		o.PutUint16(buf[54:], e.PhEntSize)
		o.PutUint16(buf[56:], e.PhNum)
		o.PutUint16(buf[58:], e.ShEntSize)
		o.PutUint16(buf[60:], e.ShNum)
		o.PutUint16(buf[62:], e.ShStrndx)
	} else {
		o.PutUint32(buf[24:], uint32(e.Entry))
		o.PutUint32(buf[28:], uint32(e.PhOff))
		o.PutUint32(buf[32:], uint32(e.ShOff))
		o.PutUint32(buf[36:], e.Flags)
		o.PutUint16(buf[40:], e.EhSize)
		o.PutUint16(buf[42:], e.PhEntSize)
		o.PutUint16(buf[44:], e.PhNum)
		o.PutUint16(buf[46:], e.ShEntSize)
		o.PutUint16(buf[48:], e.ShNum)
		o.PutUint16(buf[50:], e.ShStrndx)
	}
}

func (f ElfFormat) ReadShdr(data []byte) Shdr {
	c := &cursor{data: data, ord: f.Order}
	var s Shdr
	s.Name = c.u32()
	s.Type = c.u32()
	s.Flags = c.word(f.Is64)
	s.Addr = c.word(f.Is64)
	s.Offset = c.word(f.Is64)
	s.Size = c.word(f.Is64)
	s.Link = c.u32()
	s.Info = c.u32()
	s.AddrAlign = c.word(f.Is64)
	s.EntSize = c.word(f.Is64)
	return s
}

func (f ElfFormat) WriteShdr(buf []byte, s Shdr) {
	o := f.Order
	o.PutUint32(buf[0:], s.Name)
	o.PutUint32(buf[4:], s.Type)
	if f.Is64 {
		o.PutUint64(buf[8:], s.Flags)
		o.PutUint64(buf[16:], s.Addr)
		o.PutUint64(buf[24:], s.Offset)
		o.PutUint64(buf[32:], s.Size)
		o.PutUint32(buf[40:], s.Link)
		o.PutUint32(buf[44:], s.Info)
		o.PutUint64(buf[48:], s.AddrAlign)
		o.PutUint64(buf[56:], s.EntSize)
	} else {
		o.PutUint32(buf[8:], uint32(s.Flags))
		o.PutUint32(buf[12:], uint32(s.Addr))
		o.PutUint32(buf[16:], uint32(s.Offset))
		o.PutUint32(buf[20:], uint32(s.Size))
		o.PutUint32(buf[24:], s.Link)
		o.PutUint32(buf[28:], s.Info)
		o.PutUint32(buf[32:], uint32(s.AddrAlign))
		o.PutUint32(buf[36:], uint32(s.EntSize))
	}
}

func (f ElfFormat) ReadPhdr(data []byte) Phdr {
	c := &cursor{data: data, ord: f.Order}
	var p Phdr
	if f.Is64 {
		p.Type = c.u32()
		p.Flags = c.u32()
		p.Offset = c.u64()
		p.VAddr = c.u64()
		p.PAddr = c.u64()
		p.FileSize = c.u64()
		p.MemSize = c.u64()
		p.Align = c.u64()
	} else {
		p.Type = c.u32()
		p.Offset = uint64(c.u32())
		p.VAddr = uint64(c.u32())
		p.PAddr = uint64(c.u32())
		p.FileSize = uint64(c.u32())
		p.MemSize = uint64(c.u32())
		p.Flags = c.u32()
		p.Align = uint64(c.u32())
	}
	return p
}

func (f ElfFormat) WritePhdr(buf []byte, p Phdr) {
	o := f.Order
	if f.Is64 {
		o.PutUint32(buf[0:], p.Type)
		o.PutUint32(buf[4:], p.Flags)
		o.PutUint64(buf[8:], p.Offset)
		o.PutUint64(buf[16:], p.VAddr)
		o.PutUint64(buf[24:], p.PAddr)
		o.PutUint64(buf[32:], p.FileSize)
		o.PutUint64(buf[40:], p.MemSize)
		o.PutUint64(buf[48:], p.Align)
	} else {
		o.PutUint32(buf[0:], p.Type)
		o.PutUint32(buf[4:], uint32(p.Offset))
		o.PutUint32(buf[8:], uint32(p.VAddr))
		o.PutUint32(buf[12:], uint32(p.PAddr))
		o.PutUint32(buf[16:], uint32(p.FileSize))
		o.PutUint32(buf[20:], uint32(p.MemSize))
		o.PutUint32(buf[24:], p.Flags)
		o.PutUint32(buf[28:], uint32(p.Align))
	}
}

func (f ElfFormat) ReadSym(data []byte) Sym {
	c := &cursor{data: data, ord: f.Order}
	var s Sym
	if f.Is64 {
		s.Name = c.u32()
		s.Info = c.u8()
		s.Other = c.u8()
		s.Shndx = c.u16()
		s.Val = c.u64()
		s.Size = c.u64()
	} else {
		s.Name = c.u32()
		s.Val = uint64(c.u32())
		s.Size = uint64(c.u32())
		s.Info = c.u8()
		s.Other = c.u8()
		s.Shndx = c.u16()
	}
	return s
}

func (f ElfFormat) WriteSym(buf []byte, s Sym) {
	o := f.Order
	if f.Is64 {
		o.PutUint32(buf[0:], s.Name)
		buf[4] = s.Info
		buf[5] = s.Other
		o.PutUint16(buf[6:], s.Shndx)
		o.PutUint64(buf[8:], s.Val)
		o.PutUint64(buf[16:], s.Size)
	} else {
		o.PutUint32(buf[0:], s.Name)
		o.PutUint32(buf[4:], uint32(s.Val))
		o.PutUint32(buf[8:], uint32(s.Size))
		buf[12] = s.Info
		buf[13] = s.Other
		o.PutUint16(buf[14:], s.Shndx)
	}
}

func (f ElfFormat) ReadSyms(data []byte) []Sym {
	sz := f.SymSize()
	syms := make([]Sym, 0, len(data)/sz)
	for len(data) >= sz {
		syms = append(syms, f.ReadSym(data))
		data = data[sz:]
	}
	return syms
}

// ReadRela also accepts SHT_REL bodies (isRela=false); the addend is then
// zero and the caller takes it from the relocated field.
func (f ElfFormat) ReadRela(data []byte, isRela bool) Rela {
	c := &cursor{data: data, ord: f.Order}
	var r Rela
	if f.Is64 {
		r.Offset = c.u64()
		info := c.u64()
		r.Type = uint32(info)
		r.Sym = uint32(info >> 32)
		if isRela {
			r.Addend = int64(c.u64())
		}
	} else {
		r.Offset = uint64(c.u32())
		info := c.u32()
		r.Type = info & 0xff
		r.Sym = info >> 8
		if isRela {
			r.Addend = int64(int32(c.u32()))
		}
	}
	return r
}

func (f ElfFormat) WriteRela(buf []byte, r Rela) {
	o := f.Order
	if f.Is64 {
		o.PutUint64(buf[0:], r.Offset)
		o.PutUint64(buf[8:], uint64(r.Sym)<<32|uint64(r.Type))
		o.PutUint64(buf[16:], uint64(r.Addend))
	} else {
		o.PutUint32(buf[0:], uint32(r.Offset))
		o.PutUint32(buf[4:], r.Sym<<8|r.Type&0xff)
		o.PutUint32(buf[8:], uint32(r.Addend))
	}
}

func (f ElfFormat) RelEntSize(isRela bool) int {
	if isRela {
		return f.RelaSize()
	}
	if f.Is64 {
		return 16
	}
	return RelSize32
}

func (f ElfFormat) ReadRelas(data []byte, isRela bool) []Rela {
	sz := f.RelEntSize(isRela)
	rels := make([]Rela, 0, len(data)/sz)
	for len(data) >= sz {
		rels = append(rels, f.ReadRela(data, isRela))
		data = data[sz:]
	}
	return rels
}

func (f ElfFormat) ReadChdr(data []byte) Chdr {
	c := &cursor{data: data, ord: f.Order}
	var h Chdr
	if f.Is64 {
		h.Type = c.u32()
		c.skip(4)
		h.Size = c.u64()
		h.AddrAlign = c.u64()
	} else {
		h.Type = c.u32()
		h.Size = uint64(c.u32())
		h.AddrAlign = uint64(c.u32())
	}
	return h
}

func (f ElfFormat) ChdrSize() int {
	if f.Is64 {
		return 24
	}
	return 12
}

func (f ElfFormat) ReadDyns(data []byte) []Dyn {
	c := &cursor{data: data, ord: f.Order}
	var dyns []Dyn
	for len(data)-c.off >= f.DynSize() {
		var d Dyn
		if f.Is64 {
			d.Tag = int64(c.u64())
			d.Val = c.u64()
		} else {
			d.Tag = int64(int32(c.u32()))
			d.Val = uint64(c.u32())
		}
		if d.Tag == int64(elf.DT_NULL) {
			break
		}
		dyns = append(dyns, d)
	}
	return dyns
}

func (f ElfFormat) WriteDyn(buf []byte, d Dyn) {
	if f.Is64 {
		f.Order.PutUint64(buf[0:], uint64(d.Tag))
		f.Order.PutUint64(buf[8:], d.Val)
	} else {
		f.Order.PutUint32(buf[0:], uint32(d.Tag))
		f.Order.PutUint32(buf[4:], uint32(d.Val))
	}
}

func (f ElfFormat) WriteWord(buf []byte, val uint64) {
	if f.Is64 {
		f.Order.PutUint64(buf, val)
	} else {
		f.Order.PutUint32(buf, uint32(val))
	}
}

func (s *Sym) IsUndef() bool {
	return s.Shndx == uint16(elf.SHN_UNDEF)
}

func (s *Sym) IsDefined() bool {
	return !s.IsUndef()
}

func (s *Sym) IsCommon() bool {
	return s.Shndx == uint16(elf.SHN_COMMON)
}

func (s *Sym) IsAbs() bool {
	return s.Shndx == uint16(elf.SHN_ABS)
}

func (s *Sym) IsWeak() bool {
	return s.Bind() == uint8(elf.STB_WEAK)
}

func (s *Sym) IsUndefWeak() bool {
	return s.IsUndef() && s.IsWeak()
}

func (s *Sym) Type() uint8 {
	return s.Info & 0xf
}

func (s *Sym) Bind() uint8 {
	return s.Info >> 4
}

func (s *Sym) Visibility() uint8 {
	return s.Other & 0b11
}

func ElfGetName(strTab []byte, offset uint32) string {
	if int(offset) >= len(strTab) {
		utils.Fatal("string table index out of range")
	}
	return utils.CStringView(strTab[offset:])
}

// ElfHash is the classic SysV .hash function.
func ElfHash(name string) uint32 {
	h := uint32(0)
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// GnuHash is the DJB hash used by .gnu.hash.
func GnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// IsCIdentifier reports whether name is a valid C identifier. Sections
// with such names get __start_/__stop_ symbols and are GC roots.
func IsCIdentifier(name string) bool {
	if name == "" {
		return false
	}
	isAlpha := func(c byte) bool {
		return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
	}
	if !isAlpha(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isAlpha(c) && !('0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
