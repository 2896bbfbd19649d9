package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
)

// decompressSection decodes both compressed-debug forms into a fresh
// buffer: the old ".zdebug" convention (literal "ZLIB" magic followed by a
// big-endian 64-bit uncompressed size) and the SHF_COMPRESSED ElfChdr
// form. The returned view has the COMPRESSED flag semantics stripped:
// plain contents, uncompressed size, uncompressed alignment.
func decompressSection(ctx *Context, file *ObjectFile, shdr *Shdr, name string) ([]byte, uint64, uint8) {
	data := file.GetBytesFromShdr(ctx, shdr)

	if shdr.Flags&uint64(elf.SHF_COMPRESSED) == 0 {
		// .zdebug form
		if len(data) < 12 || !bytes.HasPrefix(data, []byte("ZLIB")) {
			Fatal(ctx, "%s: %s: corrupted compressed section", file.GetName(), name)
		}
		size := binary.BigEndian.Uint64(data[4:])
		out := inflate(ctx, file, name, data[12:], size)
		return out, size, toP2Align(shdr.AddrAlign)
	}

	if uint64(len(data)) < uint64(file.Format.ChdrSize()) {
		Fatal(ctx, "%s: %s: corrupted compressed section", file.GetName(), name)
	}
	chdr := file.Format.ReadChdr(data)
	if chdr.Type != uint32(elf.COMPRESS_ZLIB) {
		Fatal(ctx, "%s: %s: unsupported compression type: %d",
			file.GetName(), name, chdr.Type)
	}
	out := inflate(ctx, file, name, data[file.Format.ChdrSize():], chdr.Size)
	return out, chdr.Size, toP2Align(chdr.AddrAlign)
}

func inflate(ctx *Context, file *ObjectFile, name string, data []byte, size uint64) []byte {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		Fatal(ctx, "%s: %s: %v", file.GetName(), name, err)
	}
	defer r.Close()
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		Fatal(ctx, "%s: %s: uncompress failed: %v", file.GetName(), name, err)
	}
	return out
}

// CompressedSection re-compresses a debug section for
// --compress-debug-sections.
type CompressedSection struct {
	Chunk
	uncompressed uint64
	p2align      uint8
	payload      []byte
	kind         CompressKind
}

func NewCompressedSection(ctx *Context, chunk Chunker) *CompressedSection {
	shdr := chunk.GetShdr()
	raw := make([]byte, shdr.Size)
	// Snapshot the chunk bytes by writing through a scratch context buffer.
	saved := ctx.Buf
	ctx.Buf = make([]byte, shdr.Offset+shdr.Size)
	chunk.WriteTo(ctx)
	copy(raw, ctx.Buf[shdr.Offset:])
	ctx.Buf = saved

	var zbuf bytes.Buffer
	w, _ := zlib.NewWriterLevel(&zbuf, zlib.BestSpeed)
	w.Write(raw)
	w.Close()

	c := &CompressedSection{
		Chunk:        NewChunk(),
		uncompressed: shdr.Size,
		p2align:      toP2Align(shdr.AddrAlign),
		kind:         ctx.Args.CompressDebugSections,
	}
	c.Shdr = *shdr
	c.Name = chunk.GetName()

	switch c.kind {
	case CompressZlibGnu:
		c.Name = ".zdebug" + c.Name[len(".debug"):]
		hdr := make([]byte, 12)
		copy(hdr, "ZLIB")
		binary.BigEndian.PutUint64(hdr[4:], c.uncompressed)
		c.payload = append(hdr, zbuf.Bytes()...)
	default: // gabi
		c.Shdr.Flags |= uint64(elf.SHF_COMPRESSED)
		hdr := make([]byte, ctx.Format().ChdrSize())
		f := ctx.Format()
		if f.Is64 {
			f.Order.PutUint32(hdr[0:], uint32(elf.COMPRESS_ZLIB))
			f.Order.PutUint64(hdr[8:], c.uncompressed)
			f.Order.PutUint64(hdr[16:], uint64(uint64(1)<<c.p2align))
		} else {
			f.Order.PutUint32(hdr[0:], uint32(elf.COMPRESS_ZLIB))
			f.Order.PutUint32(hdr[4:], uint32(c.uncompressed))
			f.Order.PutUint32(hdr[8:], uint32(uint64(1)<<c.p2align))
		}
		c.payload = append(hdr, zbuf.Bytes()...)
	}
	c.Shdr.Size = uint64(len(c.payload))
	return c
}

func (c *CompressedSection) WriteTo(ctx *Context) {
	copy(ctx.Buf[c.Shdr.Offset:], c.payload)
}
