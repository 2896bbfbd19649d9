package linker

// Chunker is implemented by every output chunk: regular output sections,
// merged sections, and the synthetic sections. Layout fills in the Shdr;
// WriteTo materializes the bytes into the mapped output.
type Chunker interface {
	GetName() string
	GetShdr() *Shdr
	GetShndx() int64
	SetShndx(int64)
	IsHeader() bool
	UpdateShdr(ctx *Context)
	WriteTo(ctx *Context)
}

type Chunk struct {
	Name    string
	Shdr    Shdr
	Shndx   int64
	NewPage bool // start a fresh PT_LOAD at this chunk
}

func NewChunk() Chunk {
	return Chunk{Shdr: Shdr{AddrAlign: 1}}
}

func (c *Chunk) GetName() string {
	return c.Name
}

func (c *Chunk) GetShdr() *Shdr {
	return &c.Shdr
}

func (c *Chunk) GetShndx() int64 {
	return c.Shndx
}

func (c *Chunk) SetShndx(idx int64) {
	c.Shndx = idx
}

func (c *Chunk) IsHeader() bool {
	return false
}

func (c *Chunk) UpdateShdr(ctx *Context) {}

func (c *Chunk) WriteTo(ctx *Context) {}
