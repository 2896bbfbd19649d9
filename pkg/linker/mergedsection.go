package linker

import (
	"debug/elf"
	"sort"

	"github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wheatman/mold/pkg/utils"
)

// MergedSection is the output-side owner of interned SectionFragments.
// Insertion runs concurrently from every object file; AssignOffsets is the
// serial step that lays the surviving fragments out.
type MergedSection struct {
	Chunk
	Map       *xsync.MapOf[string, *SectionFragment]
	Estimator *hyperloglog.Sketch
}

func NewMergedSection(name string, flags uint64, typ uint32) *MergedSection {
	m := &MergedSection{
		Chunk:     NewChunk(),
		Estimator: hyperloglog.New16(),
	}
	m.Name = name
	m.Shdr.Flags = flags
	m.Shdr.Type = typ
	return m
}

// GetMergedSectionInstance finds or registers the MergedSection for
// (output name, type, flags). GROUP/MERGE/STRINGS/COMPRESSED bits do not
// survive into the output header.
func GetMergedSectionInstance(ctx *Context, name string, typ uint32, flags uint64) *MergedSection {
	name = GetOutputName(name, flags)
	flags = flags &^ uint64(elf.SHF_GROUP) &^ uint64(elf.SHF_MERGE) &^
		uint64(elf.SHF_STRINGS) &^ uint64(elf.SHF_COMPRESSED)

	ctx.msecMu.Lock()
	defer ctx.msecMu.Unlock()
	for _, osec := range ctx.MergedSections {
		if name == osec.Name && flags == osec.Shdr.Flags && typ == osec.Shdr.Type {
			return osec
		}
	}
	osec := NewMergedSection(name, flags, typ)
	ctx.MergedSections = append(ctx.MergedSections, osec)
	return osec
}

// Presize creates the fragment interner sized from the HyperLogLog
// estimate. Must run (serially) before the first Insert.
func (m *MergedSection) Presize() {
	n := int(m.Estimator.Estimate())
	if n < 1 {
		n = 1
	}
	m.Map = xsync.NewMapOf[string, *SectionFragment](xsync.WithPresize(n))
}

// Insert interns a piece. Interning identical content+alignment yields the
// same pointer; the alignment only ratchets up.
func (m *MergedSection) Insert(key string, p2align uint32) *SectionFragment {
	frag, _ := m.Map.LoadOrCompute(key, func() *SectionFragment {
		return NewSectionFragment(m)
	})
	frag.MaxP2Align(p2align)
	return frag
}

// AssignOffsets places surviving fragments. The sort key (alignment, then
// length, then content) keeps the output independent of insertion order.
func (m *MergedSection) AssignOffsets() {
	type ent struct {
		Key string
		Val *SectionFragment
	}
	fragments := make([]ent, 0, m.Map.Size())
	m.Map.Range(func(key string, frag *SectionFragment) bool {
		if frag.IsAlive.Load() {
			fragments = append(fragments, ent{key, frag})
		}
		return true
	})

	sort.Slice(fragments, func(i, j int) bool {
		x, y := fragments[i], fragments[j]
		if a, b := x.Val.P2Align.Load(), y.Val.P2Align.Load(); a != b {
			return a < b
		}
		if len(x.Key) != len(y.Key) {
			return len(x.Key) < len(y.Key)
		}
		return x.Key < y.Key
	})

	offset := uint64(0)
	p2align := uint32(0)
	for _, f := range fragments {
		a := f.Val.P2Align.Load()
		offset = utils.AlignTo(offset, 1<<a)
		f.Val.Offset = offset
		offset += uint64(len(f.Key))
		if p2align < a {
			p2align = a
		}
	}
	m.Shdr.Size = utils.AlignTo(offset, 1<<p2align)
	m.Shdr.AddrAlign = 1 << p2align
}

func (m *MergedSection) WriteTo(ctx *Context) {
	buf := ctx.Buf[m.Shdr.Offset:]
	m.Map.Range(func(key string, frag *SectionFragment) bool {
		if frag.IsAlive.Load() {
			copy(buf[frag.Offset:], key)
		}
		return true
	})
}

// HashFragment is the 64-bit noncryptographic content mixer used for
// fragment identity checks in tests and the build-id uuid mix.
func HashFragment(data []byte) uint64 {
	return xxhash.Sum64(data)
}
