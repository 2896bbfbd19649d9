package linker

import (
	"bytes"
	"debug/elf"
	"math"
	"sort"

	"github.com/axiomhq/hyperloglog"

	"github.com/wheatman/mold/pkg/utils"
)

// MergeableSection holds the split view of one SHF_MERGE input section:
// the piece boundaries and, after registration, the interned fragment per
// piece.
type MergeableSection struct {
	Parent      *MergedSection
	P2Align     uint8
	Strs        []string
	FragOffsets []uint64
	Fragments   []*SectionFragment

	// Per-section cardinality sketch, merged into the parent's estimate
	// before fragments are interned.
	Estimator *hyperloglog.Sketch
}

// GetFragment maps an offset within the original section to the piece
// containing it plus the residual offset, by binary search.
func (m *MergeableSection) GetFragment(offset uint64) (*SectionFragment, uint64) {
	pos := sort.Search(len(m.FragOffsets), func(i int) bool {
		return offset < m.FragOffsets[i]
	})
	if pos == 0 {
		return nil, 0
	}
	idx := pos - 1
	return m.Fragments[idx], offset - m.FragOffsets[idx]
}

func findNull(data []byte, entSize int) int {
	if entSize == 1 {
		return bytes.Index(data, []byte{0})
	}
	for i := 0; i <= len(data)-entSize; i += entSize {
		if utils.AllZeros(data[i : i+entSize]) {
			return i
		}
	}
	return -1
}

// splitSection cuts a mergeable input section into pieces. SHF_STRINGS
// sections split at entsize-wide null terminators; other sections split
// into fixed entsize records.
func splitSection(ctx *Context, isec *InputSection) *MergeableSection {
	m := &MergeableSection{}
	shdr := isec.Shdr()

	m.Parent = GetMergedSectionInstance(ctx, isec.Name(), shdr.Type, shdr.Flags)
	p2align := isec.P2Align
	if uint64(1)<<p2align > math.MaxUint16 {
		p2align = 15
	}
	m.P2Align = p2align

	data := isec.Contents
	offset := uint64(0)
	entSize := shdr.EntSize

	if shdr.Flags&uint64(elf.SHF_STRINGS) != 0 {
		for len(data) > 0 {
			end := findNull(data, int(entSize))
			if end == -1 {
				Fatal(ctx, "%s: %s: string is not null terminated",
					isec.File.GetName(), isec.Name())
			}
			sz := uint64(end) + entSize
			m.Strs = append(m.Strs, string(data[:sz]))
			m.FragOffsets = append(m.FragOffsets, offset)
			data = data[sz:]
			offset += sz
		}
	} else {
		if uint64(len(data))%entSize != 0 {
			Fatal(ctx, "%s: %s: section size is not a multiple of sh_entsize",
				isec.File.GetName(), isec.Name())
		}
		for len(data) > 0 {
			m.Strs = append(m.Strs, string(data[:entSize]))
			m.FragOffsets = append(m.FragOffsets, offset)
			data = data[entSize:]
			offset += entSize
		}
	}

	m.Estimator = hyperloglog.New16()
	for _, s := range m.Strs {
		m.Estimator.Insert([]byte(s))
	}
	return m
}
