package linker

import (
	"math"
	"sync/atomic"
)

// SectionFragment is the atomic unit of a mergeable section: a string or a
// fixed-size record, interned by content+alignment in its MergedSection.
type SectionFragment struct {
	OutputSection *MergedSection
	Offset        uint64
	P2Align       atomic.Uint32
	IsAlive       atomic.Bool
}

func NewSectionFragment(m *MergedSection) *SectionFragment {
	frag := &SectionFragment{
		OutputSection: m,
		Offset:        math.MaxUint64,
	}
	return frag
}

func (f *SectionFragment) GetAddr() uint64 {
	return f.OutputSection.Shdr.Addr + f.Offset
}

// MaxP2Align raises the fragment alignment; monotone CAS.
func (f *SectionFragment) MaxP2Align(p2align uint32) {
	for {
		cur := f.P2Align.Load()
		if cur >= p2align || f.P2Align.CompareAndSwap(cur, p2align) {
			return
		}
	}
}
