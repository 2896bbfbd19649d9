package linker

import (
	"debug/elf"
	"testing"
)

func TestInsertIsIdempotent(t *testing.T) {
	m := NewMergedSection(".rodata.str", uint64(elf.SHF_ALLOC), uint32(elf.SHT_PROGBITS))
	m.Presize()

	a := m.Insert("hello\x00", 0)
	b := m.Insert("hello\x00", 3)
	if a != b {
		t.Fatal("identical content produced distinct fragments")
	}
	if a.P2Align.Load() != 3 {
		t.Errorf("alignment did not ratchet: %d", a.P2Align.Load())
	}
	if c := m.Insert("world\x00", 0); c == a {
		t.Error("distinct content produced the same fragment")
	}
}

func TestAssignOffsets(t *testing.T) {
	m := NewMergedSection(".rodata.str", uint64(elf.SHF_ALLOC), uint32(elf.SHT_PROGBITS))
	m.Presize()

	frags := []*SectionFragment{
		m.Insert("aa\x00", 0),
		m.Insert("bbbb\x00", 2),
		m.Insert("c\x00", 0),
	}
	for _, f := range frags {
		f.IsAlive.Store(true)
	}
	m.AssignOffsets()

	seen := map[uint64]bool{}
	for _, f := range frags {
		if f.Offset%(1<<f.P2Align.Load()) != 0 {
			t.Errorf("fragment at %#x violates alignment %d", f.Offset, 1<<f.P2Align.Load())
		}
		if seen[f.Offset] {
			t.Errorf("two fragments share offset %#x", f.Offset)
		}
		seen[f.Offset] = true
	}
	if m.Shdr.Size == 0 {
		t.Error("merged section size not computed")
	}

	// Dead fragments take no space.
	dead := m.Insert("dddddddd\x00", 0)
	sizeBefore := m.Shdr.Size
	m.AssignOffsets()
	if m.Shdr.Size != sizeBefore {
		t.Errorf("dead fragment changed the layout: %d != %d", m.Shdr.Size, sizeBefore)
	}
	_ = dead
}

func TestStringMergeAcrossObjects(t *testing.T) {
	ctx := newTestContext()

	mkObj := func(extra string) []byte {
		b := newObjBuilder()
		data := []byte("hello\x00")
		if extra != "" {
			data = append(data, extra...)
			data = append(data, 0)
		}
		b.addSection(".rodata.str1.1", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS), data, 1, 1)
		return b.build()
	}

	a := loadObject(ctx, "a.o", mkObj(""), false)
	b := loadObject(ctx, "b.o", mkObj("world"), false)

	RegisterSectionPieces(ctx)

	var fragsA, fragsB []*SectionFragment
	for _, m := range a.MergeableSections {
		if m != nil {
			fragsA = m.Fragments
		}
	}
	for _, m := range b.MergeableSections {
		if m != nil {
			fragsB = m.Fragments
		}
	}
	if len(fragsA) != 1 || len(fragsB) != 2 {
		t.Fatalf("fragment counts: %d, %d", len(fragsA), len(fragsB))
	}
	if fragsA[0] != fragsB[0] {
		t.Error("identical strings in different objects were not merged")
	}

	ComputeMergedSectionSizes(ctx)
	parent := fragsA[0].OutputSection
	if parent.Name != ".rodata.str" {
		t.Errorf("merged output name = %s", parent.Name)
	}
	if parent.Shdr.Size != uint64(len("hello\x00")+len("world\x00")) {
		t.Errorf("merged size = %d", parent.Shdr.Size)
	}
}

func TestGetFragmentBinarySearch(t *testing.T) {
	m := &MergeableSection{
		FragOffsets: []uint64{0, 6, 12},
		Fragments:   []*SectionFragment{{}, {}, {}},
	}
	if frag, off := m.GetFragment(0); frag != m.Fragments[0] || off != 0 {
		t.Error("offset 0 lookup failed")
	}
	if frag, off := m.GetFragment(8); frag != m.Fragments[1] || off != 2 {
		t.Error("interior offset lookup failed")
	}
	if frag, off := m.GetFragment(12); frag != m.Fragments[2] || off != 0 {
		t.Error("boundary offset lookup failed")
	}
}

func TestHashFragmentDistinguishesContent(t *testing.T) {
	if HashFragment([]byte("a")) == HashFragment([]byte("b")) {
		t.Error("suspicious hash collision")
	}
}
