package linker

import (
	"debug/elf"
	"testing"
)

func simpleTextObject(sym string) []byte {
	b := newObjBuilder()
	text := b.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)
	b.addGlobal(sym, uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), text, 0, 16)
	return b.build()
}

func TestParseObject(t *testing.T) {
	ctx := newTestContext()
	o := loadObject(ctx, "a.o", simpleTextObject("foo"), false)

	if o.FirstGlobal != 1 {
		t.Fatalf("FirstGlobal = %d", o.FirstGlobal)
	}
	if len(o.Symbols) != 2 {
		t.Fatalf("len(Symbols) = %d", len(o.Symbols))
	}
	sym := GetSymbolByName(ctx, "foo")
	if o.Symbols[1] != sym {
		t.Error("global symbol is not interned")
	}

	var text *InputSection
	for _, isec := range o.Sections {
		if isec != nil && isec.Name() == ".text" {
			text = isec
		}
	}
	if text == nil || !text.IsAlive.Load() {
		t.Fatal("missing .text input section")
	}
	if text.OutputSection.Name != ".text" {
		t.Errorf("output section = %s", text.OutputSection.Name)
	}
}

func TestInternerIsStable(t *testing.T) {
	ctx := newTestContext()
	a := GetSymbolByName(ctx, "sym")
	done := make(chan *Symbol, 64)
	for i := 0; i < 64; i++ {
		go func() { done <- GetSymbolByName(ctx, "sym") }()
	}
	for i := 0; i < 64; i++ {
		if got := <-done; got != a {
			t.Fatal("interner returned different pointers for one name")
		}
	}
}

func TestResolutionPrefersObjectOverWeak(t *testing.T) {
	ctx := newTestContext()

	weak := newObjBuilder()
	text := weak.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)
	weak.addGlobal("foo", uint8(elf.STB_WEAK), uint8(elf.STT_FUNC), text, 0, 16)

	a := loadObject(ctx, "weak.o", weak.build(), false)
	b := loadObject(ctx, "strong.o", simpleTextObject("foo"), false)

	ResolveSymbols(ctx)

	sym := GetSymbolByName(ctx, "foo")
	if sym.File != InputFiler(b) {
		t.Errorf("foo resolved to %v, want strong.o", sym.File.GetName())
	}
	_ = a
}

func TestResolutionTieBreaksByPriority(t *testing.T) {
	ctx := newTestContext()
	a := loadObject(ctx, "a.o", simpleTextObject("foo"), true) // lazy
	b := loadObject(ctx, "b.o", simpleTextObject("foo"), true) // lazy

	// Both are archive members; no one references foo, but lazy
	// candidates still resolve by load order.
	a.ResolveSymbols(ctx)
	b.ResolveSymbols(ctx)

	sym := GetSymbolByName(ctx, "foo")
	if sym.File != InputFiler(a) {
		t.Error("tie should break toward the lower priority file")
	}
}

func TestDuplicateStrongSymbols(t *testing.T) {
	ctx := newTestContext()
	loadObject(ctx, "a.o", simpleTextObject("foo"), false)
	loadObject(ctx, "b.o", simpleTextObject("foo"), false)

	ResolveSymbols(ctx)
	CheckDuplicateSymbols(ctx)

	if !ctx.HasError.Load() {
		t.Error("duplicate strong definitions were not reported")
	}
}

func TestArchiveMemberExtraction(t *testing.T) {
	ctx := newTestContext()

	user := newObjBuilder()
	text := user.addSection(".text", uint32(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR), make([]byte, 16), 16, 0)
	user.addGlobal("main", uint8(elf.STB_GLOBAL), uint8(elf.STT_FUNC), text, 0, 16)
	user.addUndef("foo", uint8(elf.STB_GLOBAL))

	main := loadObject(ctx, "main.o", user.build(), false)
	member := loadObject(ctx, "lib.a(foo.o)", simpleTextObject("foo"), true)
	unused := loadObject(ctx, "lib.a(bar.o)", simpleTextObject("bar"), true)

	ResolveSymbols(ctx)

	if !member.Alive() {
		t.Error("referenced archive member was not extracted")
	}
	if unused.Alive() {
		t.Error("unreferenced archive member came alive")
	}
	if len(ctx.Objs) != 2 {
		t.Errorf("len(Objs) = %d, want 2", len(ctx.Objs))
	}
	sym := GetSymbolByName(ctx, "foo")
	if sym.File != InputFiler(member) {
		t.Error("foo did not resolve to the extracted member")
	}
	_ = main
}

func TestComdatElimination(t *testing.T) {
	ctx := newTestContext()

	mkObj := func() []byte {
		b := newObjBuilder()
		text := b.addSection(".text.f", uint32(elf.SHT_PROGBITS),
			uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR|elf.SHF_GROUP),
			make([]byte, 16), 16, 0)
		b.addGlobal("f", uint8(elf.STB_WEAK), uint8(elf.STT_FUNC), text, 0, 16)
		b.addGroup("f", text)
		return b.build()
	}

	a := loadObject(ctx, "a.o", mkObj(), false)
	b := loadObject(ctx, "b.o", mkObj(), false)

	EliminateComdats(ctx)

	aAlive, bAlive := false, false
	for _, isec := range a.Sections {
		if isec != nil && isec.IsAlive.Load() {
			aAlive = true
		}
	}
	for _, isec := range b.Sections {
		if isec != nil && isec.IsAlive.Load() {
			bAlive = true
		}
	}
	if !aAlive {
		t.Error("comdat owner's members were killed")
	}
	if bAlive {
		t.Error("losing comdat group's members survived")
	}
}

func TestWrapRewrite(t *testing.T) {
	ctx := newTestContext()
	ctx.Args.Wrap["malloc"] = true

	undef := Sym{Shndx: uint16(elf.SHN_UNDEF)}
	def := Sym{Shndx: 1}

	if got := symbolTargetName(ctx, "__real_malloc", &undef); got != "malloc" {
		t.Errorf("__real_malloc -> %s", got)
	}
	if got := symbolTargetName(ctx, "malloc", &undef); got != "__wrap_malloc" {
		t.Errorf("malloc -> %s", got)
	}
	if got := symbolTargetName(ctx, "malloc", &def); got != "malloc" {
		t.Errorf("defined malloc -> %s", got)
	}
	if got := symbolTargetName(ctx, "free", &undef); got != "free" {
		t.Errorf("free -> %s", got)
	}
}

func TestVersionSuffixStripping(t *testing.T) {
	ctx := newTestContext()
	undef := Sym{Shndx: uint16(elf.SHN_UNDEF)}
	if got := symbolTargetName(ctx, "sin@GLIBC_2.2.5", &undef); got != "sin" {
		t.Errorf("versioned undef -> %s", got)
	}
}

func TestConvertCommonSymbols(t *testing.T) {
	ctx := newTestContext()

	b := newObjBuilder()
	b.addGlobal("buf", uint8(elf.STB_GLOBAL), uint8(elf.STT_OBJECT),
		uint16(elf.SHN_COMMON), 8 /* alignment */, 128)
	o := loadObject(ctx, "c.o", b.build(), false)

	ResolveSymbols(ctx)
	ConvertCommonSymbols(ctx)

	sym := GetSymbolByName(ctx, "buf")
	if sym.InputSection == nil {
		t.Fatal("common symbol has no section after conversion")
	}
	if sym.InputSection.OutputSection.Name != ".common" {
		t.Errorf("common landed in %s", sym.InputSection.OutputSection.Name)
	}
	if sym.InputSection.ShSize != 128 {
		t.Errorf("common section size = %d", sym.InputSection.ShSize)
	}
	_ = o
}

func TestVisibilityMergeOnlyTightens(t *testing.T) {
	sym := NewSymbol("v")
	sym.MergeVisibility(uint8(elf.STV_PROTECTED))
	if sym.Visibility() != STV_PROTECTED {
		t.Fatal("protected should override default")
	}
	sym.MergeVisibility(uint8(elf.STV_DEFAULT))
	if sym.Visibility() != STV_PROTECTED {
		t.Fatal("default must not loosen protected")
	}
	sym.MergeVisibility(STV_INTERNAL)
	if sym.Visibility() != STV_HIDDEN {
		t.Fatal("internal should canonicalize to hidden")
	}
	sym.MergeVisibility(uint8(elf.STV_PROTECTED))
	if sym.Visibility() != STV_HIDDEN {
		t.Fatal("protected must not loosen hidden")
	}
}

func TestGetRankOrdering(t *testing.T) {
	obj := &ObjectFile{}
	obj.Priority = 5
	dso := &SharedObject{}
	dso.Priority = 5

	strong := Sym{Info: uint8(elf.STB_GLOBAL) << 4, Shndx: 1}
	weak := Sym{Info: uint8(elf.STB_WEAK) << 4, Shndx: 1}
	common := Sym{Info: uint8(elf.STB_GLOBAL) << 4, Shndx: uint16(elf.SHN_COMMON)}
	undef := Sym{Shndx: uint16(elf.SHN_UNDEF)}

	ranks := []uint64{
		GetRank(obj, &strong, false), // 1. strong in object
		GetRank(obj, &weak, false),   // 2. weak in object
		GetRank(dso, &strong, false), // 3. strong in dso
		GetRank(dso, &weak, false),   // 4. weak in dso
		GetRank(obj, &strong, true),  // 5. lazy archive member
		GetRank(obj, &common, false), // 6. common
		GetRank(obj, &undef, false),  // 7. undefined
	}
	for i := 1; i < len(ranks); i++ {
		if ranks[i-1] >= ranks[i] {
			t.Errorf("rank %d (%#x) should be below rank %d (%#x)",
				i, ranks[i-1], i+1, ranks[i])
		}
	}

	// Ties break by priority.
	lo := &ObjectFile{}
	lo.Priority = 1
	hi := &ObjectFile{}
	hi.Priority = 2
	if GetRank(lo, &strong, false) >= GetRank(hi, &strong, false) {
		t.Error("lower priority must win ties")
	}
}
