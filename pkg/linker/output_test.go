package linker

import (
	"debug/elf"
	"testing"
)

func TestGetOutputName(t *testing.T) {
	tests := []struct {
		name  string
		flags uint64
		want  string
	}{
		{".text.hot.main", 0, ".text"},
		{".text", 0, ".text"},
		{".data.rel.ro.local", 0, ".data.rel.ro"},
		{".bss.foo", 0, ".bss"},
		{".rodata.str1.1", uint64(elf.SHF_MERGE | elf.SHF_STRINGS), ".rodata.str"},
		{".rodata.cst8", uint64(elf.SHF_MERGE), ".rodata.cst"},
		{".rodata.foo", 0, ".rodata"},
		{".init_array.00050", 0, ".init_array"},
		{".mysection", 0, ".mysection"},
		{".ctors.65535", 0, ".ctors"},
	}
	for _, tt := range tests {
		if got := GetOutputName(tt.name, tt.flags); got != tt.want {
			t.Errorf("GetOutputName(%q, %#x) = %q, want %q",
				tt.name, tt.flags, got, tt.want)
		}
	}
}

func TestGetOutputSectionDedup(t *testing.T) {
	ctx := newTestContext()
	a := GetOutputSection(ctx, ".text.foo", uint64(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
	b := GetOutputSection(ctx, ".text.bar", uint64(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
	if a != b {
		t.Error("same output name and attributes produced two sections")
	}
	c := GetOutputSection(ctx, ".data.foo", uint64(elf.SHT_PROGBITS),
		uint64(elf.SHF_ALLOC|elf.SHF_WRITE))
	if c == a {
		t.Error("different attributes collapsed into one section")
	}
}

func TestTokenizeScript(t *testing.T) {
	ctx := newTestContext()
	toks := tokenizeScript(ctx, "t", `/* comment */ GROUP ( "/lib/libc.so.6" -lm )`)
	want := []string{"GROUP", "(", "/lib/libc.so.6", "-lm", ")"}
	if len(toks) != len(want) {
		t.Fatalf("tokens = %v", toks)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, toks[i], want[i])
		}
	}
}

func TestVersionScriptMatching(t *testing.T) {
	patterns := []VersionPattern{
		{Pattern: "foo*", IsLocal: false},
		{Pattern: "*", IsLocal: true},
	}
	if local, ok := versionScriptMatches(patterns, "foobar"); !ok || local {
		t.Error("foobar should match the global pattern first")
	}
	if local, ok := versionScriptMatches(patterns, "quux"); !ok || !local {
		t.Error("quux should fall through to local: *")
	}
}
