package linker

import (
	"fmt"
	"testing"
)

func arMember(name string, data []byte) []byte {
	hdr := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10s`\n",
		name, "0", "0", "0", "644", fmt.Sprint(len(data)))
	out := append([]byte(hdr), data...)
	if len(data)%2 == 1 {
		out = append(out, '\n')
	}
	return out
}

func TestReadArchiveMembers(t *testing.T) {
	ctx := newTestContext()

	// GNU archive: symtab member, long-name strtab, a short-named member
	// and a long-named member.
	longName := "a_member_with_a_very_long_name.o"
	strtab := []byte(longName + "/\n")

	ar := []byte("!<arch>\n")
	ar = append(ar, arMember("/", []byte{0, 0, 0, 0})...)
	ar = append(ar, arMember("// ", strtab)...)
	ar = append(ar, arMember("short.o/", []byte("AAAA"))...)
	ar = append(ar, arMember("/0", []byte("BBBBBB"))...)

	mf := &MappedFile{Name: "test.a", Contents: ar}
	members := ReadArchiveMembers(ctx, mf)

	if len(members) != 2 {
		t.Fatalf("len(members) = %d, want 2", len(members))
	}
	if members[0].Name != "test.a(short.o)" {
		t.Errorf("member 0 = %q", members[0].Name)
	}
	if string(members[0].Contents) != "AAAA" {
		t.Errorf("member 0 contents = %q", members[0].Contents)
	}
	if members[1].Name != "test.a("+longName+")" {
		t.Errorf("member 1 = %q", members[1].Name)
	}
	if string(members[1].Contents) != "BBBBBB" {
		t.Errorf("member 1 contents = %q", members[1].Contents)
	}
	if members[0].Parent != mf {
		t.Error("member does not alias its archive mapping")
	}
}

func TestArchiveBsdNames(t *testing.T) {
	ctx := newTestContext()

	name := "bsd_member.o"
	body := append([]byte(name), []byte("PAYLOAD")...)
	ar := []byte("!<arch>\n")
	ar = append(ar, arMember(fmt.Sprintf("#1/%d", len(name)), body)...)

	mf := &MappedFile{Name: "bsd.a", Contents: ar}
	members := ReadArchiveMembers(ctx, mf)

	if len(members) != 1 {
		t.Fatalf("len(members) = %d", len(members))
	}
	if members[0].Name != "bsd.a("+name+")" {
		t.Errorf("member = %q", members[0].Name)
	}
	if string(members[0].Contents) != "PAYLOAD" {
		t.Errorf("contents = %q", members[0].Contents)
	}
}

func TestGetFileType(t *testing.T) {
	obj := simpleTextObject("x")
	if GetFileType(obj) != FileTypeObject {
		t.Error("object not recognized")
	}
	if GetFileType([]byte("!<arch>\nrest")) != FileTypeArchive {
		t.Error("archive not recognized")
	}
	if GetFileType([]byte("GROUP ( /lib/libc.so.6 )")) != FileTypeText {
		t.Error("linker script not recognized")
	}
	if GetFileType(nil) != FileTypeEmpty {
		t.Error("empty input not recognized")
	}
	if GetFileType([]byte{0x7f, 'E', 'L', 'F', 9}) != FileTypeUnknown {
		t.Error("bad ELF class not rejected")
	}
}

func TestGetMachineKind(t *testing.T) {
	if GetMachineKindFromContents(simpleTextObject("x")) != MachineX86_64 {
		t.Error("x86-64 object not sniffed")
	}
	if GetMachineKindFromContents([]byte("not elf")) != MachineNone {
		t.Error("garbage sniffed as a machine")
	}
}
