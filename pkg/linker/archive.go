package linker

import (
	"strconv"
	"strings"

	"github.com/wheatman/mold/pkg/utils"
)

const arHdrSize = 60

// ArHdr is the fixed 60-byte ar member header. All fields are ASCII.
type ArHdr struct {
	Name [16]byte
	Date [12]byte
	Uid  [6]byte
	Gid  [6]byte
	Mode [8]byte
	Size [10]byte
	Fmag [2]byte
}

func readArHdr(data []byte) ArHdr {
	var hdr ArHdr
	utils.Assert(len(data) >= arHdrSize)
	copy(hdr.Name[:], data[0:16])
	copy(hdr.Date[:], data[16:28])
	copy(hdr.Uid[:], data[28:34])
	copy(hdr.Gid[:], data[34:40])
	copy(hdr.Mode[:], data[40:48])
	copy(hdr.Size[:], data[48:58])
	copy(hdr.Fmag[:], data[58:60])
	return hdr
}

func (h *ArHdr) GetSize() int {
	sz, err := strconv.Atoi(strings.TrimSpace(string(h.Size[:])))
	utils.MustNo(err)
	return sz
}

func (h *ArHdr) IsStrtab() bool {
	return strings.HasPrefix(string(h.Name[:]), "// ")
}

func (h *ArHdr) IsSymtab() bool {
	name := string(h.Name[:])
	return strings.HasPrefix(name, "/ ") || strings.HasPrefix(name, "/SYM64/ ")
}

// ReadName resolves the member name: GNU "/123" long-name references into
// the strtab member, BSD "#1/N" inline names, and short "name/" forms.
func (h *ArHdr) ReadName(strTab []byte, body *[]byte) string {
	// BSD-style long name
	if strings.HasPrefix(string(h.Name[:]), "#1/") {
		n, err := strconv.Atoi(strings.TrimSpace(string(h.Name[3:])))
		utils.MustNo(err)
		name := strings.TrimRight(string((*body)[:n]), "\x00")
		*body = (*body)[n:]
		return name
	}
	// GNU-style long name
	if h.Name[0] == '/' {
		start, err := strconv.Atoi(strings.TrimSpace(string(h.Name[1:])))
		utils.MustNo(err)
		end := start
		for end < len(strTab) && strTab[end] != '\n' {
			end++
		}
		return strings.TrimRight(string(strTab[start:end]), "/")
	}
	name := string(h.Name[:])
	if i := strings.Index(name, "/"); i >= 0 {
		return name[:i]
	}
	return strings.TrimRight(name, " ")
}

// ReadArchiveMembers walks an "!<arch>\n" file and returns the object
// members as slices of the parent mapping.
func ReadArchiveMembers(ctx *Context, mf *MappedFile) []*MappedFile {
	utils.Assert(GetFileType(mf.Contents) == FileTypeArchive)

	pos := 8
	var strTab []byte
	var members []*MappedFile

	for len(mf.Contents)-pos >= 2 {
		if pos%2 == 1 {
			pos++
		}
		hdr := readArHdr(mf.Contents[pos:])
		body := pos + arHdrSize
		size := hdr.GetSize()
		pos = body + size

		if pos > len(mf.Contents) {
			Fatal(ctx, "%s: broken archive member", mf.Name)
		}

		if hdr.IsSymtab() {
			continue
		}
		if hdr.IsStrtab() {
			strTab = mf.Contents[body:pos]
			continue
		}

		data := mf.Contents[body:pos]
		name := hdr.ReadName(strTab, &data)
		if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
			continue
		}

		member := mf.Slice(mf.Name+"("+name+")", uint64(pos-len(data)), uint64(pos))
		members = append(members, member)
	}
	return members
}
