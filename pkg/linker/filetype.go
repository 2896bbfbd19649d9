package linker

import (
	"bytes"
	"debug/elf"
)

type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeDso
	FileTypeArchive
	FileTypeThinArchive
	FileTypeText // candidate linker script
)

func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}
	if CheckMagic(contents) {
		format, ok := GetElfFormat(contents)
		if !ok {
			return FileTypeUnknown
		}
		if len(contents) < 20 {
			return FileTypeUnknown
		}
		switch elf.Type(format.Order.Uint16(contents[16:])) {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDso
		}
		return FileTypeUnknown
	}
	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeArchive
	}
	if bytes.HasPrefix(contents, []byte("!<thin>\n")) {
		return FileTypeThinArchive
	}
	if isTextFile(contents) {
		return FileTypeText
	}
	return FileTypeUnknown
}

func isTextFile(contents []byte) bool {
	n := len(contents)
	if n > 4 {
		n = 4
	}
	for i := 0; i < n; i++ {
		c := contents[i]
		if c != '\t' && c != '\n' && c != '\r' && (c < 0x20 || c >= 0x7f) {
			return false
		}
	}
	return n > 0
}

// GetMachineKindFromContents sniffs the target from the first recognizable
// object or shared object.
func GetMachineKindFromContents(contents []byte) MachineKind {
	ft := GetFileType(contents)
	if ft != FileTypeObject && ft != FileTypeDso {
		return MachineNone
	}
	format, ok := GetElfFormat(contents)
	if !ok || len(contents) < 20 {
		return MachineNone
	}
	switch elf.Machine(format.Order.Uint16(contents[18:])) {
	case elf.EM_X86_64:
		return MachineX86_64
	case elf.EM_386:
		return MachineI386
	case elf.EM_AARCH64:
		return MachineArm64
	}
	return MachineNone
}

func CheckFileCompatibility(ctx *Context, mf *MappedFile) {
	if GetMachineKindFromContents(mf.Contents) != ctx.Machine.Kind {
		Fatal(ctx, "%s: incompatible file type", mf.Name)
	}
}
