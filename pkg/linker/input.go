package linker

import (
	"strings"
)

// ReadInputFiles walks the positional part of the command line: object
// files, -l libraries, archives and linker scripts, honoring the
// --as-needed toggles interleaved by the driver.
func ReadInputFiles(ctx *Context, remaining []string) {
	t := NewTimer("read_input_files")
	defer t.Stop()

	asNeeded := false
	for _, arg := range remaining {
		switch {
		case arg == "--as-needed":
			asNeeded = true
		case arg == "--no-as-needed":
			asNeeded = false
		case strings.HasPrefix(arg, "-l"):
			ReadFile(ctx, MustFindLibrary(ctx, arg[2:]), asNeeded)
		default:
			ReadFile(ctx, MustOpenFile(ctx, arg), asNeeded)
		}
	}

	// Parsing proper is a fork-join over everything we found.
	ParallelForEach(ctx.Objs, func(o *ObjectFile) { o.Parse(ctx) })
	ParallelForEach(ctx.Dsos, func(so *SharedObject) { so.Parse(ctx) })
	Checkpoint(ctx)
}

// FindLibrary searches -L paths; shared objects win over archives unless
// -static.
func FindLibrary(ctx *Context, name string) *MappedFile {
	for _, dir := range ctx.Args.LibraryPaths {
		stem := dir + "/lib" + name
		if !ctx.Args.Static {
			if mf := OpenFile(ctx, stem+".so"); mf != nil {
				return mf
			}
		}
		if mf := OpenFile(ctx, stem+".a"); mf != nil {
			return mf
		}
	}
	return nil
}

func MustFindLibrary(ctx *Context, name string) *MappedFile {
	if mf := FindLibrary(ctx, name); mf != nil {
		return mf
	}
	Fatal(ctx, "library not found: -l%s", name)
	return nil
}

func ReadFile(ctx *Context, mf *MappedFile, asNeeded bool) {
	switch GetFileType(mf.Contents) {
	case FileTypeObject:
		CheckFileCompatibility(ctx, mf)
		ctx.Objs = append(ctx.Objs, NewObjectFile(ctx, mf, false))
	case FileTypeDso:
		if ctx.Args.Static {
			Fatal(ctx, "%s: shared object file used with -static", mf.Name)
		}
		CheckFileCompatibility(ctx, mf)
		ctx.Dsos = append(ctx.Dsos, NewSharedObject(ctx, mf, asNeeded))
	case FileTypeArchive:
		for _, child := range ReadArchiveMembers(ctx, mf) {
			if GetFileType(child.Contents) == FileTypeObject {
				CheckFileCompatibility(ctx, child)
				ctx.Objs = append(ctx.Objs, NewObjectFile(ctx, child, true))
			}
		}
	case FileTypeText:
		ParseLinkerScript(ctx, mf, asNeeded)
	case FileTypeEmpty:
		// nothing to do
	default:
		Fatal(ctx, "%s: unknown file type", mf.Name)
	}
}
