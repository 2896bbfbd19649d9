package linker

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/wheatman/mold/pkg/utils"
)

// MappedFile is a read-only memory-mapped byte range. Files are owned by
// the Context and unmapped when the link finishes. Slices alias the parent
// mapping instead of taking a fresh one.
type MappedFile struct {
	Name     string
	Contents []byte
	Mtime    time.Time
	Parent   *MappedFile
}

func OpenFile(ctx *Context, path string) *MappedFile {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil
	}

	mf := &MappedFile{
		Name:  path,
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
	}
	if st.Size > 0 {
		data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			return nil
		}
		mf.Contents = data
	}

	ctx.mappedFilesMu.Lock()
	ctx.MappedFiles = append(ctx.MappedFiles, mf)
	ctx.mappedFilesMu.Unlock()
	return mf
}

func MustOpenFile(ctx *Context, path string) *MappedFile {
	if ctx.Args.Chroot != "" && len(path) > 0 && path[0] == '/' {
		path = ctx.Args.Chroot + path
	}
	mf := OpenFile(ctx, path)
	if mf == nil {
		utils.Fatal("cannot open " + path)
	}
	return mf
}

// Slice returns a view of a byte range of mf without a fresh mapping.
func (mf *MappedFile) Slice(name string, start, end uint64) *MappedFile {
	utils.Assert(end <= uint64(len(mf.Contents)))
	return &MappedFile{
		Name:     name,
		Contents: mf.Contents[start:end],
		Mtime:    mf.Mtime,
		Parent:   mf,
	}
}

func (mf *MappedFile) Size() uint64 {
	return uint64(len(mf.Contents))
}

// ReleaseAll unmaps every top-level mapping owned by the Context.
func ReleaseAll(ctx *Context) {
	for _, mf := range ctx.MappedFiles {
		if mf.Parent == nil && mf.Contents != nil {
			unix.Munmap(mf.Contents)
		}
	}
	ctx.MappedFiles = nil
}
