package linker

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cespare/xxhash/v2"
)

// WriteOutput materializes the image: size and map a temp file next to the
// destination, let every chunk write itself in parallel, stamp the
// build-id, then atomically rename into place.
func WriteOutput(ctx *Context, filesize uint64) {
	t := NewTimer("write_output")
	defer t.Stop()

	outPath := ctx.Args.Output
	tmpPath := tmpName(outPath)

	fd, err := unix.Open(tmpPath, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o777)
	if err != nil {
		Fatal(ctx, "cannot create %s: %v", tmpPath, err)
	}
	AtFatal(func() { os.Remove(tmpPath) })

	if err := unix.Ftruncate(fd, int64(filesize)); err != nil {
		unix.Close(fd)
		Fatal(ctx, "%s: ftruncate failed: %v", tmpPath, err)
	}

	buf, err := unix.Mmap(fd, 0, int(filesize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		Fatal(ctx, "%s: mmap failed: %v", tmpPath, err)
	}
	ctx.Buf = buf

	// A fresh mapping is already zero, so the gaps between chunks need no
	// explicit fill.
	copyT := NewTimer("copy_chunks")
	ParallelForEach(ctx.Chunks, func(chunk Chunker) {
		chunk.WriteTo(ctx)
	})
	copyT.Stop()

	if ctx.Buildid != nil {
		writeBuildId(ctx, filesize)
	}

	if ctx.Args.Map != "" || ctx.Args.PrintMap {
		PrintMap(ctx)
	}

	unix.Munmap(buf)
	unix.Close(fd)

	if err := os.Rename(tmpPath, outPath); err != nil {
		Fatal(ctx, "cannot rename %s to %s: %v", tmpPath, outPath, err)
	}
}

func tmpName(path string) string {
	dir := "."
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			dir = path[:i]
			base = path[i+1:]
			break
		}
	}
	return dir + "/." + base + ".mold"
}

// writeBuildId hashes the mapped output and patches the digest into the
// reserved note.
func writeBuildId(ctx *Context, filesize uint64) {
	t := NewTimer("build_id")
	defer t.Stop()

	descOff := ctx.Buildid.Shdr.Offset + 16
	size := ctx.Args.BuildId.Size()

	var digest []byte
	switch ctx.Args.BuildId.Kind {
	case BuildIdMd5:
		sum := md5.Sum(ctx.Buf)
		digest = sum[:]
	case BuildIdSha1:
		sum := sha1.Sum(ctx.Buf)
		digest = sum[:]
	case BuildIdSha256:
		sum := sha256.Sum256(ctx.Buf)
		digest = sum[:]
	case BuildIdUuid:
		digest = make([]byte, 16)
		rand.Read(digest)
		// RFC 4122 version 4: random bytes with the first byte mixed with
		// a content hash, then the version and variant bits set.
		h := xxhash.Sum64(ctx.Buf)
		digest[0] ^= byte(h)
		digest[6] = digest[6]&0x0f | 0x40
		digest[8] = digest[8]&0x3f | 0x80
	case BuildIdHex:
		digest = ctx.Args.BuildId.Value
	default:
		return
	}
	copy(ctx.Buf[descOff:descOff+uint64(size)], digest)
}
