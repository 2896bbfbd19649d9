package linker

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

type BuildIdKind uint8

const (
	BuildIdNone BuildIdKind = iota
	BuildIdMd5
	BuildIdSha1
	BuildIdSha256
	BuildIdUuid
	BuildIdHex
)

type BuildId struct {
	Kind  BuildIdKind
	Value []byte // BuildIdHex only
}

func (b BuildId) Size() int {
	switch b.Kind {
	case BuildIdMd5, BuildIdUuid:
		return 16
	case BuildIdSha1:
		return 20
	case BuildIdSha256:
		return 32
	case BuildIdHex:
		return len(b.Value)
	}
	return 0
}

type UnresolvedKind uint8

const (
	UnresolvedError UnresolvedKind = iota
	UnresolvedWarn
	UnresolvedIgnoreAll
	UnresolvedIgnoreInObj
	UnresolvedIgnoreInDso
)

type CompressKind uint8

const (
	CompressNone CompressKind = iota
	CompressZlib     // alias for gabi
	CompressZlibGabi
	CompressZlibGnu
)

type HashStyle uint8

const (
	HashSysv HashStyle = 1 << iota
	HashGnu
)

// ContextArgs records the effects of the recognized command line.
type ContextArgs struct {
	Output        string
	Entry         string
	Emulation     MachineKind
	Shared        bool
	Static        bool
	Pic           bool
	LibraryPaths  []string
	Rpaths        []string
	Soname        string
	DynamicLinker string
	ImageBase     uint64

	ZDefs      bool
	ZNodelete  bool
	ZNow       bool
	ZRelro     bool
	ZExecstack bool

	GcSections      bool
	PrintGcSections bool
	PrintMap        bool
	Map             string

	BuildId              BuildId
	HashStyle            HashStyle
	EhFrameHdr           bool
	StripAll             bool
	StripDebug           bool
	DiscardAll           bool
	DiscardLocals        bool
	RetainSymbolsFile     map[string]bool
	VersionScript         []VersionPattern
	CompressDebugSections CompressKind

	Wrap        map[string]bool
	ExcludeLibs map[string]bool

	Undefined      []string
	RequireDefined []string
	TraceSymbol    map[string]bool

	FatalWarnings     bool
	WarnCommon        bool
	UnresolvedSymbols UnresolvedKind
	Demangle          bool
	ExportDynamic     bool

	Reproduce string
	Chroot    string

	Stats bool
	Perf  bool
}

// Context is the per-link shared state. All files, sections, symbols and
// chunks are owned by it and live until the link finishes; back-pointers
// between them are safe borrows.
type Context struct {
	Args    ContextArgs
	Machine *Machine

	Buf []byte // mapped output

	MappedFiles   []*MappedFile
	mappedFilesMu sync.Mutex

	Objs []*ObjectFile
	Dsos []*SharedObject

	// Global symbol interner. Append-only for the duration of the link;
	// values are stable pointers.
	SymbolMap *xsync.MapOf[string, *Symbol]

	ComdatGroups *xsync.MapOf[string, *ComdatGroup]

	OutputSections []*OutputSection
	osecMu         sync.Mutex
	MergedSections []*MergedSection
	msecMu         sync.Mutex

	Chunks []Chunker

	Ehdr         *OutputEhdr
	Phdr         *OutputPhdr
	Shdr         *OutputShdr
	Got          *GotSection
	GotPlt       *GotPltSection
	Plt          *PltSection
	PltGot       *PltGotSection
	RelDyn       *RelDynSection
	RelPlt       *RelPltSection
	Dynamic      *DynamicSection
	Dynsym       *DynsymSection
	Dynstr       *DynstrSection
	Hash         *HashSection
	GnuHash      *GnuHashSection
	Versym       *VersymSection
	Verneed      *VerneedSection
	EhFrame      *EhFrameSection
	EhFrameHdr   *EhFrameHdrSection
	Symtab       *SymtabSection
	Strtab       *StrtabSection
	Shstrtab     *ShstrtabSection
	Interp       *InterpSection
	NoteProperty *NotePropertySection
	Buildid      *BuildIdSection
	Dynbss       *DynbssSection
	DynbssRelro  *DynbssSection
	Comment      *MergedSection

	TpAddr   uint64
	TlsBegin uint64
	TlsEnd   uint64

	Verdefs    []string
	SonameMap  map[string]*SharedObject
	CmdLine    []string // for .comment under MOLD_DEBUG
	HasError   atomic.Bool
	FileIndex  atomic.Uint32

	// Relocations that must survive until the writer applies them against
	// final addresses.
	NumDynRels atomic.Int64

	internalObj *ObjectFile
}

func NewContext() *Context {
	return &Context{
		Args: ContextArgs{
			Output:            "a.out",
			Entry:             "_start",
			Emulation:         MachineNone,
			ImageBase:         0x200000,
			ZRelro:            true,
			EhFrameHdr:        true,
			HashStyle:         HashSysv | HashGnu,
			UnresolvedSymbols: UnresolvedError,
			Wrap:              make(map[string]bool),
			ExcludeLibs:       make(map[string]bool),
			TraceSymbol:       make(map[string]bool),
		},
		SymbolMap:    xsync.NewMapOf[string, *Symbol](),
		ComdatGroups: xsync.NewMapOf[string, *ComdatGroup](),
		SonameMap:    make(map[string]*SharedObject),
	}
}

func (ctx *Context) Format() ElfFormat {
	return ctx.Machine.Format
}

func (ctx *Context) PageSize() uint64 {
	return ctx.Machine.PageSize
}
