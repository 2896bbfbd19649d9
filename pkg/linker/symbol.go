package linker

import (
	"sync"
	"sync/atomic"

	"debug/elf"
)

const (
	NeedsGot uint32 = 1 << iota
	NeedsPlt
	NeedsGotTp
	NeedsTlsGd
	NeedsTlsLd
	NeedsTlsDesc
	NeedsCopyrel
	NeedsDynsym
)

// Symbol is the linker-internal view of a named symbol. One Symbol exists
// per name process-wide; every file referencing the name holds the same
// pointer. Resolution takes Mu while comparing ranks; the monotone bits
// (visibility, flags) are plain atomics.
type Symbol struct {
	Mu   sync.Mutex
	File InputFiler // winning file, nil if unresolved

	Name   string
	Value  uint64
	SymIdx int32
	VerIdx uint16

	InputSection    *InputSection
	SectionFragment *SectionFragment
	OutputChunk     Chunker // synthetic definitions (__start_*, _DYNAMIC, ...)

	GotIdx     int32
	GotTpIdx   int32
	TlsGdIdx   int32
	TlsDescIdx int32
	PltIdx     int32
	PltGotIdx  int32
	DynsymIdx  int32

	Flags      atomic.Uint32
	visibility atomic.Uint32

	IsExported      bool
	IsImported      bool
	IsWeak          bool
	HasCopyrel      bool
	CopyrelReadonly bool
	Traced          bool
}

// InputFiler is the common surface of ObjectFile and SharedObject as seen
// from symbol resolution.
type InputFiler interface {
	GetName() string
	GetPriority() uint32
	Alive() bool
	SetAlive()
	IsDso() bool
	GetSymbols() []*Symbol
	ElfSymAt(idx int32) *Sym
}

func NewSymbol(name string) *Symbol {
	return &Symbol{
		Name:       name,
		SymIdx:     -1,
		GotIdx:     -1,
		GotTpIdx:   -1,
		TlsGdIdx:   -1,
		TlsDescIdx: -1,
		PltIdx:     -1,
		PltGotIdx:  -1,
		DynsymIdx:  -1,
	}
}

// AddFlags sets needs-bits; monotone, safe from any worker.
func (s *Symbol) AddFlags(f uint32) {
	for {
		cur := s.Flags.Load()
		if cur&f == f || s.Flags.CompareAndSwap(cur, cur|f) {
			return
		}
	}
}

func (s *Symbol) ElfSym() *Sym {
	return s.File.ElfSymAt(s.SymIdx)
}

func (s *Symbol) SetInputSection(isec *InputSection) {
	s.InputSection = isec
	s.SectionFragment = nil
	s.OutputChunk = nil
}

func (s *Symbol) SetSectionFragment(frag *SectionFragment) {
	s.InputSection = nil
	s.SectionFragment = frag
	s.OutputChunk = nil
}

func (s *Symbol) SetOutputChunk(chunk Chunker) {
	s.InputSection = nil
	s.SectionFragment = nil
	s.OutputChunk = chunk
}

func (s *Symbol) Clear() {
	s.File = nil
	s.InputSection = nil
	s.SectionFragment = nil
	s.OutputChunk = nil
	s.SymIdx = -1
}

func (s *Symbol) IsAbs() bool {
	return s.File != nil && !s.IsImported && s.InputSection == nil &&
		s.SectionFragment == nil && s.OutputChunk == nil
}

func (s *Symbol) IsAlive() bool {
	if s.SectionFragment != nil {
		return s.SectionFragment.IsAlive.Load()
	}
	if s.InputSection != nil {
		return s.InputSection.IsAlive.Load()
	}
	return true
}

// Visibility merge only tightens: DEFAULT < PROTECTED < HIDDEN.
// STV_INTERNAL is canonicalized to STV_HIDDEN on entry.
func visibilityStrength(v uint8) int {
	switch v {
	case STV_PROTECTED:
		return 1
	case STV_HIDDEN:
		return 2
	}
	return 0
}

func (s *Symbol) Visibility() uint8 {
	return uint8(s.visibility.Load())
}

func (s *Symbol) MergeVisibility(v uint8) {
	if v == STV_INTERNAL {
		v = STV_HIDDEN
	}
	for {
		cur := s.visibility.Load()
		if visibilityStrength(uint8(cur)) >= visibilityStrength(v) {
			return
		}
		if s.visibility.CompareAndSwap(cur, uint32(v)) {
			return
		}
	}
}

// GetRank computes the total resolution order: lower wins.
// Tier occupies the high bits; the file priority breaks ties.
func GetRank(file InputFiler, esym *Sym, isLazy bool) uint64 {
	tier := uint64(7)
	switch {
	case esym.IsUndef():
		tier = 7
	case esym.IsCommon():
		tier = 6
	case isLazy:
		tier = 5
	case file.IsDso():
		if esym.IsWeak() {
			tier = 4
		} else {
			tier = 3
		}
	case esym.IsWeak():
		tier = 2
	default:
		tier = 1
	}
	return tier<<32 | uint64(file.GetPriority())
}

// rank of the current binding of s (caller holds s.Mu).
func (s *Symbol) currentRank() uint64 {
	if s.File == nil {
		return 7 << 32
	}
	if s.SymIdx < 0 {
		// synthetic definition; nothing outranks it
		return 0
	}
	esym := s.ElfSym()
	isLazy := !s.File.Alive() && !s.File.IsDso()
	return GetRank(s.File, esym, isLazy)
}

func (s *Symbol) GetAddr(ctx *Context) uint64 {
	if s.SectionFragment != nil {
		return s.SectionFragment.GetAddr() + s.Value
	}
	if s.HasCopyrel {
		if s.CopyrelReadonly {
			return ctx.DynbssRelro.Shdr.Addr + s.Value
		}
		return ctx.Dynbss.Shdr.Addr + s.Value
	}
	if s.PltIdx != -1 && (s.File == nil || s.IsImported) {
		return s.GetPltAddr(ctx)
	}
	if s.OutputChunk != nil {
		return s.OutputChunk.GetShdr().Addr + s.Value
	}
	if s.InputSection != nil {
		return s.InputSection.GetAddr() + s.Value
	}
	return s.Value
}

func (s *Symbol) GetGotAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotIdx)*uint64(ctx.Format().WordSize())
}

func (s *Symbol) GetGotPltAddr(ctx *Context) uint64 {
	return ctx.GotPlt.Shdr.Addr + uint64(s.PltIdx+gotPltHdrEntries)*uint64(ctx.Format().WordSize())
}

func (s *Symbol) GetGotTpAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.GotTpIdx)*uint64(ctx.Format().WordSize())
}

func (s *Symbol) GetTlsGdAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.TlsGdIdx)*uint64(ctx.Format().WordSize())
}

func (s *Symbol) GetTlsDescAddr(ctx *Context) uint64 {
	return ctx.Got.Shdr.Addr + uint64(s.TlsDescIdx)*uint64(ctx.Format().WordSize())
}

func (s *Symbol) GetPltAddr(ctx *Context) uint64 {
	if s.PltIdx != -1 {
		return ctx.Plt.Shdr.Addr + ctx.Machine.PltHdrSize +
			uint64(s.PltIdx)*ctx.Machine.PltEntrySize
	}
	return ctx.PltGot.Shdr.Addr + uint64(s.PltGotIdx)*ctx.Machine.PltGotEntrySize
}

func (s *Symbol) GetType() uint8 {
	if s.File == nil {
		return uint8(elf.STT_NOTYPE)
	}
	return s.ElfSym().Type()
}

// GetSymbolByName interns name into the process-global symbol map and
// returns the stable Symbol pointer for it.
func GetSymbolByName(ctx *Context, name string) *Symbol {
	sym, _ := ctx.SymbolMap.LoadOrCompute(name, func() *Symbol {
		s := NewSymbol(name)
		s.Traced = ctx.Args.TraceSymbol[name]
		return s
	})
	return sym
}
