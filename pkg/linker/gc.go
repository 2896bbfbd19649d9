package linker

import (
	"debug/elf"
	"strings"
	"sync"
)

// Mark-sweep garbage collection of sections: vertices are sections, edges
// are relocations and fragment references. Anything reachable from a root
// stays; only SHF_ALLOC sections are ever discarded.

func isInitFini(isec *InputSection) bool {
	ty := elf.SectionType(isec.Shdr().Type)
	if ty == elf.SHT_INIT_ARRAY || ty == elf.SHT_FINI_ARRAY || ty == elf.SHT_PREINIT_ARRAY {
		return true
	}
	name := isec.Name()
	return strings.HasPrefix(name, ".ctors") || strings.HasPrefix(name, ".dtors") ||
		strings.HasPrefix(name, ".init") || strings.HasPrefix(name, ".fini")
}

// markSection claims the visit bit; true means the caller owns the visit.
func markSection(isec *InputSection) bool {
	return isec != nil && isec.IsAlive.Load() && !isec.IsVisited.Swap(true)
}

func gcVisit(ctx *Context, isec *InputSection, wg *sync.WaitGroup, depth int) {
	// Relocated fragments are kept alive wholesale.
	for idx := range isec.RelFragments {
		isec.RelFragments[idx].Frag.IsAlive.Store(true)
	}

	// FDEs covering this section pin the personality routine and LSDA.
	// The first relocation is the function pointer back to us; skip it.
	for fdeIdx := range isec.GetFdes() {
		fde := &isec.File.Fdes[isec.FdeBegin+uint32(fdeIdx)]
		for _, rel := range fde.Rels[1:] {
			if sym := isec.File.Symbols[rel.Sym]; sym != nil {
				gcMarkSymbol(ctx, sym, wg, depth)
			}
		}
	}

	for _, rel := range isec.GetRels(ctx) {
		if int(rel.Sym) >= len(isec.File.Symbols) {
			continue
		}
		if sym := isec.File.Symbols[rel.Sym]; sym != nil {
			gcMarkSymbol(ctx, sym, wg, depth)
		}
	}
}

func gcMarkSymbol(ctx *Context, sym *Symbol, wg *sync.WaitGroup, depth int) {
	if frag := sym.SectionFragment; frag != nil {
		frag.IsAlive.Store(true)
		return
	}
	target := sym.InputSection
	if !markSection(target) {
		return
	}
	if depth < 3 {
		gcVisit(ctx, target, wg, depth+1)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		gcVisit(ctx, target, wg, 0)
	}()
}

// collectRootSet seeds the mark phase.
func collectRootSet(ctx *Context) []*InputSection {
	var mu sync.Mutex
	var rootset []*InputSection

	enqueueSection := func(isec *InputSection) {
		if markSection(isec) {
			mu.Lock()
			rootset = append(rootset, isec)
			mu.Unlock()
		}
	}
	enqueueSymbol := func(sym *Symbol) {
		if sym == nil {
			return
		}
		if frag := sym.SectionFragment; frag != nil {
			frag.IsAlive.Store(true)
			return
		}
		enqueueSection(sym.InputSection)
	}

	ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, isec := range file.Sections {
			if isec == nil || !isec.IsAlive.Load() {
				continue
			}
			// Only SHF_ALLOC sections are subject to collection; the rest
			// start pre-visited so relocations into them never pin
			// anything.
			if isec.Shdr().Flags&uint64(elf.SHF_ALLOC) == 0 {
				isec.IsVisited.Store(true)
			}
			if isInitFini(isec) || IsCIdentifier(isec.Name()) ||
				isec.Shdr().Type == uint32(elf.SHT_NOTE) {
				enqueueSection(isec)
			}
		}
	})

	ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, sym := range file.Symbols {
			if sym != nil && sym.File == file && sym.IsExported {
				enqueueSymbol(sym)
			}
		}
	})

	if ctx.Args.Entry != "" {
		enqueueSymbol(GetSymbolByName(ctx, ctx.Args.Entry))
	}
	for _, name := range ctx.Args.Undefined {
		enqueueSymbol(GetSymbolByName(ctx, name))
	}
	for _, name := range ctx.Args.RequireDefined {
		enqueueSymbol(GetSymbolByName(ctx, name))
	}

	// CIEs are units of inclusion; whatever they reference (personality
	// routines) stays.
	ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for idx := range file.Cies {
			for _, rel := range file.Cies[idx].Rels {
				enqueueSymbol(file.Symbols[rel.Sym])
			}
		}
	})

	return rootset
}

// markNonallocFragments keeps mergeable debug data out of the sweep.
func markNonallocFragments(ctx *Context) {
	ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, m := range file.MergeableSections {
			if m == nil || m.Parent.Shdr.Flags&uint64(elf.SHF_ALLOC) != 0 {
				continue
			}
			for _, frag := range m.Fragments {
				frag.IsAlive.Store(true)
			}
		}
	})
}

var gcCounter = NewCounter("garbage_sections")

func GcSections(ctx *Context) {
	t := NewTimer("gc")
	defer t.Stop()

	markNonallocFragments(ctx)

	rootset := collectRootSet(ctx)

	var wg sync.WaitGroup
	ParallelForEach(rootset, func(isec *InputSection) {
		gcVisit(ctx, isec, &wg, 0)
	})
	wg.Wait()

	// Sweep: any live, unvisited alloc section dies.
	ParallelForEach(ctx.Objs, func(file *ObjectFile) {
		for _, isec := range file.Sections {
			if isec != nil && isec.IsAlive.Load() && !isec.IsVisited.Load() {
				if ctx.Args.PrintGcSections {
					Trace(ctx, "removing unused section %s:(%s)", file.GetName(), isec.Name())
				}
				isec.Kill()
				gcCounter.Inc()
			}
		}
	})
}
