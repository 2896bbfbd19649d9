package linker

import (
	"path"
)

// VersionPattern is one glob from a version script, tagged with whether it
// landed in a local: block.
type VersionPattern struct {
	Pattern string
	IsLocal bool
}

// ParseVersionScript reads the subset of version scripts that controls
// symbol export: one anonymous or named version node with global: and
// local: lists.
func ParseVersionScript(ctx *Context, path string) []VersionPattern {
	mf := MustOpenFile(ctx, path)
	tokens := tokenizeScript(ctx, path, string(mf.Contents))

	var patterns []VersionPattern
	i := 0
	// Optional version node name before the brace.
	if i < len(tokens) && tokens[i] != "{" {
		ctx.Verdefs = append(ctx.Verdefs, tokens[i])
		i++
	}
	if i >= len(tokens) || tokens[i] != "{" {
		Fatal(ctx, "%s: malformed version script", path)
	}
	i++

	isLocal := false
	for i < len(tokens) && tokens[i] != "}" {
		switch tokens[i] {
		case "global:":
			isLocal = false
		case "local:":
			isLocal = true
		case "global", "local":
			if i+1 < len(tokens) && tokens[i+1] == ":" {
				isLocal = tokens[i] == "local"
				i++
			}
		case ";":
		default:
			patterns = append(patterns, VersionPattern{Pattern: tokens[i], IsLocal: isLocal})
		}
		i++
	}
	return patterns
}

func versionScriptMatches(patterns []VersionPattern, name string) (local, matched bool) {
	for _, p := range patterns {
		ok, err := path.Match(p.Pattern, name)
		if err == nil && ok {
			return p.IsLocal, true
		}
	}
	return false, false
}

// ApplyVersionScript demotes local-matched symbols to hidden. The other
// symbols are left as they are; no version is assigned to them.
func ApplyVersionScript(ctx *Context) {
	if len(ctx.Args.VersionScript) == 0 {
		return
	}
	ctx.SymbolMap.Range(func(name string, sym *Symbol) bool {
		if sym.File == nil || sym.File.IsDso() {
			return true
		}
		if local, ok := versionScriptMatches(ctx.Args.VersionScript, name); ok && local {
			sym.MergeVisibility(STV_HIDDEN)
		}
		return true
	})
}

// ComputeImportExport decides which defined symbols enter the dynamic
// symbol table; the GC root set depends on IsExported.
func ComputeImportExport(ctx *Context) {
	t := NewTimer("compute_import_export")
	defer t.Stop()

	exporting := ctx.Args.Shared || ctx.Args.ExportDynamic || len(ctx.Dsos) > 0

	ParallelForEach(ctx.Objs, func(o *ObjectFile) {
		for i := o.FirstGlobal; i < len(o.Symbols); i++ {
			sym := o.Symbols[i]
			if sym.File != o || sym.IsImported {
				continue
			}
			if sym.Visibility() == STV_HIDDEN {
				continue
			}
			if len(ctx.Args.VersionScript) > 0 {
				if local, ok := versionScriptMatches(ctx.Args.VersionScript, sym.Name); ok && local {
					continue
				}
			}
			if ctx.Args.Shared || (exporting && ctx.Args.ExportDynamic) {
				sym.IsExported = true
				sym.AddFlags(NeedsDynsym)
			}
			// A definition that overrides a DSO's must still be visible
			// to the loader.
			if !ctx.Args.Shared && sym.Flags.Load()&NeedsDynsym != 0 {
				sym.IsExported = true
			}
		}
	})
}

// ApplyExcludeLibs hides everything defined by --exclude-libs members.
func ApplyExcludeLibs(ctx *Context) {
	if len(ctx.Args.ExcludeLibs) == 0 {
		return
	}
	for _, o := range ctx.Objs {
		if !o.IsInArchive || !matchesExcludeLibs(o.Mf.Name, ctx.Args.ExcludeLibs) {
			continue
		}
		for i := o.FirstGlobal; i < len(o.Symbols); i++ {
			if sym := o.Symbols[i]; sym.File == o {
				sym.MergeVisibility(STV_HIDDEN)
			}
		}
	}
}
