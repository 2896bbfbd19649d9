package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/wheatman/mold/pkg/linker"
)

const helpText = `Usage: mold [options] file...
Options:
  -o FILE                     Set output file name
  -e SYMBOL, --entry SYMBOL   Set program entry point
  -l LIBNAME                  Search for a given library
  -L DIR, --library-path DIR  Add DIR to library search path
  -m EMULATION                Set target (elf_x86_64, elf_i386, aarch64linux)
  -shared, -Bshareable        Create a shared library
  -static                     Do not link against shared libraries
  --as-needed                 Only set DT_NEEDED if used
  --build-id [none,md5,sha1,sha256,uuid,0xHEX]
  --compress-debug-sections [none,zlib,zlib-gabi,zlib-gnu]
  --demangle                  Demangle C++ symbols in log messages
  --dynamic-linker PATH       Set dynamic linker path
  --eh-frame-hdr              Create .eh_frame_hdr section
  --exclude-libs LIB,LIB,..   Mark all symbols in given libraries hidden
  --gc-sections               Remove unreferenced sections
  --hash-style [sysv,gnu,both]
  --image-base ADDR           Set the base address
  --print-gc-sections         Print removed unreferenced sections
  --require-defined SYMBOL    Require SYMBOL be defined in the final output
  --retain-symbols-file FILE  Keep only symbols listed in FILE
  --trace-symbol SYMBOL, -y SYMBOL
  --undefined SYMBOL, -u SYMBOL
  --unresolved-symbols [report-all,ignore-all,ignore-in-object-files,ignore-in-shared-libs]
  --version-script FILE       Read version script
  --wrap SYMBOL               Use wrapper function for a given symbol
  -z now|defs|nodelete|relro|norelro|execstack|noexecstack
  -Map FILE                   Write map file to a given file
`

// parseArgs digests the recognized option surface and returns the
// positional rest (input files, -l tokens, --as-needed toggles) in order.
func parseArgs(ctx *linker.Context) []string {
	args := os.Args[1:]
	var remaining []string
	var arg string
	unresolvedSet := false

	dashes := func(name string) []string {
		if len(name) == 1 {
			return []string{"-" + name}
		}
		return []string{"-" + name, "--" + name}
	}

	readFlag := func(name string) bool {
		for _, opt := range dashes(name) {
			if args[0] == opt {
				args = args[1:]
				return true
			}
		}
		return false
	}

	readOpt := func(names ...string) bool {
		for _, name := range names {
			for _, opt := range dashes(name) {
				if args[0] == opt {
					if len(args) == 1 {
						fatalf("option -%s: argument missing", name)
					}
					arg = args[1]
					args = args[2:]
					return true
				}
				prefix := opt + "="
				if strings.HasPrefix(args[0], prefix) {
					arg = args[0][len(prefix):]
					args = args[1:]
					return true
				}
			}
		}
		return false
	}

	parseNum := func(s string) uint64 {
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
		if !strings.HasPrefix(s, "0x") {
			n, err = strconv.ParseUint(s, 10, 64)
		}
		if err != nil {
			fatalf("bad number: %s", s)
		}
		return n
	}

	for len(args) > 0 {
		switch {
		case readFlag("help"):
			fmt.Print(helpText)
			os.Exit(0)
		case readFlag("v"), readFlag("version"):
			fmt.Printf("mold %s (compatible with GNU ld)\n", linker.Version)
			os.Exit(0)
		case readOpt("o", "output"):
			ctx.Args.Output = arg
		case readOpt("e", "entry"):
			ctx.Args.Entry = arg
		case readOpt("m"):
			switch arg {
			case "elf_x86_64":
				ctx.Args.Emulation = linker.MachineX86_64
			case "elf_i386":
				ctx.Args.Emulation = linker.MachineI386
			case "aarch64linux", "aarch64elf":
				ctx.Args.Emulation = linker.MachineArm64
			default:
				fatalf("unknown -m argument: %s", arg)
			}
		case readFlag("shared"), readFlag("Bshareable"):
			ctx.Args.Shared = true
			ctx.Args.Pic = true
		case readFlag("static"), readFlag("Bstatic"):
			ctx.Args.Static = true
		case readFlag("pie"), readFlag("pic-executable"):
			ctx.Args.Pic = true
		case readOpt("L", "library-path"):
			ctx.Args.LibraryPaths = append(ctx.Args.LibraryPaths, arg)
		case readOpt("rpath", "R"):
			ctx.Args.Rpaths = append(ctx.Args.Rpaths, arg)
		case readOpt("soname", "h"):
			ctx.Args.Soname = arg
		case readOpt("dynamic-linker", "I"):
			ctx.Args.DynamicLinker = arg
		case readOpt("image-base"):
			ctx.Args.ImageBase = parseNum(arg)
		case readFlag("export-dynamic"), readFlag("E"):
			ctx.Args.ExportDynamic = true
		case readFlag("no-export-dynamic"):
			ctx.Args.ExportDynamic = false
		case readFlag("gc-sections"):
			ctx.Args.GcSections = true
		case readFlag("no-gc-sections"):
			ctx.Args.GcSections = false
		case readFlag("print-gc-sections"):
			ctx.Args.PrintGcSections = true
		case readFlag("eh-frame-hdr"):
			ctx.Args.EhFrameHdr = true
		case readFlag("no-eh-frame-hdr"):
			ctx.Args.EhFrameHdr = false
		case readFlag("strip-all"), readFlag("s"):
			ctx.Args.StripAll = true
		case readFlag("strip-debug"), readFlag("S"):
			ctx.Args.StripDebug = true
		case readFlag("discard-all"), readFlag("x"):
			ctx.Args.DiscardAll = true
		case readFlag("discard-locals"), readFlag("X"):
			ctx.Args.DiscardLocals = true
		case readFlag("demangle"):
			ctx.Args.Demangle = true
		case readFlag("no-demangle"):
			ctx.Args.Demangle = false
		case readFlag("fatal-warnings"):
			ctx.Args.FatalWarnings = true
		case readFlag("no-fatal-warnings"):
			ctx.Args.FatalWarnings = false
		case readFlag("warn-common"):
			ctx.Args.WarnCommon = true
		case readFlag("stats"):
			ctx.Args.Stats = true
		case readFlag("perf"):
			ctx.Args.Perf = true
		case readOpt("retain-symbols-file"):
			ctx.Args.RetainSymbolsFile = readSymbolList(ctx, arg)
		case readOpt("version-script"):
			ctx.Args.VersionScript = linker.ParseVersionScript(ctx, arg)
		case readOpt("wrap"):
			ctx.Args.Wrap[arg] = true
		case readOpt("exclude-libs"):
			for _, lib := range strings.Split(arg, ",") {
				ctx.Args.ExcludeLibs[lib] = true
			}
		case readOpt("u", "undefined"):
			ctx.Args.Undefined = append(ctx.Args.Undefined, arg)
		case readOpt("require-defined"):
			ctx.Args.RequireDefined = append(ctx.Args.RequireDefined, arg)
		case readOpt("y", "trace-symbol"):
			ctx.Args.TraceSymbol[arg] = true
		case readOpt("Map"):
			ctx.Args.Map = arg
		case readFlag("print-map"), readFlag("M"):
			ctx.Args.PrintMap = true
		case readOpt("chroot"):
			ctx.Args.Chroot = arg
		case readOpt("reproduce"):
			ctx.Args.Reproduce = arg
		case readOpt("unresolved-symbols"):
			unresolvedSet = true
			switch arg {
			case "report-all", "error":
				ctx.Args.UnresolvedSymbols = linker.UnresolvedError
			case "warn":
				ctx.Args.UnresolvedSymbols = linker.UnresolvedWarn
			case "ignore-all":
				ctx.Args.UnresolvedSymbols = linker.UnresolvedIgnoreAll
			case "ignore-in-object-files":
				ctx.Args.UnresolvedSymbols = linker.UnresolvedIgnoreInObj
			case "ignore-in-shared-libs":
				ctx.Args.UnresolvedSymbols = linker.UnresolvedIgnoreInDso
			default:
				fatalf("unknown --unresolved-symbols argument: %s", arg)
			}
		case readOpt("hash-style"):
			switch arg {
			case "sysv":
				ctx.Args.HashStyle = linker.HashSysv
			case "gnu":
				ctx.Args.HashStyle = linker.HashGnu
			case "both":
				ctx.Args.HashStyle = linker.HashSysv | linker.HashGnu
			default:
				fatalf("unknown --hash-style argument: %s", arg)
			}
		case readOpt("compress-debug-sections"):
			switch arg {
			case "none":
				ctx.Args.CompressDebugSections = linker.CompressNone
			case "zlib", "zlib-gabi":
				ctx.Args.CompressDebugSections = linker.CompressZlibGabi
			case "zlib-gnu":
				ctx.Args.CompressDebugSections = linker.CompressZlibGnu
			default:
				fatalf("unsupported --compress-debug-sections argument: %s", arg)
			}
		case readOpt("build-id"):
			ctx.Args.BuildId = parseBuildId(arg)
		case readFlag("build-id"):
			ctx.Args.BuildId = linker.BuildId{Kind: linker.BuildIdSha1}
		case readOpt("z"):
			parseZOption(ctx, arg)
		case args[0] == "-as-needed" || args[0] == "--as-needed":
			// order matters; kept inline for the file reader
			remaining = append(remaining, "--as-needed")
			args = args[1:]
		case args[0] == "-no-as-needed" || args[0] == "--no-as-needed":
			remaining = append(remaining, "--no-as-needed")
			args = args[1:]
		case readFlag("Bsymbolic"), readFlag("Bsymbolic-functions"),
			readFlag("no-undefined-version"), readFlag("color-diagnostics"),
			readFlag("start-group"), readFlag("end-group"),
			readFlag("nostdlib"), readFlag("allow-multiple-definition"):
			// recognized but ignorable
		case readOpt("O"), readOpt("plugin"), readOpt("plugin-opt"),
			readOpt("sysroot"), readOpt("thread-count"):
			// recognized but ignorable
		default:
			if strings.HasPrefix(args[0], "-") && !strings.HasPrefix(args[0], "-l") {
				fatalf("unknown command line option: %s", args[0])
			}
			remaining = append(remaining, args[0])
			args = args[1:]
		}
	}

	if ctx.Args.Shared && ctx.Args.Entry == "_start" {
		ctx.Args.Entry = ""
	}
	// Without -z defs, a shared object is allowed to have open references;
	// the loader resolves them.
	if ctx.Args.Shared && !ctx.Args.ZDefs && !unresolvedSet {
		ctx.Args.UnresolvedSymbols = linker.UnresolvedIgnoreAll
	}
	return remaining
}

func parseZOption(ctx *linker.Context, arg string) {
	switch arg {
	case "now":
		ctx.Args.ZNow = true
	case "lazy":
		ctx.Args.ZNow = false
	case "defs":
		ctx.Args.ZDefs = true
	case "nodelete":
		ctx.Args.ZNodelete = true
	case "relro":
		ctx.Args.ZRelro = true
	case "norelro":
		ctx.Args.ZRelro = false
	case "execstack":
		ctx.Args.ZExecstack = true
	case "noexecstack":
		ctx.Args.ZExecstack = false
	default:
		fmt.Fprintf(os.Stderr, "mold: warning: unknown -z argument: %s\n", arg)
	}
}

func parseBuildId(arg string) linker.BuildId {
	switch arg {
	case "none":
		return linker.BuildId{Kind: linker.BuildIdNone}
	case "md5":
		return linker.BuildId{Kind: linker.BuildIdMd5}
	case "sha1":
		return linker.BuildId{Kind: linker.BuildIdSha1}
	case "sha256":
		return linker.BuildId{Kind: linker.BuildIdSha256}
	case "uuid":
		return linker.BuildId{Kind: linker.BuildIdUuid}
	}
	if strings.HasPrefix(arg, "0x") || strings.HasPrefix(arg, "0X") {
		value, err := hex.DecodeString(arg[2:])
		if err != nil || len(value) == 0 {
			fatalf("invalid --build-id argument: %s", arg)
		}
		return linker.BuildId{Kind: linker.BuildIdHex, Value: value}
	}
	fatalf("invalid --build-id argument: %s", arg)
	return linker.BuildId{}
}

func readSymbolList(ctx *linker.Context, path string) map[string]bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("cannot read %s: %v", path, err)
	}
	set := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			set[line] = true
		}
	}
	return set
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "mold: "+format+"\n", args...)
	os.Exit(1)
}
