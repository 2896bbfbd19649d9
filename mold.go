package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/wheatman/mold/pkg/linker"
)

func main() {
	ctx := linker.NewContext()
	if env.Bool("MOLD_DEBUG") {
		ctx.CmdLine = os.Args
	}

	remaining := parseArgs(ctx)

	// Without an explicit -m, the machine type comes from the first
	// recognizable object file on the command line.
	if ctx.Args.Emulation == linker.MachineNone {
		for _, filename := range remaining {
			if strings.HasPrefix(filename, "-") {
				continue
			}
			mf := linker.MustOpenFile(ctx, filename)
			if kind := linker.GetMachineKindFromContents(mf.Contents); kind != linker.MachineNone {
				ctx.Args.Emulation = kind
				break
			}
		}
	}
	ctx.Machine = linker.GetMachine(ctx.Args.Emulation)
	if ctx.Machine == nil {
		fmt.Fprintln(os.Stderr, "mold: unknown emulation type")
		os.Exit(1)
	}

	linker.ReadInputFiles(ctx, remaining)
	if len(ctx.Objs) == 0 {
		fmt.Fprintln(os.Stderr, "mold: no input files")
		os.Exit(1)
	}

	linker.Link(ctx)

	if ctx.Args.Stats {
		linker.PrintStats()
	}
	if ctx.Args.Perf {
		linker.PrintPerf()
	}

	linker.ReleaseAll(ctx)
}
