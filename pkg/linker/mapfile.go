package linker

import (
	"bufio"
	"fmt"
	"os"
	"text/tabwriter"
)

// PrintMap writes the --Map breakdown: each output chunk followed by its
// member input sections with addresses and sizes.
func PrintMap(ctx *Context) {
	t := NewTimer("print_map")
	defer t.Stop()

	out := os.Stdout
	if ctx.Args.Map != "" {
		f, err := os.Create(ctx.Args.Map)
		if err != nil {
			Fatal(ctx, "cannot open %s: %v", ctx.Args.Map, err)
		}
		defer f.Close()
		out = f
	}

	bw := bufio.NewWriter(out)
	defer bw.Flush()
	w := tabwriter.NewWriter(bw, 1, 8, 1, ' ', tabwriter.AlignRight)

	fmt.Fprintf(w, "Address\t Size\t Align\t Out\t In\t Symbols\n")
	for _, chunk := range ctx.Chunks {
		shdr := chunk.GetShdr()
		if chunk.IsHeader() {
			continue
		}
		fmt.Fprintf(w, "%x\t %x\t %d\t %s\t\t\n",
			shdr.Addr, shdr.Size, shdr.AddrAlign, chunk.GetName())

		osec, ok := chunk.(*OutputSection)
		if !ok {
			continue
		}
		for _, isec := range osec.Members {
			fmt.Fprintf(w, "%x\t %x\t %d\t\t %s:(%s)\t\n",
				isec.GetAddr(), isec.ShSize, uint64(1)<<isec.P2Align,
				isec.File.GetName(), isec.Name())
			for _, sym := range isec.File.Symbols {
				if sym != nil && sym.InputSection == isec && sym.Name != "" &&
					sym.File == InputFiler(isec.File) {
					fmt.Fprintf(w, "%x\t 0\t 0\t\t\t %s\n",
						sym.GetAddr(ctx), DisplayName(ctx, sym.Name))
				}
			}
		}
	}
	w.Flush()
}
