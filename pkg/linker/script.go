package linker

import (
	"strings"
)

// Minimal linker-script support: enough to follow the GROUP/INPUT wrappers
// that libc.so and libgcc ship as, plus OUTPUT_FORMAT and SEARCH_DIR.

func tokenizeScript(ctx *Context, path string, input string) []string {
	var tokens []string
	for len(input) > 0 {
		switch {
		case input[0] == ' ' || input[0] == '\t' || input[0] == '\n' || input[0] == '\r':
			input = input[1:]
		case strings.HasPrefix(input, "/*"):
			end := strings.Index(input[2:], "*/")
			if end < 0 {
				Fatal(ctx, "%s: unclosed comment", path)
			}
			input = input[2+end+2:]
		case input[0] == '#':
			if i := strings.IndexByte(input, '\n'); i >= 0 {
				input = input[i:]
			} else {
				input = ""
			}
		case input[0] == '"':
			end := strings.IndexByte(input[1:], '"')
			if end < 0 {
				Fatal(ctx, "%s: unclosed string literal", path)
			}
			tokens = append(tokens, input[1:1+end])
			input = input[end+2:]
		case input[0] == '(' || input[0] == ')' || input[0] == ',' ||
			input[0] == '{' || input[0] == '}' || input[0] == ';':
			tokens = append(tokens, input[:1])
			input = input[1:]
		default:
			i := strings.IndexAny(input, " \t\n\r(){},;")
			if i < 0 {
				i = len(input)
			}
			tokens = append(tokens, input[:i])
			input = input[i:]
		}
	}
	return tokens
}

func scriptExpect(ctx *Context, path string, tokens []string, tok string) []string {
	if len(tokens) == 0 || tokens[0] != tok {
		Fatal(ctx, "%s: expected '%s' in linker script", path, tok)
	}
	return tokens[1:]
}

// ParseLinkerScript interprets a text input file. Member paths are fed back
// through ReadFile, honoring AS_NEEDED brackets.
func ParseLinkerScript(ctx *Context, mf *MappedFile, asNeeded bool) {
	tokens := tokenizeScript(ctx, mf.Name, string(mf.Contents))

	readGroup := func(tokens []string) []string {
		tokens = scriptExpect(ctx, mf.Name, tokens, "(")
		needed := asNeeded
		for len(tokens) > 0 && tokens[0] != ")" {
			switch tokens[0] {
			case "AS_NEEDED":
				tokens = scriptExpect(ctx, mf.Name, tokens[1:], "(")
				for len(tokens) > 0 && tokens[0] != ")" {
					readScriptPath(ctx, tokens[0], true)
					tokens = tokens[1:]
				}
				tokens = scriptExpect(ctx, mf.Name, tokens, ")")
			case ",":
				tokens = tokens[1:]
			default:
				readScriptPath(ctx, tokens[0], needed)
				tokens = tokens[1:]
			}
		}
		return scriptExpect(ctx, mf.Name, tokens, ")")
	}

	for len(tokens) > 0 {
		switch tokens[0] {
		case "GROUP", "INPUT":
			tokens = readGroup(tokens[1:])
		case "OUTPUT_FORMAT":
			tokens = scriptExpect(ctx, mf.Name, tokens[1:], "(")
			for len(tokens) > 0 && tokens[0] != ")" {
				tokens = tokens[1:]
			}
			tokens = scriptExpect(ctx, mf.Name, tokens, ")")
		case "SEARCH_DIR":
			tokens = scriptExpect(ctx, mf.Name, tokens[1:], "(")
			if len(tokens) > 0 && tokens[0] != ")" {
				ctx.Args.LibraryPaths = append(ctx.Args.LibraryPaths, tokens[0])
				tokens = tokens[1:]
			}
			tokens = scriptExpect(ctx, mf.Name, tokens, ")")
		case "VERSION":
			Fatal(ctx, "%s: VERSION command is not supported in input scripts", mf.Name)
		case ";":
			tokens = tokens[1:]
		default:
			Fatal(ctx, "%s: unknown linker script command: %s", mf.Name, tokens[0])
		}
	}
}

func readScriptPath(ctx *Context, tok string, asNeeded bool) {
	if name, ok := strings.CutPrefix(tok, "-l"); ok {
		ReadFile(ctx, MustFindLibrary(ctx, name), asNeeded)
		return
	}
	mf := OpenFile(ctx, tok)
	if mf == nil {
		// A bare name in a script is also searched in the library paths.
		for _, dir := range ctx.Args.LibraryPaths {
			if mf = OpenFile(ctx, dir+"/"+tok); mf != nil {
				break
			}
		}
	}
	if mf == nil {
		Fatal(ctx, "%s: cannot open", tok)
	}
	ReadFile(ctx, mf, asNeeded)
}
