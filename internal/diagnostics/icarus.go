package diagnostics

import "regexp"

// LineParser handles the plain file:line: message dialect shared by icarus
// verilog and gcc. Lines without a location are kept verbatim.
type LineParser struct {
	noise []*regexp.Regexp
}

// Icarus parses iverilog and vvp output. vvp reports dump files it opens
// on stderr even on success.
func Icarus() LineParser {
	return LineParser{noise: []*regexp.Regexp{
		regexp.MustCompile(`^VCD (info|warning):`),
	}}
}

// GCC parses cross-compiler output, dropping the source excerpts and
// include/function context lines gcc prints around each diagnostic.
func GCC() LineParser {
	return LineParser{noise: []*regexp.Regexp{
		regexp.MustCompile(`^\s*\d*\s*\|`),
		regexp.MustCompile(`^\s*\^`),
		regexp.MustCompile(`: In (function|member function|instantiation|constructor)`),
		regexp.MustCompile(`^(In file included from|\s+from )`),
		regexp.MustCompile(`^[^:\s]+:\d+:(\d+:)?\s*note:`),
		regexp.MustCompile(`^[^:\s]+: At top level:`),
	}}
}

// Parse implements Parser.
func (p LineParser) Parse(stderr string, names Resolver, failed bool) Diagnostics {
	var cands []candidate
	for _, l := range lines(stderr) {
		if matchesAny(p.noise, l) {
			continue
		}

		if file, n, rest, ok := splitLocation(l); ok {
			msg, typ, _ := cleanMessage(rest)
			cands = append(cands, candidate{typ: typ, file: file, line: n, message: msg})
			continue
		}

		_, typ, _ := cleanMessage(l)
		cands = append(cands, candidate{typ: typ, message: l})
	}
	return assemble(cands, names, failed, driverNoise)
}
