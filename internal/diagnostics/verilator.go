package diagnostics

import (
	"regexp"
	"strings"
)

// Verilator parses the tagged %Error-CODE: / %Warning-CODE: dialect.
type Verilator struct{}

var (
	verilatorTag = regexp.MustCompile(`^%(Error|Warning)(?:-([A-Za-z0-9_]+))?:\s*(.*)$`)

	// Context verilator prints under a tagged line: source excerpts, instance
	// paths and the suppression hint.
	verilatorContext = []*regexp.Regexp{
		regexp.MustCompile(`^\s*\d*\s*\|`),
		regexp.MustCompile(`^\s*:\s*(\^|\.\.\.)`),
		regexp.MustCompile(`^\s+\.\.\.`),
	}
)

// silenceHint reports the "how to disable this message" boilerplate, which is
// never surfaced even when verilator prints it on a tagged line.
func silenceHint(l string) bool {
	return (strings.Contains(l, "lint_off") && strings.Contains(l, "disable this message")) ||
		strings.Contains(l, "For warning description see")
}

// Parse implements Parser.
func (Verilator) Parse(stderr string, names Resolver, failed bool) Diagnostics {
	var cands []candidate
	for _, l := range lines(stderr) {
		if silenceHint(l) || matchesAny(verilatorContext, l) {
			continue
		}

		m := verilatorTag.FindStringSubmatch(l)
		if m == nil {
			cands = append(cands, candidate{typ: TypeError, message: l})
			continue
		}

		typ := TypeError
		if m[1] == "Warning" {
			typ = TypeWarning
		}

		rest := m[3]
		if file, n, msg, ok := splitLocation(rest); ok {
			msg, _, _ = cleanMessage(msg)
			cands = append(cands, candidate{typ: typ, file: file, line: n, message: msg})
			continue
		}
		cands = append(cands, candidate{typ: typ, message: rest})
	}
	return assemble(cands, names, failed, driverNoise)
}
