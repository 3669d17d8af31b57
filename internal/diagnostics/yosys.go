package diagnostics

import (
	"regexp"
	"strconv"
)

// Yosys parses yosys and nextpnr output, where severity is an ERROR: or
// Warning: prefix and the location, when present, is embedded in the text.
// Status comments from the icestorm tools are skipped.
type Yosys struct{}

var (
	yosysStatus   = regexp.MustCompile(`^//`)
	yosysTag      = regexp.MustCompile(`^(ERROR|Warning|WARNING):\s*(.*)$`)
	yosysInLine   = regexp.MustCompile(`^Parser error in line ([^\s:]+):(\d+):\s*(.*)$`)
	yosysEmbedded = regexp.MustCompile(`([\w./-]+\.(?:v|sv|vh|svh)):(\d+)`)
)

// Parse implements Parser.
func (Yosys) Parse(stderr string, names Resolver, failed bool) Diagnostics {
	var cands []candidate
	for _, l := range lines(stderr) {
		if yosysStatus.MatchString(l) {
			continue
		}

		// Newer releases print "file:line: ERROR: msg".
		if file, n, rest, ok := splitLocation(l); ok {
			if m := yosysTag.FindStringSubmatch(rest); m != nil {
				msg, _, _ := cleanMessage(m[2])
				cands = append(cands, candidate{typ: yosysType(m[1]), file: file, line: n, message: msg})
				continue
			}
		}

		m := yosysTag.FindStringSubmatch(l)
		if m == nil {
			cands = append(cands, candidate{typ: TypeError, message: l})
			continue
		}

		typ := yosysType(m[1])
		body := m[2]

		if pm := yosysInLine.FindStringSubmatch(body); pm != nil {
			n, _ := strconv.Atoi(pm[2])
			msg, _, _ := cleanMessage(pm[3])
			cands = append(cands, candidate{typ: typ, file: pm[1], line: n, message: msg})
			continue
		}

		c := candidate{typ: typ, message: capitalize(body)}
		if em := yosysEmbedded.FindStringSubmatch(body); em != nil {
			c.file = em[1]
			c.line, _ = strconv.Atoi(em[2])
		}
		cands = append(cands, c)
	}
	return assemble(cands, names, failed, driverNoise)
}

func yosysType(tag string) Type {
	if tag == "ERROR" {
		return TypeError
	}
	return TypeWarning
}
