// Package diagnostics turns toolchain stderr into file and line addressed
// error and warning records.
package diagnostics

import (
	"encoding/json"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// Type is the severity of a record.
type Type string

const (
	TypeError   Type = "error"
	TypeWarning Type = "warning"
)

// FatalMessage is the record synthesized when a tool failed without saying why.
const FatalMessage = "fatal error occurred"

// giveUp is the icarus terminator line. It carries no diagnostic content.
const giveUp = "I give up."

// Record is one diagnostic. FileName is the staged name as printed by the
// tool and File the repository entry it was staged from; both are empty when
// the tool did not name a file or the name is unknown, and encode as null.
type Record struct {
	Message  string `json:"message"`
	Type     Type   `json:"type"`
	FileName string `json:"fileName"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// MarshalJSON always emits every key.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Message  string  `json:"message"`
		Type     Type    `json:"type"`
		FileName *string `json:"fileName"`
		File     *string `json:"file"`
		Line     int     `json:"line"`
	}{
		Message:  r.Message,
		Type:     r.Type,
		FileName: nullable(r.FileName),
		File:     nullable(r.File),
		Line:     r.Line,
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Diagnostics holds records in stderr order.
type Diagnostics struct {
	Errors   []Record `json:"errors"`
	Warnings []Record `json:"warnings"`
}

// HasErrors reports whether any error record was produced.
func (d *Diagnostics) HasErrors() bool {
	return len(d.Errors) > 0
}

// Resolver maps a staged file name back to the entry that produced it.
type Resolver interface {
	Lookup(staged string) (entryID string, ok bool)
}

// Parser parses one tool dialect. failed reports whether the invocation
// itself failed; a failed invocation always yields at least one error.
type Parser interface {
	Parse(stderr string, names Resolver, failed bool) Diagnostics
}

// ForJobKind selects the dialect for a job kind. strict only matters for
// validation, where it picks the tagged linter over the lenient compiler.
func ForJobKind(kind types.JobKind, strict bool) Parser {
	switch kind {
	case types.KindSynthesis, types.KindBitstream:
		return Yosys{}
	case types.KindCompilation:
		return GCC()
	case types.KindValidation:
		if strict {
			return Verilator{}
		}
		return Icarus()
	default:
		return Icarus()
	}
}

var locationPattern = regexp.MustCompile(`^([^\s:][^:]*):(\d+):(?:(\d+):)?\s*(.*)$`)

// candidate is a classified line before name resolution.
type candidate struct {
	typ     Type
	file    string
	line    int
	message string
}

// splitLocation extracts file:line[:col]: message. ok is false when the line
// has no location, in which case the caller keeps the raw text.
func splitLocation(s string) (file string, line int, message string, ok bool) {
	m := locationPattern.FindStringSubmatch(s)
	if m == nil {
		return "", 0, "", false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", false
	}
	return m[1], n, m[4], true
}

var severityTag = regexp.MustCompile(`(?i)^(fatal error|error|warning|sorry|note)\s*:\s*`)

// cleanMessage strips a leading severity tag and capitalizes the first letter.
func cleanMessage(msg string) (string, Type, bool) {
	msg = strings.TrimSpace(msg)
	tagged := false
	typ := TypeError
	if m := severityTag.FindStringSubmatch(msg); m != nil {
		tagged = true
		if strings.EqualFold(m[1], "warning") || strings.EqualFold(m[1], "note") {
			typ = TypeWarning
		}
		msg = msg[len(m[0]):]
	}
	return capitalize(msg), typ, tagged
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// assemble runs the shared pipeline: resolve names, split by severity, drop
// trailing driver noise, and synthesize a fatal record when needed.
func assemble(cands []candidate, names Resolver, failed bool, trailing []*regexp.Regexp) Diagnostics {
	out := Diagnostics{Errors: []Record{}, Warnings: []Record{}}

	for _, c := range cands {
		rec := Record{Message: c.message, Type: c.typ, Line: c.line}
		if c.file != "" {
			rec.FileName = path.Base(c.file)
			if names != nil {
				if id, ok := names.Lookup(rec.FileName); ok {
					rec.File = id
				}
			}
		}
		if rec.Type == TypeWarning {
			out.Warnings = append(out.Warnings, rec)
		} else {
			out.Errors = append(out.Errors, rec)
		}
	}

	for i := 0; i < 2 && len(out.Errors) > 0; i++ {
		last := out.Errors[len(out.Errors)-1]
		if last.FileName != "" || !matchesAny(trailing, last.Message) {
			break
		}
		out.Errors = out.Errors[:len(out.Errors)-1]
	}

	if failed && len(out.Errors) == 0 {
		out.Errors = append(out.Errors, Record{Message: FatalMessage, Type: TypeError})
	}

	return out
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// lines splits stderr and drops blanks and the terminator sentinel.
func lines(stderr string) []string {
	raw := strings.Split(strings.ReplaceAll(stderr, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" || strings.TrimSpace(l) == giveUp {
			continue
		}
		out = append(out, l)
	}
	return out
}

// driverNoise are the generic lines a wrapping make or shell adds after the
// real diagnostic.
var driverNoise = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^make(\[\d+\])?: \*\*\*`),
	regexp.MustCompile(`(?i)command failed`),
	regexp.MustCompile(`(?i)^exiting due to`),
	regexp.MustCompile(`(?i)^\d+ error\(s\) during elaboration\.?$`),
	regexp.MustCompile(`(?i)^elaboration failed`),
	regexp.MustCompile(`(?i)^compilation terminated\.?$`),
}
