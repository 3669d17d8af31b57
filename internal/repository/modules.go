package repository

import (
	"regexp"
)

var (
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	// module and macromodule declarations, including escaped identifiers.
	moduleDecl = regexp.MustCompile(`(?m)^\s*(?:macro)?module\s+(\\\S+|[A-Za-z_][A-Za-z0-9_$]*)`)
)

// ExtractModules returns the names of the modules declared in a verilog
// source, in declaration order and without duplicates.
func ExtractModules(source string) []string {
	source = blockComment.ReplaceAllStringFunc(source, keepNewlines)
	source = lineComment.ReplaceAllString(source, "")

	var modules []string
	seen := make(map[string]bool)
	for _, m := range moduleDecl.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			modules = append(modules, name)
		}
	}
	return modules
}

func keepNewlines(comment string) string {
	b := make([]byte, 0, 8)
	for i := 0; i < len(comment); i++ {
		if comment[i] == '\n' {
			b = append(b, '\n')
		}
	}
	return string(b)
}
