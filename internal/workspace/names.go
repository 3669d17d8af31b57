package workspace

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// FileRef identifies the repository entry a staged file came from.
type FileRef struct {
	EntryID string `json:"entry_id"`
	Title   string `json:"title"`
}

// NameMap maps staged names back to repository entries. It is built once per
// staging and never modified afterwards.
type NameMap struct {
	files     map[string]FileRef
	byEntry   map[string]string
	TopModule string
}

func newNameMap(topModule string) *NameMap {
	return &NameMap{
		files:     make(map[string]FileRef),
		byEntry:   make(map[string]string),
		TopModule: topModule,
	}
}

func (m *NameMap) add(staged string, ref FileRef) {
	m.files[staged] = ref
	if ref.EntryID != "" {
		m.byEntry[ref.EntryID] = staged
	}
}

// Resolve returns the entry for a staged name.
func (m *NameMap) Resolve(staged string) (FileRef, bool) {
	ref, ok := m.files[staged]
	return ref, ok
}

// Lookup returns the entry id for a staged name.
func (m *NameMap) Lookup(staged string) (string, bool) {
	ref, ok := m.files[staged]
	if !ok || ref.EntryID == "" {
		return "", false
	}
	return ref.EntryID, true
}

// StagedName returns the name an entry was staged under.
func (m *NameMap) StagedName(entryID string) (string, bool) {
	name, ok := m.byEntry[entryID]
	return name, ok
}

// StagedNames returns every staged name in sorted order.
func (m *NameMap) StagedNames() []string {
	out := make([]string, 0, len(m.files))
	for name := range m.files {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sanitize reduces a title to [A-Za-z0-9_.-], never starting with '-' or
// '.', keeping the extension.
func Sanitize(title string) string {
	title = path.Base(strings.ReplaceAll(title, "\\", "/"))

	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	name := strings.TrimLeft(b.String(), "-.")
	if name == "" {
		name = "file"
	}
	return name
}

// uniqueNamer hands out staged names, suffixing collisions with _1, _2, ...
type uniqueNamer struct {
	taken map[string]bool
}

func newUniqueNamer() *uniqueNamer {
	return &uniqueNamer{taken: make(map[string]bool)}
}

func (u *uniqueNamer) next(title string) string {
	name := Sanitize(title)
	if !u.taken[strings.ToLower(name)] {
		u.taken[strings.ToLower(name)] = true
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !u.taken[strings.ToLower(candidate)] {
			u.taken[strings.ToLower(candidate)] = true
			return candidate
		}
	}
}
