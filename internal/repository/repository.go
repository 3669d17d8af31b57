// Package repository is a filesystem view of user repositories: each
// repository is a directory and each entry is a file addressed by its
// slash-separated path relative to that directory.
package repository

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/Cloud-V/Backend-sub002/internal/config"
	apperrors "github.com/Cloud-V/Backend-sub002/internal/errors"
)

const moduleCacheTTL = 10 * time.Minute

// Kind is the type of an entry, inferred from its extension.
type Kind string

const (
	KindVerilog   Kind = "verilog"
	KindTestbench Kind = "testbench"
	KindNetlist   Kind = "netlist"
	KindC         Kind = "c"
	KindAssembly  Kind = "assembly"
	KindLinker    Kind = "linker"
	KindPins      Kind = "pins"
	KindOther     Kind = "other"
)

// KindOf infers the entry kind from its name. Verilog testbenches are named
// *_tb.v or tb_*.v and synthesized netlists *_netlist.v.
func KindOf(name string) Kind {
	ext := strings.ToLower(path.Ext(name))
	stem := strings.ToLower(strings.TrimSuffix(path.Base(name), path.Ext(name)))
	switch ext {
	case ".v", ".sv", ".vh", ".svh":
		switch {
		case strings.HasSuffix(stem, "_tb") || strings.HasPrefix(stem, "tb_"):
			return KindTestbench
		case strings.HasSuffix(stem, "_netlist"):
			return KindNetlist
		}
		return KindVerilog
	case ".c", ".h":
		return KindC
	case ".s":
		return KindAssembly
	case ".ld":
		return KindLinker
	case ".pcf", ".json":
		return KindPins
	default:
		return KindOther
	}
}

// Entry is one file in a repository.
type Entry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Kind  Kind   `json:"kind"`
}

// Store opens repositories under the repos directory.
type Store struct {
	root    string
	modules *ttlcache.Cache[string, []string]
	logger  *logrus.Entry
}

// NewStore creates a new repository store
func NewStore(cfg *config.Config) *Store {
	return &Store{
		root:    cfg.ReposDirectory(),
		modules: ttlcache.New(ttlcache.WithTTL[string, []string](moduleCacheTTL), ttlcache.WithDisableTouchOnHit[string, []string]()),
		logger:  logrus.WithField("component", "repository"),
	}
}

// Start runs cache expiry until Stop is called.
func (s *Store) Start() {
	go s.modules.Start()
}

// Stop stops cache expiry.
func (s *Store) Stop() {
	s.modules.Stop()
}

// Open returns a handle on an existing repository.
func (s *Store) Open(repoID string) (*Repo, error) {
	if repoID == "" || strings.ContainsAny(repoID, `/\`) || repoID == "." || repoID == ".." {
		return nil, apperrors.NewNotFound("repository")
	}
	dir, err := securejoin.SecureJoin(s.root, repoID)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, apperrors.NewNotFound("repository")
	}
	return &Repo{ID: repoID, dir: dir, store: s}, nil
}

// Repo is one repository.
type Repo struct {
	ID    string
	dir   string
	store *Store
}

func (r *Repo) abs(entryID string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(entryID, `\`, "/"))
	if entryID == "" || clean == "/" {
		return "", apperrors.NewNotFound("entry")
	}
	return securejoin.SecureJoin(r.dir, clean)
}

// Entry returns the entry metadata.
func (r *Repo) Entry(_ context.Context, entryID string) (*Entry, error) {
	p, err := r.abs(entryID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return nil, apperrors.NewNotFound(fmt.Sprintf("entry %s", entryID))
	}
	return newEntry(entryID), nil
}

func newEntry(id string) *Entry {
	id = strings.TrimPrefix(path.Clean("/"+id), "/")
	return &Entry{ID: id, Title: path.Base(id), Kind: KindOf(id)}
}

// Content reads an entry.
func (r *Repo) Content(_ context.Context, entryID string) ([]byte, error) {
	p, err := r.abs(entryID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, apperrors.NewNotFound(fmt.Sprintf("entry %s", entryID))
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", entryID, err)
	}
	return data, nil
}

// Write creates or replaces an entry.
func (r *Repo) Write(_ context.Context, entryID string, data []byte) (*Entry, error) {
	p, err := r.abs(entryID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create entry directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return nil, fmt.Errorf("write entry %s: %w", entryID, err)
	}
	r.store.modules.Delete(r.cacheKey(entryID))

	r.store.logger.WithFields(logrus.Fields{
		"repo":  r.ID,
		"entry": entryID,
		"bytes": len(data),
	}).Debug("Entry written")

	return newEntry(entryID), nil
}

// Entries lists entries of the given kinds, or all entries when none are
// given, sorted by id.
func (r *Repo) Entries(_ context.Context, kinds ...Kind) ([]*Entry, error) {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var entries []*Entry
	err := filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != r.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.dir, p)
		if err != nil {
			return err
		}
		e := newEntry(filepath.ToSlash(rel))
		if len(want) == 0 || want[e.Kind] {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Modules returns the modules declared in a verilog entry. Results are
// cached per entry and invalidated by Write.
func (r *Repo) Modules(ctx context.Context, entryID string) ([]string, error) {
	key := r.cacheKey(entryID)
	if item := r.store.modules.Get(key); item != nil {
		return item.Value(), nil
	}

	data, err := r.Content(ctx, entryID)
	if err != nil {
		return nil, err
	}
	modules := ExtractModules(string(data))
	r.store.modules.Set(key, modules, ttlcache.DefaultTTL)
	return modules, nil
}

// ModuleExistsInFile reports whether entryID declares module name.
func (r *Repo) ModuleExistsInFile(ctx context.Context, entryID, name string) (bool, error) {
	modules, err := r.Modules(ctx, entryID)
	if err != nil {
		return false, err
	}
	for _, m := range modules {
		if m == name {
			return true, nil
		}
	}
	return false, nil
}

// FindModule returns the first verilog entry declaring name.
func (r *Repo) FindModule(ctx context.Context, name string) (*Entry, error) {
	entries, err := r.Entries(ctx, KindVerilog)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		ok, err := r.ModuleExistsInFile(ctx, e.ID, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return e, nil
		}
	}
	return nil, apperrors.NewNotFound(fmt.Sprintf("module %s", name))
}

func (r *Repo) cacheKey(entryID string) string {
	return r.ID + ":" + newEntry(entryID).ID
}
