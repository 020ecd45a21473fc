// Package filetree adapts the engine to a project's working tree.
//
// The engine models a tree as a flat map from slash-separated relative
// paths to file contents. Directories are implicit: they exist exactly
// while a file lives under them. A nil content in a write set means
// "delete this path".
package filetree

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"strata/errs"
	"strata/ignore"
)

// Tree is a point-in-time capture of a project's files.
type Tree map[string][]byte

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for p, c := range t {
		dup := make([]byte, len(c))
		copy(dup, c)
		out[p] = dup
	}
	return out
}

// Paths returns the tree's paths in lexicographic order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Store reads and mutates one project's working tree.
type Store interface {
	// ReadTree captures every non-ignored regular file under the root.
	ReadTree() (Tree, error)
	// WriteTree applies a sparse write set: non-nil contents are written,
	// nil contents are deleted. Missing parents are created, emptied
	// parents are pruned.
	WriteTree(files map[string][]byte) error
	// SwapTree replaces the entire tracked tree with next. Ignored paths
	// are left alone. The swap is all-or-nothing: if any write fails the
	// pre-swap tree is put back before the error is returned.
	SwapTree(next Tree) error
}

// ValidatePath rejects paths that could escape the tree root or collide
// with platform path semantics.
func ValidatePath(path string) error {
	switch {
	case path == "":
		return errs.New(errs.Validation, "path is empty")
	case strings.HasPrefix(path, "/"):
		return errs.Newf(errs.Validation, "path %q is absolute", path)
	case strings.Contains(path, "\\"):
		return errs.Newf(errs.Validation, "path %q contains a backslash", path)
	case strings.Contains(path, "\x00"):
		return errs.Newf(errs.Validation, "path %q contains a NUL byte", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return errs.Newf(errs.Validation, "path %q has an empty segment", path)
		}
		if seg == "." || seg == ".." {
			return errs.Newf(errs.Validation, "path %q traverses directories", path)
		}
	}
	return nil
}

// DirStore is the on-disk Store used in production. It owns the directory
// at root and consults the matcher to decide what the engine tracks.
type DirStore struct {
	root    string
	matcher *ignore.Matcher
}

// NewDirStore returns a store rooted at root, creating the directory if
// needed. A nil matcher tracks everything.
func NewDirStore(root string, m *ignore.Matcher) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrapf(errs.Internal, err, "create tree root %s", root)
	}
	if m == nil {
		m = ignore.New()
	}
	return &DirStore{root: root, matcher: m}, nil
}

// Root returns the absolute directory the store operates on.
func (s *DirStore) Root() string { return s.root }

// ReadTree walks the root and captures regular, non-ignored files.
// Symlinks and other irregular entries are skipped: workspace runtimes
// create them and they are not content the engine versions.
func (s *DirStore) ReadTree() (Tree, error) {
	tree := make(Tree)
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.matcher.Match(rel, false) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[rel] = content
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read tree")
	}
	return tree, nil
}

// WriteTree applies the write set in path order: deterministic on disk
// and in error messages.
func (s *DirStore) WriteTree(files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		if err := ValidatePath(p); err != nil {
			return err
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if files[p] == nil {
			if err := s.remove(p); err != nil {
				return err
			}
			continue
		}
		if err := s.write(p, files[p]); err != nil {
			return err
		}
	}
	return nil
}

// SwapTree computes the difference between the current tracked tree and
// next, applies it, and rolls the tree back if anything fails mid-apply.
func (s *DirStore) SwapTree(next Tree) error {
	for p := range next {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	prev, err := s.ReadTree()
	if err != nil {
		return err
	}

	apply := func(target Tree) error {
		// Writes first so rollback never observes a half-emptied tree,
		// then deletions of paths the target no longer has.
		for _, p := range target.Paths() {
			if err := s.write(p, target[p]); err != nil {
				return err
			}
		}
		for _, p := range prevOnly(prev, target) {
			if err := s.remove(p); err != nil {
				return err
			}
		}
		return nil
	}

	if err := apply(next); err != nil {
		if rbErr := apply(prev); rbErr != nil {
			return errs.Wrapf(errs.Internal, err, "swap tree failed and rollback failed (%v)", rbErr)
		}
		return errs.Wrap(errs.Internal, err, "swap tree")
	}
	return nil
}

// prevOnly lists paths present in prev but absent from target, sorted.
func prevOnly(prev, target Tree) []string {
	var extra []string
	for p := range prev {
		if _, ok := target[p]; !ok {
			extra = append(extra, p)
		}
	}
	sort.Strings(extra)
	return extra
}

func (s *DirStore) write(path string, content []byte) error {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrapf(errs.Internal, err, "create parent of %s", path)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return errs.Wrapf(errs.Internal, err, "write %s", path)
	}
	return nil
}

func (s *DirStore) remove(path string) error {
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errs.Wrapf(errs.Internal, err, "remove %s", path)
	}
	s.pruneEmptyParents(filepath.Dir(full))
	return nil
}

// pruneEmptyParents removes now-empty directories up to, but never
// including, the root.
func (s *DirStore) pruneEmptyParents(dir string) {
	for {
		rel, err := filepath.Rel(s.root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// MemStore is an in-memory Store for tests. WriteTree and SwapTree can be
// made to fail on a chosen path to exercise rollback behavior.
type MemStore struct {
	Files Tree

	failPath string
	failErr  error
}

// NewMemStore returns a store seeded with the given tree.
func NewMemStore(seed Tree) *MemStore {
	if seed == nil {
		seed = make(Tree)
	}
	return &MemStore{Files: seed.Clone()}
}

// FailOn arranges for the next writes touching path to return err.
func (s *MemStore) FailOn(path string, err error) {
	s.failPath, s.failErr = path, err
}

func (s *MemStore) ReadTree() (Tree, error) {
	return s.Files.Clone(), nil
}

func (s *MemStore) WriteTree(files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		if err := ValidatePath(p); err != nil {
			return err
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if p == s.failPath && s.failErr != nil {
			return errs.Wrapf(errs.Internal, s.failErr, "write %s", p)
		}
		if files[p] == nil {
			delete(s.Files, p)
			continue
		}
		s.Files[p] = append([]byte(nil), files[p]...)
	}
	return nil
}

func (s *MemStore) SwapTree(next Tree) error {
	for p := range next {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	prev := s.Files.Clone()
	for _, p := range next.Paths() {
		if p == s.failPath && s.failErr != nil {
			s.Files = prev
			return errs.Wrapf(errs.Internal, s.failErr, "swap tree: write %s", p)
		}
		s.Files[p] = append([]byte(nil), next[p]...)
	}
	for _, p := range prevOnly(prev, next) {
		delete(s.Files, p)
	}
	return nil
}
