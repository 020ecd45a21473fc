// Package ignore provides gitignore-style pattern matching used to keep
// reproducible artifacts and tool droppings out of checkpoints.
//
// Ignored paths are never captured in a snapshot and never touched by a
// restore: the engine treats them as scratch space owned by the workspace.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Pattern is a single compiled ignore rule.
type Pattern struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool // starts with /, matches from the tree root only
}

// Matcher evaluates an ordered list of ignore rules. Later rules win, so
// a negated rule can re-include a path an earlier rule excluded.
type Matcher struct {
	patterns []Pattern
}

// New returns an empty matcher.
func New() *Matcher {
	return &Matcher{}
}

// Compile builds a matcher from raw pattern lines.
func Compile(lines []string) *Matcher {
	m := New()
	m.AddAll(lines)
	return m
}

// Add compiles one pattern line into the matcher. Blank lines and
// #-comments are skipped.
func (m *Matcher) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := Pattern{}

	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}

	// A slash-free pattern matches its name at any depth.
	if !p.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}

	p.glob = line
	m.patterns = append(m.patterns, p)
}

// AddAll compiles many pattern lines in order.
func (m *Matcher) AddAll(lines []string) {
	for _, line := range lines {
		m.Add(line)
	}
}

// LoadFile reads pattern lines from a gitignore-style file. A missing
// file is not an error.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.Add(sc.Text())
	}
	return sc.Err()
}

// Match reports whether path should be ignored. The path must be relative
// to the tree root; isDir says whether it names a directory.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, p := range m.patterns {
		// A directory-only rule can still claim a file that lives
		// inside a matching directory.
		if p.dirOnly && !isDir {
			if matchParent(p.glob, path) {
				ignored = !p.negated
			}
			continue
		}
		if matchGlob(p.glob, path) {
			ignored = !p.negated
		}
	}
	return ignored
}

// matchParent reports whether any strict ancestor of path matches glob.
func matchParent(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	// "node_modules" should also claim "node_modules/left-pad/index.js".
	if !strings.HasSuffix(glob, "/**") {
		if ok, _ := doublestar.Match(glob+"/**", path); ok {
			return true
		}
	}
	return false
}

// Defaults returns the built-in exclusions: version-control internals,
// dependency caches, and build output that the workspace can regenerate.
// User source is deliberately not on this list.
func Defaults() []string {
	return []string{
		// Version control internals. The engine keeps its own git dir
		// outside the tree, but a .git pointer file can appear in the
		// worktree and users can nest repositories.
		".git",
		".strata",
		".svn/",
		".hg/",

		// OS and editor droppings.
		".DS_Store",
		"Thumbs.db",
		"*.swp",
		"*.swo",
		"*~",
		".idea/",
		".vscode/",

		// Dependency caches.
		"node_modules/",
		"__pycache__/",
		"*.pyc",
		".venv/",
		"venv/",
		".gradle/",
		".cargo/",

		// Build output.
		"dist/",
		"build/",
		"out/",
		"target/",
		".next/",
		".nuxt/",
		"coverage/",
		".cache/",

		// Runtime noise.
		"*.log",
		"tmp/",
		"*.tmp",
	}
}

// ForProject builds the effective matcher for a project tree rooted at dir:
// built-in defaults, then the tree's .gitignore and .strataignore if present,
// then any per-project extras from configuration. Later sources can negate
// earlier rules.
func ForProject(dir string, extra []string) (*Matcher, error) {
	m := Compile(Defaults())
	if err := m.LoadFile(filepath.Join(dir, ".gitignore")); err != nil {
		return nil, err
	}
	if err := m.LoadFile(filepath.Join(dir, ".strataignore")); err != nil {
		return nil, err
	}
	m.AddAll(extra)
	return m, nil
}
