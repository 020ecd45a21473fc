// Package project manages per-project state: the on-disk layout, open
// handles with their services, and the exclusive lock serializing a
// project's mutations. Handles are cached with LRU eviction and an idle
// reaper; everything a handle owns reopens cleanly from disk.
package project

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"strata/checkpoint"
	"strata/config"
	"strata/errs"
	"strata/filetree"
	"strata/gitbridge"
	"strata/gitsync"
	"strata/ignore"
	"strata/store"
)

// Handle is one open project: its store, working tree, and services.
// The embedded lock is the project's exclusive lock: writers are
// checkpoint create/restore, stage, commit, addRemote, and the sync
// worker for push/pull/clone; readers are status, history, and diff.
type Handle struct {
	ID          string
	Dir         string
	DB          *store.DB
	Tree        *filetree.DirStore
	Bridge      *gitbridge.Bridge
	Checkpoints *checkpoint.Service
	Sync        *gitsync.Slot

	lock     sync.RWMutex
	lastUsed time.Time
	active   int
	mu       sync.Mutex    // guards lastUsed and active
	element  *list.Element // position in the registry LRU
}

// Lock acquires the project's exclusive lock.
func (h *Handle) Lock() { h.lock.Lock() }

// Unlock releases the project's exclusive lock.
func (h *Handle) Unlock() { h.lock.Unlock() }

// RLock acquires the shared read view.
func (h *Handle) RLock() { h.lock.RLock() }

// RUnlock releases the shared read view.
func (h *Handle) RUnlock() { h.lock.RUnlock() }

// Locker exposes the exclusive lock for the sync coordinator.
func (h *Handle) Locker() sync.Locker { return &h.lock }

// Registry manages project handles with LRU caching.
type Registry struct {
	cfg  *config.Config
	mu   sync.RWMutex
	open map[string]*Handle
	lru  *list.List // of project IDs
	stop chan struct{}
}

// NewRegistry creates a registry over cfg.DataDir and starts the idle
// reaper.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		cfg:  cfg,
		open: make(map[string]*Handle),
		lru:  list.New(),
		stop: make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// ValidateID accepts 1-63 character slugs of lowercase letters, digits,
// and -_. with alphanumeric edges.
func ValidateID(id string) error {
	if len(id) < 1 || len(id) > 63 {
		return errs.New(errs.Validation, "project id must be 1-63 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		alnum := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if alnum {
			continue
		}
		if (c == '-' || c == '_' || c == '.') && i != 0 && i != len(id)-1 {
			continue
		}
		return errs.Newf(errs.Validation, "project id contains invalid character %q", c)
	}
	return nil
}

func (r *Registry) projectDir(id string) string {
	return filepath.Join(r.cfg.DataDir, "projects", id)
}

// Get returns a handle to the project, opening it if needed. NotFound
// when the project was never created.
func (r *Registry) Get(id string) (*Handle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	h, ok := r.open[id]
	r.mu.RUnlock()
	if ok {
		r.touch(h)
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.open[id]; ok {
		r.touchLocked(h)
		return h, nil
	}

	dir := r.projectDir(id)
	if _, err := os.Stat(filepath.Join(dir, "history.db")); os.IsNotExist(err) {
		return nil, errs.Newf(errs.NotFound, "project %s not found", id)
	}
	return r.openLocked(id, dir)
}

// Create provisions a new project: its directory layout, store, and an
// open handle. An existing project is a State error.
func (r *Registry) Create(id string) (*Handle, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := r.projectDir(id)
	if _, err := os.Stat(filepath.Join(dir, "history.db")); err == nil {
		return nil, errs.Newf(errs.State, "project %s already exists", id)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tree"), 0o755); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create project directory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[id]; ok {
		return nil, errs.Newf(errs.State, "project %s already exists", id)
	}
	return r.openLocked(id, dir)
}

// Exists reports whether the project has been created.
func (r *Registry) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(r.projectDir(id), "history.db"))
	return err == nil
}

// List returns the IDs of all created projects, sorted.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.cfg.DataDir, "projects"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list projects")
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.cfg.DataDir, "projects", e.Name(), "history.db")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete closes the project if open and moves its directory aside.
func (r *Registry) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.open[id]; ok {
		r.closeLocked(h)
	}

	dir := r.projectDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return errs.Newf(errs.NotFound, "project %s not found", id)
	}
	deleted := fmt.Sprintf("%s.deleted.%d", dir, time.Now().Unix())
	if err := os.Rename(dir, deleted); err != nil {
		return errs.Wrap(errs.Internal, err, "delete project")
	}
	return nil
}

// Acquire pins the handle against eviction while a request runs.
func (r *Registry) Acquire(h *Handle) {
	h.mu.Lock()
	h.active++
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Release unpins the handle.
func (r *Registry) Release(h *Handle) {
	h.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Close shuts down the registry and every open handle.
func (r *Registry) Close() error {
	close(r.stop)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.open {
		r.closeLocked(h)
	}
	return nil
}

// openLocked opens a project handle (registry write lock held).
func (r *Registry) openLocked(id, dir string) (*Handle, error) {
	maxOpen := r.cfg.MaxOpenProjects
	if maxOpen <= 0 {
		maxOpen = 256
	}
	for len(r.open) >= maxOpen {
		if !r.evictOneLocked() {
			break // every handle is pinned
		}
	}

	treeDir := filepath.Join(dir, "tree")
	if err := os.MkdirAll(treeDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create tree directory")
	}
	matcher, err := ignore.ForProject(treeDir, r.cfg.IgnoreExtras)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load ignore rules")
	}
	tree, err := filetree.NewDirStore(treeDir, matcher)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(dir)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open history store")
	}

	h := &Handle{
		ID:          id,
		Dir:         dir,
		DB:          db,
		Tree:        tree,
		Bridge:      gitbridge.New(filepath.Join(dir, "git"), treeDir, tree, gitbridge.Options{DefaultBranch: r.cfg.DefaultBranch}),
		Checkpoints: checkpoint.New(db, tree, r.cfg.MaxFileBytes),
		Sync:        &gitsync.Slot{},
		lastUsed:    time.Now(),
	}
	h.element = r.lru.PushFront(id)
	r.open[id] = h
	return h, nil
}

// closeLocked closes a handle (registry write lock held).
func (r *Registry) closeLocked(h *Handle) {
	if h.DB != nil {
		h.DB.Close()
	}
	if h.element != nil {
		r.lru.Remove(h.element)
	}
	delete(r.open, h.ID)
}

func (r *Registry) touch(h *Handle) {
	r.mu.Lock()
	r.touchLocked(h)
	r.mu.Unlock()
}

func (r *Registry) touchLocked(h *Handle) {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
	if h.element != nil {
		r.lru.MoveToFront(h.element)
	}
}

// evictOneLocked closes the least recently used unpinned handle.
func (r *Registry) evictOneLocked() bool {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		h := r.open[e.Value.(string)]
		h.mu.Lock()
		idle := h.active == 0
		h.mu.Unlock()
		if idle {
			r.closeLocked(h)
			return true
		}
	}
	return false
}

func (r *Registry) reapLoop() {
	ttl := r.cfg.ProjectIdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapIdle(ttl)
		}
	}
}

// reapIdle closes handles idle longer than ttl.
func (r *Registry) reapIdle(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for e := r.lru.Back(); e != nil; {
		h := r.open[e.Value.(string)]
		h.mu.Lock()
		idle := h.active == 0 && h.lastUsed.Before(cutoff)
		h.mu.Unlock()

		prev := e.Prev()
		if idle {
			r.closeLocked(h)
		}
		e = prev
	}
}
