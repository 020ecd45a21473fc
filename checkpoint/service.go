// Package checkpoint implements a project's snapshot history: capturing
// immutable checkpoints of the working tree, walking their lineage,
// diffing them, and restoring the tree to any of them.
//
// Checkpoints form a tree rooted at the single parentless checkpoint. The
// "head" ref tracks the live one: the checkpoint the working tree was last
// captured at or restored to. Creating always advances head; restoring
// moves it to the restore target.
package checkpoint

import (
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"strata/errs"
	"strata/filetree"
	"strata/pack"
	"strata/store"
)

// HeadRef names the ref that tracks the live checkpoint.
const HeadRef = "head"

// maxLabelLen bounds checkpoint labels.
const maxLabelLen = 512

// Service exposes the checkpoint operations for one project. Callers
// serialize mutating operations through the project lock; the service
// itself does not lock.
type Service struct {
	db           *store.DB
	tree         filetree.Store
	maxFileBytes int64
}

// New builds a service over the project's store and working tree.
// maxFileBytes of 0 disables the per-file size cap.
func New(db *store.DB, tree filetree.Store, maxFileBytes int64) *Service {
	return &Service{db: db, tree: tree, maxFileBytes: maxFileBytes}
}

// Create captures the working tree as a new checkpoint and advances head
// to it. An empty parentID selects the current head; on an empty store it
// creates the root. A non-empty parentID pins an explicit ancestor, which
// must exist.
func (s *Service) Create(label, actor, parentID string) (*store.Checkpoint, error) {
	label = strings.TrimSpace(label)
	if len(label) > maxLabelLen {
		return nil, errs.Newf(errs.Validation, "label exceeds %d bytes", maxLabelLen)
	}

	parent, err := s.resolveParent(parentID)
	if err != nil {
		return nil, err
	}

	work, err := s.tree.ReadTree()
	if err != nil {
		return nil, err
	}

	files := make([]store.FileEntry, 0, len(work))
	objects := make([]pack.Object, 0, len(work))
	var total int64
	for _, path := range work.Paths() {
		content := work[path]
		if s.maxFileBytes > 0 && int64(len(content)) > s.maxFileBytes {
			return nil, errs.Newf(errs.Validation, "file %s exceeds the %d byte limit", path, s.maxFileBytes).WithPaths(path)
		}
		dg := pack.Digest(content)
		files = append(files, store.FileEntry{Path: path, Digest: dg, Size: int64(len(content))})
		objects = append(objects, pack.Object{Digest: dg, Content: content})
		total += int64(len(content))
	}

	cp := &store.Checkpoint{
		ID:         uuid.NewString(),
		ParentID:   parent,
		Label:      label,
		Actor:      actor,
		CreatedMs:  store.NowMs(),
		FileCount:  int64(len(files)),
		TotalBytes: total,
	}
	if err := s.db.PutCheckpoint(cp, files, objects, HeadRef); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "record checkpoint")
	}
	return cp, nil
}

// resolveParent picks the parent for a new checkpoint. Only the first
// checkpoint of a project may be parentless.
func (s *Service) resolveParent(parentID string) (string, error) {
	if parentID != "" {
		if _, err := s.db.GetCheckpoint(parentID); err != nil {
			if errors.Is(err, store.ErrCheckpointNotFound) {
				return "", errs.Wrapf(errs.Validation, err, "parent checkpoint %s does not exist", parentID)
			}
			return "", errs.Wrap(errs.Internal, err, "resolve parent")
		}
		return parentID, nil
	}

	head, err := s.db.GetRef(HeadRef)
	if err == nil {
		return head, nil
	}
	if !errors.Is(err, store.ErrRefNotFound) {
		return "", errs.Wrap(errs.Internal, err, "resolve head")
	}

	hasRoot, err := s.db.HasRoot()
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "check for root checkpoint")
	}
	if hasRoot {
		return "", errs.New(errs.Validation, "project already has a root checkpoint")
	}
	return "", nil
}

// Get loads one checkpoint's metadata.
func (s *Service) Get(id string) (*store.Checkpoint, error) {
	cp, err := s.db.GetCheckpoint(id)
	if err != nil {
		return nil, mapStoreErr(err, "load checkpoint")
	}
	return cp, nil
}

// Head returns the live checkpoint id, or "" for a project with no
// checkpoints yet.
func (s *Service) Head() (string, error) {
	head, err := s.db.GetRef(HeadRef)
	if errors.Is(err, store.ErrRefNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "load head")
	}
	return head, nil
}

// History walks the parent chain starting at fromID (head when empty),
// newest first. limit > 0 caps the walk. The walk is iterative and
// refuses graphs with cycles, which only a corrupted store can produce.
func (s *Service) History(fromID string, limit int) ([]*store.Checkpoint, error) {
	cur := fromID
	if cur == "" {
		head, err := s.Head()
		if err != nil {
			return nil, err
		}
		if head == "" {
			return []*store.Checkpoint{}, nil
		}
		cur = head
	}

	var out []*store.Checkpoint
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			return nil, errs.Newf(errs.Internal, "checkpoint graph has a cycle at %s", cur)
		}
		seen[cur] = true

		cp, err := s.db.GetCheckpoint(cur)
		if err != nil {
			return nil, mapStoreErr(err, "walk history")
		}
		out = append(out, cp)
		if limit > 0 && len(out) >= limit {
			break
		}
		cur = cp.ParentID
	}
	return out, nil
}

// Files returns a checkpoint's manifest in path order.
func (s *Service) Files(id string) ([]store.FileEntry, error) {
	files, err := s.db.GetFiles(id)
	if err != nil {
		return nil, mapStoreErr(err, "load manifest")
	}
	return files, nil
}

// FileContent returns one file's content as captured by a checkpoint.
func (s *Service) FileContent(id, path string) ([]byte, error) {
	if err := filetree.ValidatePath(path); err != nil {
		return nil, err
	}
	f, err := s.db.GetFile(id, path)
	if err != nil {
		return nil, mapStoreErr(err, "load manifest row")
	}
	content, err := s.db.ReadObject(f.Digest)
	if err != nil {
		return nil, mapStoreErr(err, "read content")
	}
	return content, nil
}

// Materialize reconstructs a checkpoint's full tree from the store.
func (s *Service) Materialize(id string) (filetree.Tree, error) {
	files, err := s.Files(id)
	if err != nil {
		return nil, err
	}

	digests := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if !seen[f.Digest] {
			seen[f.Digest] = true
			digests = append(digests, f.Digest)
		}
	}
	contents, err := s.db.ReadObjects(digests)
	if err != nil {
		return nil, mapStoreErr(err, "read checkpoint content")
	}

	tree := make(filetree.Tree, len(files))
	for _, f := range files {
		tree[f.Path] = contents[f.Digest]
	}
	return tree, nil
}

// DirtyPaths lists paths whose working-tree state differs from the head
// checkpoint, sorted. On a project with no checkpoints every tracked file
// counts as dirty.
func (s *Service) DirtyPaths() ([]string, error) {
	head, err := s.Head()
	if err != nil {
		return nil, err
	}

	work, err := s.tree.ReadTree()
	if err != nil {
		return nil, err
	}

	base := make(map[string]store.FileEntry)
	if head != "" {
		files, err := s.Files(head)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			base[f.Path] = f
		}
	}

	set := make(map[string]bool)
	for path, content := range work {
		e, ok := base[path]
		if !ok || e.Digest != pack.Digest(content) {
			set[path] = true
		}
	}
	for path := range base {
		if _, ok := work[path]; !ok {
			set[path] = true
		}
	}

	dirty := make([]string, 0, len(set))
	for path := range set {
		dirty = append(dirty, path)
	}
	sort.Strings(dirty)
	return dirty, nil
}

func mapStoreErr(err error, msg string) error {
	switch {
	case errors.Is(err, store.ErrCheckpointNotFound),
		errors.Is(err, store.ErrFileNotFound):
		return errs.Wrap(errs.NotFound, err, msg)
	default:
		return errs.Wrap(errs.Internal, err, msg)
	}
}
