package checkpoint

import (
	"sort"

	"strata/store"
)

// DiffKind classifies one path's transition between two checkpoints.
type DiffKind string

const (
	DiffAdded    DiffKind = "added"
	DiffRemoved  DiffKind = "removed"
	DiffModified DiffKind = "modified"
)

// Change describes how one path differs between a from-checkpoint and a
// to-checkpoint. From* fields are zero for additions, To* fields for
// removals.
type Change struct {
	Path       string
	Kind       DiffKind
	FromDigest string
	ToDigest   string
	FromSize   int64
	ToSize     int64
}

// Diff compares two checkpoints' manifests and returns the changes that
// turn the from-tree into the to-tree, sorted by path. Swapping the
// arguments yields the exact inverse: added and removed trade places and
// the From/To fields swap.
func (s *Service) Diff(fromID, toID string) ([]Change, error) {
	fromFiles, err := s.Files(fromID)
	if err != nil {
		return nil, err
	}
	toFiles, err := s.Files(toID)
	if err != nil {
		return nil, err
	}

	from := make(map[string]store.FileEntry, len(fromFiles))
	for _, f := range fromFiles {
		from[f.Path] = f
	}
	to := make(map[string]store.FileEntry, len(toFiles))
	for _, f := range toFiles {
		to[f.Path] = f
	}

	paths := make(map[string]bool, len(from)+len(to))
	for p := range from {
		paths[p] = true
	}
	for p := range to {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var changes []Change
	for _, p := range sorted {
		f, inFrom := from[p]
		t, inTo := to[p]
		switch {
		case inFrom && !inTo:
			changes = append(changes, Change{
				Path: p, Kind: DiffRemoved,
				FromDigest: f.Digest, FromSize: f.Size,
			})
		case !inFrom && inTo:
			changes = append(changes, Change{
				Path: p, Kind: DiffAdded,
				ToDigest: t.Digest, ToSize: t.Size,
			})
		case f.Digest != t.Digest:
			changes = append(changes, Change{
				Path: p, Kind: DiffModified,
				FromDigest: f.Digest, ToDigest: t.Digest,
				FromSize: f.Size, ToSize: t.Size,
			})
		}
	}
	return changes, nil
}
