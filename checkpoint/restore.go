package checkpoint

import (
	"strata/errs"
	"strata/store"
)

// Restore rewrites the working tree to match the target checkpoint and
// moves head to it.
//
// Unless force is set, the restore refuses to run while the working tree
// has drifted from head; the conflict error lists the dirty paths and
// nothing is touched. The tree swap itself is all-or-nothing: a mid-apply
// failure rolls the tree back and leaves head where it was.
func (s *Service) Restore(id string, force bool) (*store.Checkpoint, error) {
	target, err := s.db.GetCheckpoint(id)
	if err != nil {
		return nil, mapStoreErr(err, "load restore target")
	}

	if !force {
		dirty, err := s.DirtyPaths()
		if err != nil {
			return nil, err
		}
		if len(dirty) > 0 {
			return nil, errs.New(errs.Conflict, "working tree has changes since the last checkpoint").
				WithPaths(dirty...)
		}
	}

	tree, err := s.Materialize(id)
	if err != nil {
		return nil, err
	}
	if err := s.tree.SwapTree(tree); err != nil {
		return nil, err
	}

	if err := s.db.SetRef(HeadRef, id); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "move head after restore")
	}
	return target, nil
}
