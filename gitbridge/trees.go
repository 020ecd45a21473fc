package gitbridge

import (
	"errors"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"strata/changeset"
	"strata/errs"
	"strata/filetree"
)

// HeadTree materializes the tree of the current HEAD commit. Before the
// first commit it is empty.
func (b *Bridge) HeadTree() (filetree.Tree, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return filetree.Tree{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "resolve HEAD")
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load HEAD commit")
	}
	return CommitTree(commit)
}

// CommitTree materializes the file tree of an arbitrary commit.
func CommitTree(commit *object.Commit) (filetree.Tree, error) {
	t, err := commit.Tree()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load commit tree")
	}
	tree := filetree.Tree{}
	err = t.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		tree[f.Name] = []byte(content)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read commit tree")
	}
	return tree, nil
}

// IndexTree materializes the staging area as a tree.
func (b *Bridge) IndexTree() (filetree.Tree, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read index")
	}
	tree := filetree.Tree{}
	for _, entry := range idx.Entries {
		blob, err := repo.BlobObject(entry.Hash)
		if err != nil {
			return nil, errs.Wrapf(errs.Internal, err, "load blob for %s", entry.Name)
		}
		content, err := readBlob(blob)
		if err != nil {
			return nil, errs.Wrapf(errs.Internal, err, "read blob for %s", entry.Name)
		}
		tree[entry.Name] = content
	}
	return tree, nil
}

func readBlob(blob *object.Blob) ([]byte, error) {
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Status reports staged, unstaged and untracked changes relative to the
// repository, grouped the way an IDE change list expects them.
func (b *Bridge) Status() (*changeset.Summary, error) {
	branch, err := b.Branch()
	if err != nil {
		return nil, err
	}
	head, err := b.HeadTree()
	if err != nil {
		return nil, err
	}
	index, err := b.IndexTree()
	if err != nil {
		return nil, err
	}
	work, err := b.tree.ReadTree()
	if err != nil {
		return nil, err
	}
	return b.translator.Translate(branch, head, index, work), nil
}

// History lists commits reachable from HEAD, newest first, following
// first parents. limit <= 0 means unlimited. An empty repository yields
// an empty slice.
func (b *Bridge) History(limit int) ([]*Commit, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []*Commit{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "resolve HEAD")
	}

	out := []*Commit{}
	for cur := ref.Hash(); !cur.IsZero(); {
		commit, err := repo.CommitObject(cur)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "walk history")
		}
		out = append(out, toCommit(commit))
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(commit.ParentHashes) == 0 {
			break
		}
		cur = commit.ParentHashes[0]
	}
	return out, nil
}
