package gitbridge

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"strata/errs"
	"strata/filetree"
)

// Commit is one entry of the repository log.
type Commit struct {
	Hash       string    `json:"hash"`
	ShortHash  string    `json:"shortHash"`
	Message    string    `json:"message"`
	Author     string    `json:"author"`
	Email      string    `json:"email"`
	Date       time.Time `json:"date"`
	ParentHash string    `json:"parentHash,omitempty"`
}

// Stage adds the given paths to the staging area. A path qualifies when
// it exists in the working tree or names a tracked file whose deletion
// is pending. Every path is validated before any is staged, so a request
// with one bad path stages nothing. An empty slice stages all changes.
func (b *Bridge) Stage(paths []string) error {
	repo, err := b.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "open worktree")
	}

	if len(paths) == 0 {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return errs.Wrap(errs.Internal, err, "stage all changes")
		}
		return nil
	}

	idx, err := repo.Storer.Index()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "read index")
	}
	tracked := make(map[string]bool, len(idx.Entries))
	for _, entry := range idx.Entries {
		tracked[entry.Name] = true
	}

	var unknown []string
	for _, p := range paths {
		if err := filetree.ValidatePath(p); err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(b.workDir, filepath.FromSlash(p))); err == nil {
			continue
		}
		if tracked[p] {
			// Tracked but gone from disk: staging records the deletion.
			continue
		}
		unknown = append(unknown, p)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errs.New(errs.Validation, "paths not found in working tree or index").WithPaths(unknown...)
	}

	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return errs.Wrapf(errs.Internal, err, "stage %s", p)
		}
	}
	return nil
}

// CommitStaged records the staging area as a new commit on the current
// branch. author overrides the configured signature name when non-empty.
// Committing with nothing staged is a state error and leaves the
// repository untouched.
func (b *Bridge) CommitStaged(message, author string) (*Commit, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open worktree")
	}

	name := b.authorName
	if author != "" {
		name = author
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: b.authorEmail, When: time.Now()},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return nil, errs.New(errs.State, "nothing staged to commit")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "commit staged changes")
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load created commit")
	}
	return toCommit(commit), nil
}

// CommitMerge records the index as a commit with explicit parents,
// joining local and remote history after a pull. Empty commits are
// allowed: a merge that changes no content still records ancestry.
func (b *Bridge) CommitMerge(message string, parents []string) (*Commit, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open worktree")
	}

	hashes := make([]plumbing.Hash, len(parents))
	for i, p := range parents {
		hashes[i] = plumbing.NewHash(p)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            &object.Signature{Name: b.authorName, Email: b.authorEmail, When: time.Now()},
		Parents:           hashes,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "commit merge")
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load merge commit")
	}
	return toCommit(commit), nil
}

func toCommit(c *object.Commit) *Commit {
	out := &Commit{
		Hash:      c.Hash.String(),
		ShortHash: c.Hash.String()[:7],
		Message:   c.Message,
		Author:    c.Author.Name,
		Email:     c.Author.Email,
		Date:      c.Author.When,
	}
	if len(c.ParentHashes) > 0 {
		out.ParentHash = c.ParentHashes[0].String()
	}
	return out
}
