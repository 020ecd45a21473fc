package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"strata/errs"
	"strata/filetree"
	"strata/gitbridge"
)

func push(ctx context.Context, t Target) (string, error) {
	repo, err := t.Bridge.Repo()
	if err != nil {
		return "", err
	}
	if _, err := repo.Remote(gitbridge.DefaultRemote); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", errs.New(errs.State, "no remote configured: add one before pushing")
		}
		return "", errs.Wrap(errs.Internal, err, "look up remote")
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", errs.New(errs.State, "no commits to push")
	}
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "resolve HEAD")
	}
	branch, err := t.Bridge.Branch()
	if err != nil {
		return "", err
	}

	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: gitbridge.DefaultRemote,
		RefSpecs:   []config.RefSpec{refspec},
	})
	switch {
	case err == nil:
		return fmt.Sprintf("pushed %s", head.Hash().String()[:7]), nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return "already up to date", nil
	case strings.Contains(err.Error(), "non-fast-forward"):
		return "", errs.New(errs.Conflict, "push rejected: remote has diverged, pull first")
	default:
		return "", errs.Wrap(errs.Network, err, "push failed")
	}
}

func pull(ctx context.Context, t Target) (string, error) {
	repo, err := t.Bridge.Repo()
	if err != nil {
		return "", err
	}
	if _, err := repo.Remote(gitbridge.DefaultRemote); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", errs.New(errs.State, "no remote configured: add one before pulling")
		}
		return "", errs.Wrap(errs.Internal, err, "look up remote")
	}
	branch, err := t.Bridge.Branch()
	if err != nil {
		return "", err
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: gitbridge.DefaultRemote})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return "remote is empty", nil
	default:
		return "", errs.Wrap(errs.Network, err, "fetch failed")
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(gitbridge.DefaultRemote, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Sprintf("remote has no %s branch", branch), nil
	}
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "resolve remote branch")
	}
	remoteCommit, err := repo.CommitObject(remoteRef.Hash())
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "load remote commit")
	}

	localRef, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Unborn branch: everything the remote has fast-forwards in.
		return fastForward(t, repo, branch, remoteCommit)
	}
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "resolve HEAD")
	}
	if localRef.Hash() == remoteRef.Hash() {
		return "already up to date", nil
	}
	localCommit, err := repo.CommitObject(localRef.Hash())
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "load local commit")
	}

	contained, err := remoteCommit.IsAncestor(localCommit)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "compare histories")
	}
	if contained {
		return "already up to date", nil
	}
	ff, err := localCommit.IsAncestor(remoteCommit)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "compare histories")
	}
	if ff {
		return fastForward(t, repo, branch, remoteCommit)
	}
	return merge(t, repo, branch, localCommit, remoteCommit)
}

// fastForward moves the branch to remoteCommit: write the tree delta,
// advance the ref, restage exactly the changed paths. Uncommitted local
// changes on touched paths abort with a conflict before anything moves.
func fastForward(t Target, repo *git.Repository, branch string, remoteCommit *object.Commit) (string, error) {
	remoteTree, err := gitbridge.CommitTree(remoteCommit)
	if err != nil {
		return "", err
	}
	headTree, err := t.Bridge.HeadTree()
	if err != nil {
		return "", err
	}
	indexTree, err := t.Bridge.IndexTree()
	if err != nil {
		return "", err
	}
	workTree, err := t.Bridge.Tree().ReadTree()
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "read working tree")
	}

	changes := treeChanges(headTree, remoteTree)
	if conflicts := overlapConflicts(changes, headTree, indexTree, workTree); len(conflicts) > 0 {
		return "", errs.New(errs.Conflict, "local changes would be overwritten by pull").WithPaths(conflicts...)
	}

	rollback, err := applyChanges(t.Bridge.Tree(), workTree, changes)
	if err != nil {
		return "", err
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	prev, prevErr := repo.Storer.Reference(branchRef)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remoteCommit.Hash)); err != nil {
		_ = t.Bridge.Tree().WriteTree(rollback)
		return "", errs.Wrap(errs.Internal, err, "advance branch")
	}
	if err := stageChanged(repo, changes); err != nil {
		if prevErr == nil {
			_ = repo.Storer.SetReference(prev)
		} else {
			_ = repo.Storer.RemoveReference(branchRef)
		}
		_ = t.Bridge.Tree().WriteTree(rollback)
		return "", err
	}
	return fmt.Sprintf("fast-forwarded to %s", remoteCommit.Hash.String()[:7]), nil
}

// merge three-way merges the diverged histories. Conflicts (overlapping
// edits, add/add divergence, delete against modify, or uncommitted local
// changes in the way) abort before any mutation. A successful merge
// writes the merged paths, stages exactly them, and commits with the
// local tip as first parent.
func merge(t Target, repo *git.Repository, branch string, localCommit, remoteCommit *object.Commit) (string, error) {
	bases, err := localCommit.MergeBase(remoteCommit)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "find merge base")
	}
	if len(bases) == 0 {
		return "", errs.New(errs.Conflict, "remote history is unrelated to local history")
	}
	baseTree, err := gitbridge.CommitTree(bases[0])
	if err != nil {
		return "", err
	}
	localTree, err := gitbridge.CommitTree(localCommit)
	if err != nil {
		return "", err
	}
	remoteTree, err := gitbridge.CommitTree(remoteCommit)
	if err != nil {
		return "", err
	}

	mergedTree, conflicted := mergeTrees(baseTree, localTree, remoteTree)
	if len(conflicted) > 0 {
		return "", errs.New(errs.Conflict, "pull produced merge conflicts").WithPaths(conflicted...)
	}

	indexTree, err := t.Bridge.IndexTree()
	if err != nil {
		return "", err
	}
	workTree, err := t.Bridge.Tree().ReadTree()
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "read working tree")
	}

	// The merge commit records the whole index, so any staged change
	// would be swept into it.
	if staged := stagedPaths(localTree, indexTree); len(staged) > 0 {
		return "", errs.New(errs.Conflict, "staged changes block the merge: commit or unstage them first").WithPaths(staged...)
	}
	changes := treeChanges(localTree, mergedTree)
	if conflicts := overlapConflicts(changes, localTree, indexTree, workTree); len(conflicts) > 0 {
		return "", errs.New(errs.Conflict, "local changes would be overwritten by pull").WithPaths(conflicts...)
	}

	rollback, err := applyChanges(t.Bridge.Tree(), workTree, changes)
	if err != nil {
		return "", err
	}
	if err := stageChanged(repo, changes); err != nil {
		_ = t.Bridge.Tree().WriteTree(rollback)
		return "", err
	}
	message := fmt.Sprintf("Merge branch '%s' of %s", branch, gitbridge.DefaultRemote)
	commit, err := t.Bridge.CommitMerge(message, []string{localCommit.Hash.String(), remoteCommit.Hash.String()})
	if err != nil {
		_ = t.Bridge.Tree().WriteTree(rollback)
		_ = stageChanged(repo, rollback)
		return "", err
	}
	return fmt.Sprintf("merged %s as %s", remoteCommit.Hash.String()[:7], commit.ShortHash), nil
}

// clone connects the project to a remote and records the bridging
// checkpoint of the cloned tree: the root checkpoint when the project has
// none, a child of the current head otherwise.
func clone(ctx context.Context, t Target, url string) (string, error) {
	if err := t.Bridge.Clone(ctx, url); err != nil {
		return "", err
	}
	if _, err := t.Checkpoints.Create(fmt.Sprintf("Cloned %s", url), t.Actor, ""); err != nil {
		return "", err
	}
	return fmt.Sprintf("cloned %s", url), nil
}

// treeChanges lists the writes and deletes turning from into to.
func treeChanges(from, to filetree.Tree) filetree.Tree {
	changes := filetree.Tree{}
	for p, c := range to {
		if prev, ok := from[p]; !ok || !bytes.Equal(prev, c) {
			changes[p] = c
		}
	}
	for p := range from {
		if _, ok := to[p]; !ok {
			changes[p] = nil
		}
	}
	return changes
}

func stagedSet(head, index filetree.Tree) map[string]bool {
	out := map[string]bool{}
	for p, c := range index {
		if h, ok := head[p]; !ok || !bytes.Equal(h, c) {
			out[p] = true
		}
	}
	for p := range head {
		if _, ok := index[p]; !ok {
			out[p] = true
		}
	}
	return out
}

func stagedPaths(head, index filetree.Tree) []string {
	set := stagedSet(head, index)
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// overlapConflicts reports the changed paths that carry uncommitted local
// edits. A local edit that already matches the incoming content does not
// conflict.
func overlapConflicts(changes, head, index, work filetree.Tree) []string {
	staged := stagedSet(head, index)
	var out []string
	for p, next := range changes {
		if staged[p] {
			out = append(out, p)
			continue
		}
		workC, inWork := work[p]
		headC, inHead := head[p]
		dirty := inWork != inHead || (inWork && !bytes.Equal(workC, headC))
		if !dirty {
			continue
		}
		if next == nil {
			if !inWork {
				continue
			}
		} else if inWork && bytes.Equal(workC, next) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// applyChanges writes the changed paths and returns the reverse change
// set. On failure it restores what it touched before reporting.
func applyChanges(store filetree.Store, work, changes filetree.Tree) (filetree.Tree, error) {
	rollback := filetree.Tree{}
	for p := range changes {
		if c, ok := work[p]; ok {
			rollback[p] = c
		} else {
			rollback[p] = nil
		}
	}
	if err := store.WriteTree(changes); err != nil {
		_ = store.WriteTree(rollback)
		return nil, errs.Wrap(errs.Internal, err, "apply pulled changes")
	}
	return rollback, nil
}

// stageChanged refreshes the index for exactly the changed paths.
func stageChanged(repo *git.Repository, changes filetree.Tree) error {
	if len(changes) == 0 {
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "open worktree")
	}
	paths := make([]string, 0, len(changes))
	for p := range changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return errs.Wrapf(errs.Internal, err, "update index for %s", p)
		}
	}
	return nil
}
