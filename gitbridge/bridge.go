// Package gitbridge owns the external git repository attached to a
// project: its lifecycle (init, clone, remotes), the staging area, the
// commit log, and the status view the IDE renders.
//
// The repository's object database lives outside the working tree (the
// engine's tree directory doubles as the git worktree), so checkpoint
// restores never clobber git state and git never captures engine
// internals. Everything goes through go-git; no git binary is involved.
package gitbridge

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"strata/changeset"
	"strata/errs"
	"strata/filetree"
)

// DefaultRemote is the remote name clone installs and sync operations
// fall back to.
const DefaultRemote = "origin"

// Info describes the repository state the API exposes.
type Info struct {
	Exists  bool
	Branch  string
	Remotes map[string]string
}

// Options configures a Bridge.
type Options struct {
	// AuthorName and AuthorEmail sign commits made through the bridge
	// when the caller supplies no identity.
	AuthorName  string
	AuthorEmail string
	// DefaultBranch is the branch Init establishes; empty means "main".
	DefaultBranch string
	// SimilarityThreshold tunes rename detection in status output;
	// zero keeps the changeset default.
	SimilarityThreshold float64
}

// Bridge manages one project's repository. It performs no locking of its
// own; the project lock above it serializes mutations.
type Bridge struct {
	gitDir     string
	workDir    string
	tree       filetree.Store
	translator changeset.Translator

	authorName    string
	authorEmail   string
	defaultBranch string

	// openMu guards the lazily cached repo handle, which concurrent
	// read-only operations may race to populate.
	openMu sync.Mutex
	repo   *git.Repository
}

// New builds a bridge storing git data in gitDir and treating workDir,
// the project's tree directory, as the worktree.
func New(gitDir, workDir string, tree filetree.Store, opts Options) *Bridge {
	if opts.AuthorName == "" {
		opts.AuthorName = "Strata"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "strata@localhost"
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	return &Bridge{
		gitDir:        gitDir,
		workDir:       workDir,
		tree:          tree,
		translator:    changeset.Translator{SimilarityThreshold: opts.SimilarityThreshold},
		authorName:    opts.AuthorName,
		authorEmail:   opts.AuthorEmail,
		defaultBranch: opts.DefaultBranch,
	}
}

// Exists reports whether the project has a repository.
func (b *Bridge) Exists() bool {
	_, err := os.Stat(filepath.Join(b.gitDir, "HEAD"))
	return err == nil
}

func (b *Bridge) storage() *filesystem.Storage {
	return filesystem.NewStorage(osfs.New(b.gitDir), cache.NewObjectLRUDefault())
}

// open returns the repository handle, failing with a State error when the
// project has none yet.
func (b *Bridge) open() (*git.Repository, error) {
	b.openMu.Lock()
	defer b.openMu.Unlock()
	if b.repo != nil {
		return b.repo, nil
	}
	repo, err := git.Open(b.storage(), osfs.New(b.workDir))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errs.New(errs.State, "project has no repository: run init or clone first")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open repository")
	}
	b.repo = repo
	return repo, nil
}

func (b *Bridge) setRepo(repo *git.Repository) {
	b.openMu.Lock()
	b.repo = repo
	b.openMu.Unlock()
}

// Init creates an empty repository on the configured default branch.
// Initializing twice is a State error.
func (b *Bridge) Init() error {
	if b.Exists() {
		return errs.New(errs.State, "repository already initialized")
	}
	repo, err := git.InitWithOptions(b.storage(), osfs.New(b.workDir), git.InitOptions{
		DefaultBranch: plumbing.NewBranchReferenceName(b.defaultBranch),
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "init repository")
	}
	b.setRepo(repo)
	return nil
}

// Clone fetches url into the project, checking the default branch out
// into the working tree and installing the remote as "origin". The
// project must not already have a repository. A failed clone leaves the
// project in the no-repository state with the working tree as it was.
func (b *Bridge) Clone(ctx context.Context, remoteURL string) error {
	if b.Exists() {
		return errs.New(errs.State, "repository already initialized")
	}
	if err := validateRemoteURL(remoteURL); err != nil {
		return err
	}

	// Checkout writes straight into the working tree, so a mid-clone
	// failure can strand a partial checkout there. Snapshot the tree
	// first and put it back if the clone dies.
	prior, err := b.tree.ReadTree()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "snapshot working tree before clone")
	}

	repo, err := git.CloneContext(ctx, b.storage(), osfs.New(b.workDir), &git.CloneOptions{
		URL:        remoteURL,
		RemoteName: DefaultRemote,
	})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		// An empty remote has nothing to check out: degrade to init
		// plus the remote, ready for the first push.
		os.RemoveAll(b.gitDir)
		if err := b.Init(); err != nil {
			return err
		}
		return b.AddRemote(DefaultRemote, remoteURL)
	}
	if err != nil {
		// Leave no half-made repository or half-checked-out tree
		// behind.
		os.RemoveAll(b.gitDir)
		if swapErr := b.tree.SwapTree(prior); swapErr != nil {
			return errs.Wrap(errs.Internal, swapErr, "restore working tree after failed clone")
		}
		if ctx.Err() != nil {
			return errs.Wrap(errs.Network, err, "clone cancelled")
		}
		return classifyTransportErr(err, "clone "+remoteURL)
	}
	b.setRepo(repo)
	return nil
}

// AddRemote registers a named remote. Re-adding an identical name+url
// pair is a no-op; reusing a name for a different url is a State error.
func (b *Bridge) AddRemote(name, remoteURL string) error {
	if name == "" {
		return errs.New(errs.Validation, "remote name is empty")
	}
	if err := validateRemoteURL(remoteURL); err != nil {
		return err
	}
	repo, err := b.open()
	if err != nil {
		return err
	}

	existing, err := repo.Remote(name)
	switch {
	case err == nil:
		urls := existing.Config().URLs
		if len(urls) > 0 && urls[0] == remoteURL {
			return nil
		}
		return errs.Newf(errs.State, "remote %s already points at %s", name, urls[0])
	case !errors.Is(err, git.ErrRemoteNotFound):
		return errs.Wrap(errs.Internal, err, "look up remote")
	}

	if _, err := repo.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{remoteURL},
	}); err != nil {
		return errs.Wrapf(errs.Internal, err, "add remote %s", name)
	}
	return nil
}

// Remotes lists the configured remotes as name -> first url.
func (b *Bridge) Remotes() (map[string]string, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list remotes")
	}
	out := make(map[string]string, len(remotes))
	for _, r := range remotes {
		cfg := r.Config()
		if len(cfg.URLs) > 0 {
			out[cfg.Name] = cfg.URLs[0]
		}
	}
	return out, nil
}

// Describe reports the repository state for the API: existence, current
// branch, and remotes. A project without a repository yields
// {Exists: false} and no error.
func (b *Bridge) Describe() (*Info, error) {
	if !b.Exists() {
		return &Info{Exists: false, Remotes: map[string]string{}}, nil
	}
	branch, err := b.Branch()
	if err != nil {
		return nil, err
	}
	remotes, err := b.Remotes()
	if err != nil {
		return nil, err
	}
	return &Info{Exists: true, Branch: branch, Remotes: remotes}, nil
}

// Branch returns the branch HEAD points at, even before the first
// commit. A detached HEAD reports the short hash.
func (b *Bridge) Branch() (string, error) {
	repo, err := b.open()
	if err != nil {
		return "", err
	}
	ref, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "resolve HEAD")
	}
	if ref.Type() == plumbing.SymbolicReference {
		return ref.Target().Short(), nil
	}
	return ref.Hash().String()[:7], nil
}

// Repo exposes the underlying go-git handle to the sync coordinator.
func (b *Bridge) Repo() (*git.Repository, error) {
	return b.open()
}

// WorkDir returns the directory serving as the git worktree.
func (b *Bridge) WorkDir() string { return b.workDir }

// Tree returns the engine's view of the working tree.
func (b *Bridge) Tree() filetree.Store { return b.tree }

func validateRemoteURL(remoteURL string) error {
	if strings.TrimSpace(remoteURL) == "" {
		return errs.New(errs.Validation, "remote url is empty")
	}
	if _, err := url.Parse(remoteURL); err != nil {
		return errs.Wrapf(errs.Validation, err, "remote url %q", remoteURL)
	}
	return nil
}

// classifyTransportErr maps go-git transport failures onto the error
// taxonomy: anything about reaching or being admitted to the remote is
// Network, the rest is Internal.
func classifyTransportErr(err error, msg string) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return errs.Wrap(errs.Network, err, msg)
	}
	text := err.Error()
	if strings.Contains(text, "connection") ||
		strings.Contains(text, "no such host") ||
		strings.Contains(text, "timeout") ||
		strings.Contains(text, "unreachable") {
		return errs.Wrap(errs.Network, err, msg)
	}
	return errs.Wrap(errs.Internal, err, msg)
}
