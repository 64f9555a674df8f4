// Package gitsync materializes and updates local working copies of managed
// repositories. Each Syncer owns one workspace directory; it clones the
// repository if the directory holds no valid checkout, and otherwise fetches
// and fast-forwards, reporting the set of paths that changed between the
// previous watermark and the new remote tip. This package implements no
// threadpooling, it is expected that the caller will handle concurrency and
// serialization per repository. The Syncer is not thread-safe.
package gitsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp/capability"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/metrics"
	"github.com/repoherd/repoherd/internal/repos"
)

// configFile is an internal marker inside .git that tracks the repository
// settings a checkout was created with, so that a settings change (most
// importantly the URL) wipes the clone instead of silently reusing it.
const configFile = "herdconfig"

func init() {
	// For Azure DevOps compatibility. More details: https://github.com/go-git/go-git/issues/64
	transport.UnsupportedCapabilities = []capability.Capability{
		capability.ThinPack,
	}
}

type marker struct {
	URL           string  `json:"url"`
	Reference     *string `json:"reference,omitempty"`
	DefaultBranch string  `json:"default_branch,omitempty"`
}

type Syncer struct {
	path      string
	repo      repos.Ref
	remote    string
	reference *string
	filter    *PathFilter
	log       *logging.Logger
}

// New creates a Syncer for the given workspace path. The Syncer does not
// validate that the path holds the same repository as the ref; the caller
// must guarantee the path is unique per repository and not shared between
// Syncer instances.
func New(path string, repo repos.Ref, log *logging.Logger) *Syncer {
	return &Syncer{path: path, repo: repo, log: log}
}

// WithReference pins the branch or tag to synchronize. If unset, the remote
// default branch recorded at clone time is used.
func (s *Syncer) WithReference(ref *string) *Syncer {
	s.reference = ref
	return s
}

// WithRemote overrides the remote URL derived from the repository reference.
// Useful for mirrors and for local fixtures.
func (s *Syncer) WithRemote(url string) *Syncer {
	s.remote = url
	return s
}

// WithPathFilter restricts the changed-path sets handed to downstream
// consumers. The workspace itself always holds the complete tree.
func (s *Syncer) WithPathFilter(f *PathFilter) *Syncer {
	s.filter = f
	return s
}

// Path returns the workspace directory owned by this Syncer.
func (s *Syncer) Path() string { return s.path }

func (s *Syncer) url() string {
	if s.remote != "" {
		return s.remote
	}
	return s.repo.CloneURL()
}

// Sync performs one synchronization pass. With no previous watermark, or no
// valid checkout on disk, it clones the full repository; otherwise it fetches
// and fast-forwards, computing changed paths by tree comparison. A remote tip
// equal to the previous watermark is an idempotent no-op that leaves the
// workspace untouched.
func (s *Syncer) Sync(ctx context.Context, auth transport.AuthMethod, prev *repos.Watermark) (*repos.SyncResult, error) {
	startTime := time.Now()

	res, err := s.sync(ctx, auth, prev)
	if err != nil {
		metrics.GitSyncFailed(s.repo.String())
		return nil, fmt.Errorf("git sync %s: %w", s.repo, err)
	}

	res.Duration = time.Since(startTime)
	metrics.GitSyncSucceeded(s.repo.String(), len(res.ChangedPaths), startTime)
	return res, nil
}

// ForceResync wipes the workspace and clones from scratch. It is the
// recovery path for corrupt workspaces and the explicit escape hatch from
// watermark monotonicity.
func (s *Syncer) ForceResync(ctx context.Context, auth transport.AuthMethod) (*repos.SyncResult, error) {
	startTime := time.Now()

	if err := os.RemoveAll(s.path); err != nil {
		metrics.GitSyncFailed(s.repo.String())
		return nil, &CorruptWorkspaceError{Err: err}
	}

	res, err := s.fullClone(ctx, auth, nil)
	if err != nil {
		metrics.GitSyncFailed(s.repo.String())
		return nil, fmt.Errorf("git re-clone %s: %w", s.repo, err)
	}

	res.Duration = time.Since(startTime)
	metrics.GitSyncSucceeded(s.repo.String(), len(res.ChangedPaths), startTime)
	return res, nil
}

func (s *Syncer) sync(ctx context.Context, auth transport.AuthMethod, prev *repos.Watermark) (*repos.SyncResult, error) {
	// A settings change may necessitate wiping an earlier clone: re-cloning
	// is the easiest option if the repository URL has changed. Credentials
	// are deliberately not part of the marker.
	m, err := s.readMarker()
	switch {
	case err == nil:
		if m.URL != s.url() || !refEqual(m.Reference, s.reference) {
			if err := os.RemoveAll(s.path); err != nil {
				return nil, &CorruptWorkspaceError{Err: err}
			}
		}
	case os.IsNotExist(err):
		// No checkout yet, or one that predates the marker. Treated below.
	default:
		return nil, &CorruptWorkspaceError{Err: err}
	}

	repository, err := git.PlainOpen(s.path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return s.fullClone(ctx, auth, prev)
	} else if err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}

	if prev == nil || prev.IsZero() {
		// No watermark on record: downstream has never seen this repository,
		// so hand over the complete file list.
		if err := os.RemoveAll(s.path); err != nil {
			return nil, &CorruptWorkspaceError{Err: err}
		}
		return s.fullClone(ctx, auth, prev)
	}

	return s.incremental(ctx, repository, auth, prev)
}

func (s *Syncer) incremental(ctx context.Context, repository *git.Repository, auth transport.AuthMethod, prev *repos.Watermark) (*repos.SyncResult, error) {
	if err := fetch(ctx, repository, auth); err != nil {
		return nil, err
	}

	branch, err := s.branch()
	if err != nil {
		return nil, err
	}

	tipRef, err := repository.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return nil, &CorruptWorkspaceError{Err: fmt.Errorf("remote tip for %q: %w", branch, err)}
	}
	tip := tipRef.Hash()

	if tip.String() == prev.Commit {
		// Already current. No workspace mutation, watermark unchanged.
		return &repos.SyncResult{Before: prev, After: *prev, ChangedPaths: []string{}}, nil
	}

	tipCommit, err := repository.CommitObject(tip)
	if err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}

	prevCommit, err := repository.CommitObject(plumbing.NewHash(prev.Commit))
	if err != nil {
		// The watermark commit is gone: history was rewritten underneath us.
		s.log.Warnf("Watermark commit %s no longer exists in %s, re-cloning", prev.Commit, s.repo)
		return s.reclone(ctx, auth, prev)
	}

	ff, err := prevCommit.IsAncestor(tipCommit)
	if err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}
	if !ff {
		s.log.Warnf("History of %s diverged from watermark %s, re-cloning", s.repo, prev.Commit)
		return s.reclone(ctx, auth, prev)
	}

	changed, err := changedPaths(ctx, prevCommit, tipCommit)
	if err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}

	wt, err := repository.Worktree()
	if err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}

	if err := wt.Checkout(&git.CheckoutOptions{Hash: tip, Force: true}); err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}

	return &repos.SyncResult{
		Before:       prev,
		After:        repos.Watermark{Commit: tip.String(), SyncedAt: time.Now()},
		ChangedPaths: s.filtered(changed),
	}, nil
}

// reclone handles the diverged-history escalation: an incremental pass that
// cannot fast-forward silently becomes a full re-clone, marked as such in the
// result for transparency.
func (s *Syncer) reclone(ctx context.Context, auth transport.AuthMethod, prev *repos.Watermark) (*repos.SyncResult, error) {
	if err := os.RemoveAll(s.path); err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}
	return s.fullClone(ctx, auth, prev)
}

// fullClone materializes the complete default (or pinned) branch. The clone
// is staged into a sibling directory and renamed into place only once it has
// fully succeeded, so a canceled or failed transfer never leaves a
// half-written checkout behind.
func (s *Syncer) fullClone(ctx context.Context, auth transport.AuthMethod, prev *repos.Watermark) (*repos.SyncResult, error) {
	staging := s.path + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return nil, &CorruptWorkspaceError{Err: err}
	}

	var referenceName plumbing.ReferenceName
	if s.reference != nil {
		referenceName = plumbing.NewBranchReferenceName(*s.reference)
	}

	repository, err := git.PlainCloneContext(ctx, staging, false, &git.CloneOptions{
		URL:               s.url(),
		Auth:              auth,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
		ReferenceName:     referenceName,
		SingleBranch:      true,
	})
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, classifyRemote(err)
	}

	head, err := repository.Head()
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, &CorruptWorkspaceError{Err: err}
	}

	m := marker{URL: s.url(), Reference: s.reference, DefaultBranch: head.Name().Short()}
	data, err := json.Marshal(m)
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(staging, ".git", configFile), data, 0644); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &CorruptWorkspaceError{Err: err}
	}

	all, err := listTree(repository, head.Hash())
	if err != nil {
		_ = os.RemoveAll(staging)
		return nil, &CorruptWorkspaceError{Err: err}
	}

	if err := os.RemoveAll(s.path); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &CorruptWorkspaceError{Err: err}
	}
	if err := os.Rename(staging, s.path); err != nil {
		_ = os.RemoveAll(staging)
		return nil, &CorruptWorkspaceError{Err: err}
	}

	return &repos.SyncResult{
		Before:       prev,
		After:        repos.Watermark{Commit: head.Hash().String(), SyncedAt: time.Now()},
		ChangedPaths: s.filtered(all),
		Full:         true,
	}, nil
}

func (s *Syncer) branch() (string, error) {
	if s.reference != nil {
		return *s.reference, nil
	}
	m, err := s.readMarker()
	if err != nil {
		return "", &CorruptWorkspaceError{Err: fmt.Errorf("default branch unknown: %w", err)}
	}
	if m.DefaultBranch == "" {
		return "", &CorruptWorkspaceError{Err: errors.New("default branch unknown")}
	}
	return m.DefaultBranch, nil
}

func (s *Syncer) readMarker() (*marker, error) {
	data, err := os.ReadFile(filepath.Join(s.path, ".git", configFile))
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Syncer) filtered(paths []string) []string {
	if s.filter == nil {
		return paths
	}
	return s.filter.Apply(paths)
}

func fetch(ctx context.Context, repository *git.Repository, auth transport.AuthMethod) error {
	err := repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return classifyRemote(err)
	}
	return nil
}

// changedPaths compares the trees of two commits and returns the sorted set
// of paths that differ.
func changedPaths(ctx context.Context, from, to *object.Commit) ([]string, error) {
	fromTree, err := from.Tree()
	if err != nil {
		return nil, err
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		if change.From.Name != "" {
			set[change.From.Name] = struct{}{}
		}
		if change.To.Name != "" {
			set[change.To.Name] = struct{}{}
		}
	}

	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, nil
}

// listTree returns the sorted complete file list of a commit.
func listTree(repository *git.Repository, commit plumbing.Hash) ([]string, error) {
	c, err := repository.CommitObject(commit)
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}

	var paths []string
	if err := tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	}); err != nil {
		return nil, err
	}
	slices.Sort(paths)
	return paths, nil
}

func refEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
