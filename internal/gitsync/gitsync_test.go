package gitsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"

	"github.com/repoherd/repoherd/internal/logging"
	"github.com/repoherd/repoherd/internal/repos"
)

var testRepo = repos.Ref{Host: "github.com", Owner: "acme", Name: "widgets"}

type upstream struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	return &upstream{t: t, dir: dir, repo: repo}
}

func (u *upstream) commit(files map[string]string, remove ...string) plumbing.Hash {
	u.t.Helper()

	wt, err := u.repo.Worktree()
	if err != nil {
		u.t.Fatal(err)
	}

	for name, content := range files {
		path := filepath.Join(u.dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			u.t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			u.t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			u.t.Fatal(err)
		}
	}

	for _, name := range remove {
		if _, err := wt.Remove(name); err != nil {
			u.t.Fatal(err)
		}
	}

	hash, err := wt.Commit("test commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		u.t.Fatal(err)
	}
	return hash
}

func (u *upstream) resetHard(commit plumbing.Hash) {
	u.t.Helper()
	wt, err := u.repo.Worktree()
	if err != nil {
		u.t.Fatal(err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: commit, Mode: git.HardReset}); err != nil {
		u.t.Fatal(err)
	}
}

func newSyncer(t *testing.T, u *upstream) *Syncer {
	t.Helper()
	path := filepath.Join(t.TempDir(), testRepo.Dir())
	return New(path, testRepo, logging.NewNopLogger()).WithRemote(u.dir)
}

func TestFullCloneThenIncremental(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	first := u.commit(map[string]string{
		"README.md":   "hello",
		"pkg/util.go": "package util",
	})

	s := newSyncer(t, u)

	// Initial clone: the full file list is handed over.
	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Error("expected a full clone")
	}
	if res.After.Commit != first.String() {
		t.Errorf("expected watermark %s, got %s", first, res.After.Commit)
	}
	if diff := cmp.Diff([]string{"README.md", "pkg/util.go"}, res.ChangedPaths); diff != "" {
		t.Errorf("unexpected changed paths (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(s.Path(), "README.md")); err != nil {
		t.Errorf("working copy incomplete: %v", err)
	}

	// Incremental: only the delta is reported.
	second := u.commit(map[string]string{
		"README.md": "hello world",
		"main.go":   "package main",
	})

	res2, err := s.Sync(ctx, nil, &res.After)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Full {
		t.Error("expected an incremental sync")
	}
	if res2.After.Commit != second.String() {
		t.Errorf("expected watermark %s, got %s", second, res2.After.Commit)
	}
	if diff := cmp.Diff([]string{"README.md", "main.go"}, res2.ChangedPaths); diff != "" {
		t.Errorf("unexpected changed paths (-want +got):\n%s", diff)
	}

	bs, err := os.ReadFile(filepath.Join(s.Path(), "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "hello world" {
		t.Errorf("working copy not updated: %q", bs)
	}
}

func TestIdempotentNoOp(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	u.commit(map[string]string{"a.txt": "a"})

	s := newSyncer(t, u)

	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	before, err := os.Stat(filepath.Join(s.Path(), "a.txt"))
	if err != nil {
		t.Fatal(err)
	}

	res2, err := s.Sync(ctx, nil, &res.After)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.NoOp() {
		t.Errorf("expected a no-op, got %+v", res2)
	}
	if res2.After.Commit != res.After.Commit {
		t.Error("no-op must not move the watermark")
	}

	after, err := os.Stat(filepath.Join(s.Path(), "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Error("no-op must not touch the workspace")
	}
}

func TestFileRemovalReported(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	u.commit(map[string]string{"keep.txt": "keep", "drop.txt": "drop"})

	s := newSyncer(t, u)

	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	u.commit(nil, "drop.txt")

	res2, err := s.Sync(ctx, nil, &res.After)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"drop.txt"}, res2.ChangedPaths); diff != "" {
		t.Errorf("unexpected changed paths (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(s.Path(), "drop.txt")); !os.IsNotExist(err) {
		t.Error("removed file still present in working copy")
	}
}

func TestDivergedHistoryTriggersReclone(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	first := u.commit(map[string]string{"a.txt": "a"})

	s := newSyncer(t, u)

	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	u.commit(map[string]string{"b.txt": "b"})
	res2, err := s.Sync(ctx, nil, &res.After)
	if err != nil {
		t.Fatal(err)
	}

	// Rewrite upstream history underneath the watermark.
	u.resetHard(first)
	u.commit(map[string]string{"c.txt": "c"})

	res3, err := s.Sync(ctx, nil, &res2.After)
	if err != nil {
		t.Fatal(err)
	}
	if !res3.Full {
		t.Error("diverged history must surface as a full re-clone")
	}
	if diff := cmp.Diff([]string{"a.txt", "c.txt"}, res3.ChangedPaths); diff != "" {
		t.Errorf("unexpected changed paths (-want +got):\n%s", diff)
	}
}

func TestMissingWatermarkForcesFullClone(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	u.commit(map[string]string{"a.txt": "a"})

	s := newSyncer(t, u)

	if _, err := s.Sync(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}

	// A valid checkout without a watermark still produces the complete file
	// list: downstream has never seen this repository.
	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Error("expected a full clone")
	}
	if diff := cmp.Diff([]string{"a.txt"}, res.ChangedPaths); diff != "" {
		t.Errorf("unexpected changed paths (-want +got):\n%s", diff)
	}
}

func TestRemoteChangeWipesWorkspace(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	u.commit(map[string]string{"a.txt": "a"})

	s := newSyncer(t, u)
	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Same path, different remote: the stale checkout must not be reused.
	u2 := newUpstream(t)
	u2.commit(map[string]string{"other.txt": "other"})

	s2 := New(s.Path(), testRepo, logging.NewNopLogger()).WithRemote(u2.dir)
	res2, err := s2.Sync(ctx, nil, &res.After)
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Full {
		t.Error("expected a full clone after the remote changed")
	}
	if _, err := os.Stat(filepath.Join(s.Path(), "a.txt")); !os.IsNotExist(err) {
		t.Error("stale file from the previous remote present")
	}
}

func TestForceResync(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	tip := u.commit(map[string]string{"a.txt": "a"})

	s := newSyncer(t, u)
	if _, err := s.Sync(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}

	// Corrupt the checkout; a forced resync recovers it.
	if err := os.RemoveAll(filepath.Join(s.Path(), ".git")); err != nil {
		t.Fatal(err)
	}

	res, err := s.ForceResync(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Full {
		t.Error("expected a full clone")
	}
	if res.After.Commit != tip.String() {
		t.Errorf("expected watermark %s, got %s", tip, res.After.Commit)
	}
}

func TestFailedCloneLeavesNoCheckout(t *testing.T) {
	ctx := t.Context()

	path := filepath.Join(t.TempDir(), testRepo.Dir())
	s := New(path, testRepo, logging.NewNopLogger()).WithRemote(filepath.Join(t.TempDir(), "missing"))

	if _, err := s.Sync(ctx, nil, nil); err == nil {
		t.Fatal("expected an error")
	}

	// No half-written checkout that a later pass would misinterpret.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("failed clone left a workspace behind")
	}
	if _, err := os.Stat(path + ".staging"); !os.IsNotExist(err) {
		t.Error("failed clone left a staging directory behind")
	}
}

func TestPathFilter(t *testing.T) {
	ctx := t.Context()
	u := newUpstream(t)
	u.commit(map[string]string{
		"src/main.go":      "package main",
		"docs/readme.md":   "docs",
		"vendor/dep/a.go":  "package dep",
		"src/internal.txt": "notes",
	})

	filter, err := NewPathFilter([]string{"src/**"}, []string{"**/*.txt"})
	if err != nil {
		t.Fatal(err)
	}

	s := newSyncer(t, u).WithPathFilter(filter)

	res, err := s.Sync(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"src/main.go"}, res.ChangedPaths); diff != "" {
		t.Errorf("unexpected changed paths (-want +got):\n%s", diff)
	}
}
