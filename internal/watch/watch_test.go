package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withlazers/deployment-withlazers/internal/gittest"
)

func TestIsRefChange(t *testing.T) {
	t.Parallel()

	gitDir := filepath.Join("repo", ".git")
	tests := []struct {
		name string
		want bool
	}{
		{name: "HEAD", want: true},
		{name: "packed-refs", want: true},
		{name: "refs/heads/main", want: true},
		{name: "refs/heads/feature/x", want: true},
		{name: "refs/heads/main.lock", want: false},
		{name: "HEAD.lock", want: false},
		{name: "refs/tags/v1", want: false},
		{name: "index", want: false},
		{name: "objects/ab/cdef", want: false},
	}
	for _, tt := range tests {
		got := isRefChange(gitDir, filepath.Join(gitDir, filepath.FromSlash(tt.name)))
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestGitDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	plain := filepath.Join(root, "plain")
	require.NoError(t, os.MkdirAll(filepath.Join(plain, ".git"), 0o755))
	got, err := GitDir(plain)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(plain, ".git"), got)

	linked := filepath.Join(root, "linked")
	require.NoError(t, os.MkdirAll(linked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(linked, ".git"), []byte("gitdir: ../plain/.git/worktrees/linked\n"), 0o644))
	got, err = GitDir(linked)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(plain, ".git", "worktrees", "linked"), got)

	_, err = GitDir(filepath.Join(root, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatchPathsIncludesNestedHeads(t *testing.T) {
	t.Parallel()

	gitDir := filepath.Join(t.TempDir(), ".git")
	require.NoError(t, os.MkdirAll(filepath.Join(gitDir, "refs", "heads", "feature"), 0o755))
	assert.ElementsMatch(t, []string{
		gitDir,
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "heads", "feature"),
	}, watchPaths(gitDir))
}

func TestRunReactsToNewCommits(t *testing.T) {
	t.Parallel()
	gittest.RequireGit(t)

	repo := gittest.InitWorkdir(t, t.TempDir(), "service")
	gittest.CommitFile(t, repo, "README.md", "one\n", "one")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	calls := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, repo, 20*time.Millisecond, func(context.Context) {
			runs.Add(1)
			calls <- struct{}{}
		})
	}()

	waitCall := func() {
		t.Helper()
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatal("no run")
		}
	}
	waitCall()

	gittest.CommitFile(t, repo, "README.md", "two\n", "two")
	waitCall()

	gittest.RunGit(t, repo, "checkout", "-q", "-b", "feature/x")
	gittest.CommitFile(t, repo, "README.md", "three\n", "three")
	waitCall()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestRunFailsOutsideRepository(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), t.TempDir(), DefaultDelay, func(context.Context) {
		t.Fatal("fn must not be called")
	})
	require.ErrorIs(t, err, os.ErrNotExist)
}
