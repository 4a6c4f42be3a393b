// Package gittest builds throwaway repositories for tests.
//
// Repositories are created with the git executable in t.TempDir(); tests that
// use this package are skipped when git is not installed.
package gittest

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const (
	AuthorName  = "Test Author"
	AuthorEmail = "author@example.com"
)

// RequireGit skips t when the git executable is missing.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}
}

// RunGit runs git in dir with a fixed identity and returns trimmed stdout.
func RunGit(t testing.TB, dir string, args ...string) string {
	t.Helper()
	out, err := runGit(dir, args...)
	if err != nil {
		t.Fatalf("git %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func runGit(dir string, args ...string) (string, error) {
	full := append([]string{"-c", "init.defaultBranch=main", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+AuthorName,
		"GIT_AUTHOR_EMAIL="+AuthorEmail,
		"GIT_COMMITTER_NAME="+AuthorName,
		"GIT_COMMITTER_EMAIL="+AuthorEmail,
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+dir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &gitFailure{err: err, stderr: strings.TrimSpace(stderr.String())}
	}
	return strings.TrimSpace(stdout.String()), nil
}

type gitFailure struct {
	err    error
	stderr string
}

func (e *gitFailure) Error() string { return e.err.Error() + ": " + e.stderr }

// InitBare creates an empty bare repository named name under root.
func InitBare(t testing.TB, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name+".git")
	RunGit(t, root, "init", "--bare", "-q", dir)
	return dir
}

// InitWorkdir creates a non-bare repository named name under root.
func InitWorkdir(t testing.TB, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	RunGit(t, root, "init", "-q", dir)
	return dir
}

// CommitFile writes content to file inside workdir and commits it.
func CommitFile(t testing.TB, workdir, file, content, message string) string {
	t.Helper()
	p := filepath.Join(workdir, file)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	RunGit(t, workdir, "add", "--", file)
	RunGit(t, workdir, "commit", "-q", "-m", message)
	return RunGit(t, workdir, "rev-parse", "HEAD")
}

// Tip returns the commit refs/heads/<branch> points at in repo.
func Tip(t testing.TB, repo, branch string) (string, bool) {
	t.Helper()
	out, err := runGit(repo, "rev-parse", "-q", "--verify", "refs/heads/"+branch+"^{commit}")
	if err != nil {
		return "", false
	}
	return out, out != ""
}

// Gitlink returns the gitlink recorded at path in rev.
func Gitlink(t testing.TB, repo, rev, path string) string {
	t.Helper()
	out := RunGit(t, repo, "ls-tree", rev, "--", path)
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "160000" {
		t.Fatalf("%s:%s is not a gitlink: %q", rev, path, out)
	}
	return fields[2]
}

// ChangedPaths lists paths that differ between two commits.
func ChangedPaths(t testing.TB, repo, from, to string) []string {
	t.Helper()
	out := RunGit(t, repo, "diff-tree", "-r", "--name-only", "--no-renames", from, to)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// CommitCount counts commits reachable from rev.
func CommitCount(t testing.TB, repo, rev string) int {
	t.Helper()
	n, err := strconv.Atoi(RunGit(t, repo, "rev-list", "--count", rev))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// IsAncestor reports whether ancestor is reachable from descendant.
func IsAncestor(t testing.TB, repo, ancestor, descendant string) bool {
	t.Helper()
	_, err := runGit(repo, "merge-base", "--is-ancestor", ancestor, descendant)
	return err == nil
}
