package cmd

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withlazers/deployment-withlazers/internal/git"
	"github.com/withlazers/deployment-withlazers/internal/gittest"
	"github.com/withlazers/deployment-withlazers/internal/pipeline"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	t.Logf("stderr:\n%s", stderr.String())
	return stdout.String(), err
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "want exit code %d, got %v", code, err)
	assert.Equal(t, code, exitErr.Code)
}

func TestExitStatus(t *testing.T) {
	t.Parallel()

	notFound := errors.Join(pipeline.ErrNotFound, errors.New("no submodule"))
	tests := []struct {
		name          string
		out           pipeline.Outcome
		detailed      bool
		failOnMissing bool
		want          int
	}{
		{name: "noop", out: pipeline.Outcome{Kind: pipeline.KindNoOp}, detailed: true, want: 0},
		{name: "planned", out: pipeline.Outcome{Kind: pipeline.KindPlanned}, detailed: true, want: 0},
		{name: "updated", out: pipeline.Outcome{Kind: pipeline.KindUpdated}, want: 0},
		{name: "updated_detailed", out: pipeline.Outcome{Kind: pipeline.KindUpdated}, detailed: true, want: 2},
		{name: "failed", out: pipeline.Outcome{Kind: pipeline.KindFailed, Err: pipeline.ErrPushConflict}, want: 1},
		{name: "missing", out: pipeline.Outcome{Kind: pipeline.KindFailed, Err: notFound}, want: 0},
		{name: "missing_fails", out: pipeline.Outcome{Kind: pipeline.KindFailed, Err: notFound}, failOnMissing: true, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := exitStatus(tt.out, tt.detailed, tt.failOnMissing)
			if tt.want == 0 {
				require.NoError(t, err)
				return
			}
			requireExitCode(t, err, tt.want)
		})
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	got, err := parseHeaders([]string{"Authorization: Bearer abc", "X-Trace:1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc", "X-Trace": "1"}, got)

	got, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseHeaders([]string{"no colon"})
	require.Error(t, err)
}

func TestPipelineCommand(t *testing.T) {
	for _, kind := range []git.BackendKind{git.BackendNative, git.BackendGitCLI} {
		t.Run(string(kind), func(t *testing.T) {
			f := gittest.NewFixture(t)
			head := gittest.StartFeature(t, f.Service1, "feature/a_feature", "feature.txt")
			args := []string{"pipeline", "-r", f.Service1, "-c", f.CompositeRemote, "--backend", string(kind), "--detailed-exit-code"}

			stdout, err := execute(t, args...)
			requireExitCode(t, err, 2)
			assert.Contains(t, stdout, "updated service1 on feature/a_feature")

			tip, ok := gittest.Tip(t, f.CompositeRemote, "feature/a_feature")
			require.True(t, ok)
			assert.Equal(t, head, gittest.Gitlink(t, f.CompositeRemote, tip, gittest.Service1Path))

			stdout, err = execute(t, args...)
			require.NoError(t, err)
			assert.Contains(t, stdout, "nothing to do")
		})
	}
}

func TestPipelineCommandDryRun(t *testing.T) {
	f := gittest.NewFixture(t)
	head := gittest.StartFeature(t, f.Service1, "feature/a_feature", "feature.txt")

	stdout, err := execute(t, "pipeline", "-r", f.Service1, "-c", f.CompositeRemote, "--dry-run", "--detailed-exit-code")
	require.NoError(t, err)
	assert.Contains(t, stdout, "would update service1 on feature/a_feature")
	assert.Contains(t, stdout, "-160000 commit "+f.Service1Initial+"\tservice1\n")
	assert.Contains(t, stdout, "+160000 commit "+head+"\tservice1\n")

	_, ok := gittest.Tip(t, f.CompositeRemote, "feature/a_feature")
	assert.False(t, ok)
}

func TestPipelineCommandExplicitRef(t *testing.T) {
	f := gittest.NewFixture(t)
	gittest.StartFeature(t, f.Service1, "feature/a_feature", "feature.txt")

	_, err := execute(t, "pipeline", "-r", f.Service1, "-c", f.CompositeRemote, "-g", "refs/heads/feature/a_feature")
	require.NoError(t, err)
	_, ok := gittest.Tip(t, f.CompositeRemote, "feature/a_feature")
	assert.True(t, ok)

	_, err = execute(t, "pipeline", "-r", f.Service1, "-c", f.CompositeRemote, "-g", "main")
	requireExitCode(t, err, 1)
	assert.ErrorIs(t, err, git.ErrHeadMismatch)
}

func TestPipelineCommandMissingSubmodule(t *testing.T) {
	f := gittest.NewFixture(t)
	other := gittest.InitBare(t, f.Root, "other")
	wc := gittest.InitWorkdir(t, f.Root, "other-wc")
	gittest.RunGit(t, wc, "remote", "add", "origin", other)
	gittest.RunGit(t, wc, "checkout", "-q", "-b", "feature/x")
	gittest.CommitFile(t, wc, "README.md", "other\n", "Initial commit")

	args := []string{"pipeline", "-r", wc, "-c", f.CompositeRemote}
	_, err := execute(t, args...)
	require.NoError(t, err)

	_, err = execute(t, append(args, "--fail-on-missing")...)
	requireExitCode(t, err, 3)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestPipelineCommandServiceWithoutRemote(t *testing.T) {
	f := gittest.NewFixture(t)
	gittest.StartFeature(t, f.Service1, "feature/a_feature", "feature.txt")
	gittest.RunGit(t, f.Service1, "remote", "remove", "origin")

	args := []string{"pipeline", "-r", f.Service1, "-c", f.CompositeRemote}
	_, err := execute(t, args...)
	require.NoError(t, err)

	_, err = execute(t, append(args, "--fail-on-missing")...)
	requireExitCode(t, err, 3)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestPipelineCommandCloneDirIsCleanedUp(t *testing.T) {
	f := gittest.NewFixture(t)
	gittest.StartFeature(t, f.Service1, "feature/a_feature", "feature.txt")
	cloneDir := t.TempDir()

	_, err := execute(t, "pipeline", "-r", f.Service1, "-c", f.CompositeRemote, "--backend", "git", "--clone-dir", cloneDir)
	require.NoError(t, err)
	entries, err := os.ReadDir(cloneDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPipelineCommandConfigFile(t *testing.T) {
	f := gittest.NewFixture(t)
	gittest.StartFeature(t, f.Service1, "feature/a_feature", "feature.txt")
	cfgPath := f.Root + "/sync.yaml"
	require.NoError(t, os.WriteFile(cfgPath, []byte("collision: always-qualify\nsignature:\n  name: Sync Bot\n  email: bot@example.com\n"), 0o644))

	stdout, err := execute(t, "pipeline", "-r", f.Service1, "-c", f.CompositeRemote, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "service1/feature/a_feature")

	tip, ok := gittest.Tip(t, f.CompositeRemote, "service1/feature/a_feature")
	require.True(t, ok)
	assert.Equal(t, "Sync Bot <bot@example.com>", gittest.RunGit(t, f.CompositeRemote, "log", "-1", "--format=%cn <%ce>", tip))
	assert.Equal(t, gittest.AuthorName, gittest.RunGit(t, f.CompositeRemote, "log", "-1", "--format=%an", tip))
}

func TestPipelineCommandRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing_composite", args: []string{"pipeline"}, want: "composite-repository"},
		{name: "collision", args: []string{"pipeline", "-c", "x", "--collision", "merge"}, want: "collision"},
		{name: "backend", args: []string{"pipeline", "-c", "x", "--backend", "libgit2"}, want: "backend"},
		{name: "header", args: []string{"pipeline", "-c", "x", "-C", "broken"}, want: "invalid header"},
		{name: "log_format", args: []string{"pipeline", "-c", "x", "--log-format", "xml"}, want: "log format"},
		{name: "extra_args", args: []string{"pipeline", "-c", "x", "extra"}, want: "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, err := execute(t, "version")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], appName+" "), lines[0])
}
